package block

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"pearsync/internal/wire"
)

// Channel is the minimal bidirectional framed-message transport a Store
// needs to replicate one log. internal/transport's peer channels satisfy
// it; tests use an in-memory pipe implementation.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// replication control envelope, grounded on core/replication.go
// tagged JSON messages (invMsg/getDataMsg/blockMsg), generalized from
// "block inventory" to "log length" since a log has no branches to reconcile,
// only a length.
type envelope struct {
	Type   string `json:"type"`
	Length uint64 `json:"length,omitempty"`
	From   uint64 `json:"from,omitempty"`
	To     uint64 `json:"to,omitempty"`
	Frame  string `json:"frame,omitempty"` // base64 wire.Encode bytes
}

func send(ctx context.Context, ch Channel, e envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return ch.Send(ctx, data)
}

func recv(ctx context.Context, ch Channel) (envelope, error) {
	data, err := ch.Recv(ctx)
	if err != nil {
		return envelope{}, err
	}
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("block: decode envelope: %w", err)
	}
	return e, nil
}

// Replicate runs one exchange round over ch: both sides announce their
// length, then exactly one side acts — since a single writer's log never
// forks (every frame is hash-chained and immutable), the longer side's
// state is always a strict superset of the shorter side's, so either the
// local side requests the missing range, or it serves one, or (lengths
// equal) nothing happens. This single-direction-per-round design also
// means the two sides never read from the same logical half-duplex
// conversation concurrently. Every received frame is verified against
// this log's writer key and the prior frame's chain hash before
// acceptance (Store.Accept); a peer that sends an invalid frame is
// reported via the returned error and must be dropped from replication
// for this log by the caller — the byte channel itself is not torn down
// here, since other logs may still be replicating over it (that decision
// belongs to logset.Set).
func (s *Store) Replicate(ctx context.Context, ch Channel) error {
	localLen := s.Length()
	if err := send(ctx, ch, envelope{Type: "have", Length: localLen}); err != nil {
		return fmt.Errorf("block: send have: %w", err)
	}

	peerHave, err := recv(ctx, ch)
	if err != nil {
		return fmt.Errorf("block: recv have: %w", err)
	}
	if peerHave.Type != "have" {
		return fmt.Errorf("block: expected have, got %s", peerHave.Type)
	}

	switch {
	case peerHave.Length > localLen:
		return s.requestRange(ctx, ch, localLen, peerHave.Length)
	case peerHave.Length < localLen:
		return s.serveRequests(ctx, ch, localLen)
	default:
		return nil
	}
}

func (s *Store) requestRange(ctx context.Context, ch Channel, from, to uint64) error {
	if err := send(ctx, ch, envelope{Type: "want", From: from, To: to}); err != nil {
		return err
	}
	for seq := from; seq < to; seq++ {
		e, err := recv(ctx, ch)
		if err != nil {
			return fmt.Errorf("block: recv frame %d: %w", seq, err)
		}
		if e.Type != "frame" {
			return fmt.Errorf("block: expected frame, got %s", e.Type)
		}
		raw, err := base64.StdEncoding.DecodeString(e.Frame)
		if err != nil {
			return fmt.Errorf("%w: bad base64: %v", ErrVerification, err)
		}
		f, err := wire.Decode(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("%w: decode: %v", ErrVerification, err)
		}
		if err := s.Accept(f); err != nil {
			return err
		}
	}
	return nil
}

// serveRequests waits for (at most) one "want" request from the peer and
// streams the requested, locally-available range.
func (s *Store) serveRequests(ctx context.Context, ch Channel, localLen uint64) error {
	e, err := recv(ctx, ch)
	if err != nil {
		return nil // peer had nothing to request; round complete
	}
	if e.Type != "want" {
		return fmt.Errorf("block: expected want, got %s", e.Type)
	}
	to := e.To
	if to > localLen {
		to = localLen
	}
	for seq := e.From; seq < to; seq++ {
		f, err := s.Get(ctx, seq)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := wire.Encode(&buf, f); err != nil {
			return err
		}
		if err := send(ctx, ch, envelope{Type: "frame", Frame: base64.StdEncoding.EncodeToString(buf.Bytes())}); err != nil {
			return err
		}
	}
	return nil
}
