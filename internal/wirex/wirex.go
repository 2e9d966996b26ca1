// Package wirex implements C7, the Writer Exchange Channel: a tiny
// side-protocol multiplexed onto each peer connection that carries
// exactly one message — the remote's local writer public key — so a
// writable bootstrap peer can admit new writers on sight.
//
// Grounded on core/replication.go tagged-envelope exchange
// idiom (small JSON control messages ahead of the main data flow),
// generalized from block inventory exchange to a one-shot key
// announcement.
package wirex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pearsync/internal/block"
	"pearsync/internal/identity"
	"pearsync/internal/ops"
)

// Channel is the minimal framed transport the exchange needs; satisfied
// by transport.StreamChannel and, in tests, an in-memory pipe.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

type announce struct {
	WriterKey identity.Key `json:"writer_key"`
}

// AppendLog is the subset of block.Store the exchange needs to append a
// locally-observed add-writer op.
type AppendLog interface {
	Append(op ops.Operation) (uint64, error)
}

// Exchange runs one side of the Writer Exchange Channel protocol over ch:
// it announces local immediately, then on every key received from the
// peer, deduplicates against seen (per-connection, so the same key is
// never re-announced as an add-writer twice from one connection) and, if
// the remote key differs from local and localLog is currently writable
// (Append will fail with block.ErrNotWritable otherwise, which Exchange
// tolerates as an expected non-error outcome), appends add-writer{K_p}
// to localLog. A delayed reconciliation signal is sent on pullAfter 1s
// after each new key is observed.
//
// Exchange is advisory: any error returned here should be logged by the
// caller and the connection's replication continues independent of it;
// membership correctness lives entirely in internal/writerset via the
// Linearizer.
func Exchange(ctx context.Context, ch Channel, local identity.Key, localLog AppendLog, pullAfter chan<- struct{}, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	data, err := json.Marshal(announce{WriterKey: local})
	if err != nil {
		return fmt.Errorf("wirex: marshal announce: %w", err)
	}
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("wirex: send announce: %w", err)
	}

	seen := make(map[identity.Key]bool)
	for {
		raw, err := ch.Recv(ctx)
		if err != nil {
			return fmt.Errorf("wirex: recv: %w", err)
		}
		var a announce
		if err := json.Unmarshal(raw, &a); err != nil {
			logger.WithError(err).Warn("wirex: dropping malformed announce")
			continue
		}
		if seen[a.WriterKey] {
			continue
		}
		seen[a.WriterKey] = true

		if a.WriterKey != local {
			if _, err := localLog.Append(ops.AddWriter(a.WriterKey)); err != nil {
				if !errors.Is(err, block.ErrNotWritable) {
					logger.WithError(err).WithField("writer", a.WriterKey.Short()).Warn("wirex: append add-writer failed")
				}
			} else {
				logger.WithField("writer", a.WriterKey.Short()).Info("wirex: admitted new writer")
			}
		}

		if pullAfter != nil {
			go func() {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				select {
				case pullAfter <- struct{}{}:
				case <-ctx.Done():
				}
			}()
		}
	}
}
