package wirex

import (
	"context"
	"testing"
	"time"

	"pearsync/internal/block"
	"pearsync/internal/identity"
	"pearsync/internal/ops"
)

type pipeChannel struct {
	out chan []byte
	in  chan []byte
}

func newPipe() (a, b *pipeChannel) {
	c1 := make(chan []byte, 16)
	c2 := make(chan []byte, 16)
	return &pipeChannel{out: c1, in: c2}, &pipeChannel{out: c2, in: c1}
}

func (p *pipeChannel) Send(ctx context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d := <-p.in:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestStore(t *testing.T, kp *identity.KeyPair, writer identity.Key) *block.Store {
	t.Helper()
	st, err := block.Open(t.TempDir(), writer, kp, [32]byte{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestExchangeAppendsAddWriterForNewRemoteKey(t *testing.T) {
	local, _ := identity.Generate()
	remote, _ := identity.Generate()

	localStore := newTestStore(t, &local, local.Public)

	chA, chB := newPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pull := make(chan struct{}, 1)
	errc := make(chan error, 2)
	go func() { errc <- Exchange(ctx, chA, local.Public, localStore, pull, nil) }()
	go func() {
		// Stand in for the remote side: announce once, then block.
		dummy := stubLog{}
		errc <- Exchange(ctx, chB, remote.Public, dummy, nil, nil)
	}()

	deadline := time.After(1 * time.Second)
	for {
		if localStore.HasLocally(0) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for add-writer to be appended")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	f, err := localStore.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	op, err := ops.Unmarshal(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if op.Kind != ops.KindAddWriter || op.WriterKey != remote.Public {
		t.Fatalf("unexpected op: %+v", op)
	}

	select {
	case <-pull:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a delayed reconciliation pull signal")
	}

	cancel()
	<-errc
	<-errc
}

func TestExchangeIgnoresOwnKey(t *testing.T) {
	local, _ := identity.Generate()
	localStore := newTestStore(t, &local, local.Public)

	chA, chB := newPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go Exchange(ctx, chB, local.Public, stubLog{}, nil, nil)
	go Exchange(ctx, chA, local.Public, localStore, nil, nil)

	<-ctx.Done()
	if localStore.Length() != 0 {
		t.Fatalf("expected no ops appended when remote announces the same key, got length %d", localStore.Length())
	}
}

type stubLog struct{}

func (stubLog) Append(op ops.Operation) (uint64, error) { return 0, nil }
