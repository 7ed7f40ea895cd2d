package chain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streampay/internal/chain"
)

type fakeRPC struct {
	mu       sync.Mutex
	sequence int64
	seqs     []int64
	simErr   error
	sendErr  error
	hash     string
}

func (f *fakeRPC) AccountSequence(ctx context.Context, account string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sequence, nil
}

func (f *fakeRPC) Simulate(ctx context.Context, tx chain.Transaction) (chain.SimulationResult, error) {
	if f.simErr != nil {
		return chain.SimulationResult{}, f.simErr
	}
	return chain.SimulationResult{MinResourceFee: 100}, nil
}

func (f *fakeRPC) Submit(ctx context.Context, tx chain.SignedTransaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.seqs = append(f.seqs, tx.Sequence)
	f.sequence = tx.Sequence
	if f.hash == "" {
		return "txhash", nil
	}
	return f.hash, nil
}

func newTestSubmitter(rpc *fakeRPC) *chain.Submitter {
	signer := chain.NewKeySigner(make([]byte, 32), "Test Network")
	return chain.NewSubmitter(rpc, signer, time.Second)
}

func TestSubmitBuildsMarkComplete(t *testing.T) {
	rpc := &fakeRPC{sequence: 7}
	s := newTestSubmitter(rpc)

	hash, err := s.Submit(context.Background(), "CONTRACT1", 2, "https://example.com/pr/9")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash != "txhash" {
		t.Fatalf("hash = %q", hash)
	}
	if len(rpc.seqs) != 1 || rpc.seqs[0] != 8 {
		t.Fatalf("broadcast sequence = %v, want [8]", rpc.seqs)
	}
}

func TestSubmitSerializesSequence(t *testing.T) {
	rpc := &fakeRPC{sequence: 0}
	s := newTestSubmitter(rpc)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Submit(context.Background(), "C", i, "u"); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if len(rpc.seqs) != n {
		t.Fatalf("broadcasts = %d, want %d", len(rpc.seqs), n)
	}
	// The lock makes sequences strictly increasing, never reused.
	for i := 1; i < len(rpc.seqs); i++ {
		if rpc.seqs[i] != rpc.seqs[i-1]+1 {
			t.Fatalf("sequence gap at %d: %v", i, rpc.seqs)
		}
	}
}

func TestSimulationRejectionPassesThrough(t *testing.T) {
	rpc := &fakeRPC{simErr: chain.SimulationError{Reason: "milestone already complete"}}
	s := newTestSubmitter(rpc)

	_, err := s.Submit(context.Background(), "C", 0, "u")
	var sim chain.SimulationError
	if !errors.As(err, &sim) {
		t.Fatalf("got %v, want SimulationError", err)
	}
	var ce chain.ChainError
	if errors.As(err, &ce) {
		t.Fatalf("simulation rejection must not classify as transient")
	}
}

func TestBroadcastFailureIsChainError(t *testing.T) {
	rpc := &fakeRPC{sendErr: errors.New("connection reset")}
	s := newTestSubmitter(rpc)

	_, err := s.Submit(context.Background(), "C", 0, "u")
	var ce chain.ChainError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want ChainError", err)
	}
}

func TestMissingSigningKey(t *testing.T) {
	t.Setenv("STREAMPAY_TEST_MISSING_KEY", "")
	_, err := chain.NewKeySignerFromEnv("STREAMPAY_TEST_MISSING_KEY", "net")
	var se chain.SigningError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want SigningError", err)
	}
}
