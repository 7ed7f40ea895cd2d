// Package chain submits mark-complete attestations to the escrow contract.
//
// The RPC and Signer boundaries are interfaces so tests inject fakes and
// deployments wire the real Soroban endpoint.
package chain

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Call is one contract invocation.
type Call struct {
	ContractID string
	Method     string
	Args       []string
}

// Transaction is an unsigned contract call bound to an account sequence.
type Transaction struct {
	Source   string
	Sequence int64
	Fee      int64
	Call     Call
}

// SignedTransaction carries the envelope signature over Transaction.
type SignedTransaction struct {
	Transaction
	Signature []byte
}

// SimulationResult reports the pre-flight resource fee.
type SimulationResult struct {
	MinResourceFee int64
}

// RPC is the narrow contract the submitter needs from a Soroban endpoint.
type RPC interface {
	AccountSequence(ctx context.Context, account string) (int64, error)
	Simulate(ctx context.Context, tx Transaction) (SimulationResult, error)
	Submit(ctx context.Context, tx SignedTransaction) (string, error)
}

// Signer signs transaction envelopes with the backend key.
type Signer interface {
	Address() string
	Sign(tx Transaction) (SignedTransaction, error)
}

const markCompleteMethod = "mark_complete"

// Submitter sends mark_complete attestations. One backend key signs every
// attestation, so the whole fetch-sequence/sign/broadcast section runs
// under a single-writer lock; a second concurrent submission would
// otherwise race on the account sequence and be rejected by the network.
type Submitter struct {
	rpc     RPC
	signer  Signer
	timeout time.Duration

	mu sync.Mutex
}

func NewSubmitter(rpc RPC, signer Signer, timeout time.Duration) *Submitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Submitter{rpc: rpc, signer: signer, timeout: timeout}
}

// Submit marks milestone idx complete on the contract, with the evidence
// URL recorded on-chain. Returns the transaction hash. Not idempotent at
// the chain layer: a duplicate submission is rejected in simulation and
// surfaces as SimulationError, distinct from transient ChainError.
func (s *Submitter) Submit(ctx context.Context, contractID string, milestoneIdx int, evidenceURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	seq, err := s.rpc.AccountSequence(ctx, s.signer.Address())
	if err != nil {
		return "", classify("fetch sequence", err)
	}

	tx := Transaction{
		Source:   s.signer.Address(),
		Sequence: seq + 1,
		Call: Call{
			ContractID: contractID,
			Method:     markCompleteMethod,
			Args:       []string{strconv.Itoa(milestoneIdx), evidenceURL},
		},
	}

	sim, err := s.rpc.Simulate(ctx, tx)
	if err != nil {
		return "", classify("simulate", err)
	}
	tx.Fee = sim.MinResourceFee

	signed, err := s.signer.Sign(tx)
	if err != nil {
		var se SigningError
		if errors.As(err, &se) {
			return "", se
		}
		return "", SigningError{Err: err}
	}

	hash, err := s.rpc.Submit(ctx, signed)
	if err != nil {
		return "", classify("broadcast", err)
	}
	return hash, nil
}

// classify keeps SimulationError distinct and wraps everything else,
// including deadline expiry, as a transient ChainError.
func classify(op string, err error) error {
	var sim SimulationError
	if errors.As(err, &sim) {
		return sim
	}
	var ce ChainError
	if errors.As(err, &ce) {
		return ce
	}
	return ChainError{Op: op, Err: err}
}
