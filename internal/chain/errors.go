package chain

import "fmt"

// ChainError is a transient network or RPC failure. Safe to retry: the
// coordinator leaves the milestone in its pre-attempt state.
type ChainError struct {
	Op  string
	Err error
}

func (e ChainError) Error() string { return fmt.Sprintf("chain %s: %v", e.Op, e.Err) }
func (e ChainError) Unwrap() error { return e.Err }

// SigningError means the backend signing key is unavailable or rejected
// the payload. Not retryable without operator attention.
type SigningError struct {
	Err error
}

func (e SigningError) Error() string { return fmt.Sprintf("sign attestation: %v", e.Err) }
func (e SigningError) Unwrap() error { return e.Err }

// SimulationError means the contract rejected the call during pre-flight,
// typically because the milestone is already marked on-chain. Retrying the
// same call will fail the same way.
type SimulationError struct {
	Reason string
}

func (e SimulationError) Error() string { return fmt.Sprintf("simulation rejected: %s", e.Reason) }
