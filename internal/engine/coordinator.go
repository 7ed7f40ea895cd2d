package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"streampay/internal/chain"
	"streampay/internal/domain"
	"streampay/internal/events"
	"streampay/internal/repo"
)

// Outcome statuses for HandleEvent.
const (
	OutcomeMatched = "matched"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Skip and failure details.
const (
	SkipTaskOpen       = "task-open"
	SkipNoConnection   = "no-connection"
	SkipEscrowInactive = "escrow-inactive"
	SkipNoMatch        = "no-match"
	SkipAlreadyMatched = "already-matched"
	FailChain          = "chain-submission"
	FailSigning        = "signing"
	FailSimulation     = "simulation-rejected"
)

// Outcome reports what a canonical event did.
type Outcome struct {
	Status       string `json:"status" enum:"matched,skipped,failed"`
	Detail       string `json:"detail,omitempty"`
	EscrowID     string `json:"escrow_id,omitempty"`
	MilestoneIdx int    `json:"milestone_idx"`
	TxHash       string `json:"tx_hash,omitempty"`
}

func skipped(detail, escrowID string) Outcome {
	return Outcome{Status: OutcomeSkipped, Detail: detail, EscrowID: escrowID, MilestoneIdx: -1}
}

// HandleEvent maps a canonical task-completion event to at most one
// pending milestone, submits the mark-complete attestation, and records
// the transition. Duplicate and unrelated deliveries are expected traffic
// and come back as skips, not errors.
func (e Engine) HandleEvent(ctx context.Context, ev domain.CanonicalEvent) (Outcome, error) {
	if !ev.IsDone {
		return skipped(SkipTaskOpen, ""), nil
	}

	conn, err := e.Repo.GetConnection(ctx, ev.Platform, ev.ExternalID)
	if errors.Is(err, repo.ErrNotFound) {
		return skipped(SkipNoConnection, ""), nil
	}
	if err != nil {
		// Ambiguous mappings fail closed: reject, do not guess.
		return Outcome{MilestoneIdx: -1}, err
	}

	esc, err := e.Repo.GetEscrow(ctx, conn.EscrowID)
	if err != nil {
		return Outcome{MilestoneIdx: -1}, err
	}
	if esc.Status != domain.EscrowActive {
		e.auditSkip(ctx, esc.ID, ev, SkipEscrowInactive)
		return skipped(SkipEscrowInactive, esc.ID), nil
	}

	pending, err := e.Repo.ListPendingMilestones(ctx, esc.ID)
	if err != nil {
		return Outcome{MilestoneIdx: -1}, err
	}
	m, ok := e.Matcher.Match(ev, pending)
	if !ok {
		e.auditSkip(ctx, esc.ID, ev, SkipNoMatch)
		return skipped(SkipNoMatch, esc.ID), nil
	}

	// Idempotency gate: of N concurrent deliveries selecting the same
	// milestone, exactly one claims it; the rest observe the updated
	// status here.
	completedAt := e.now().UTC().Format(time.RFC3339)
	claimed, err := e.Repo.ClaimMilestone(ctx, esc.ID, m.Idx, completedAt, ev.TaskURL)
	if err != nil {
		return Outcome{MilestoneIdx: -1}, err
	}
	if !claimed {
		e.auditSkip(ctx, esc.ID, ev, SkipAlreadyMatched)
		return skipped(SkipAlreadyMatched, esc.ID), nil
	}

	hash, err := e.Submitter.Submit(ctx, esc.ContractID, m.Idx, ev.TaskURL)
	if err != nil {
		// Roll the claim back so the next identical delivery re-admits
		// the event. Conditional: a release that landed meanwhile stays.
		if _, unclaimErr := e.Repo.UnclaimMilestone(ctx, esc.ID, m.Idx); unclaimErr != nil {
			log.Printf("engine: unclaim milestone %s/%d failed: %v", esc.ID, m.Idx, unclaimErr)
		}
		detail := FailChain
		var sim chain.SimulationError
		var signing chain.SigningError
		switch {
		case errors.As(err, &sim):
			detail = FailSimulation
		case errors.As(err, &signing):
			detail = FailSigning
		}
		e.auditFailure(ctx, esc.ID, m.Idx, ev, detail, err)
		return Outcome{Status: OutcomeFailed, Detail: detail, EscrowID: esc.ID, MilestoneIdx: m.Idx}, err
	}

	if err := e.auditMatched(ctx, esc.ID, m.Idx, ev, hash); err != nil {
		log.Printf("engine: audit matched event failed: %v", err)
	}
	return Outcome{Status: OutcomeMatched, EscrowID: esc.ID, MilestoneIdx: m.Idx, TxHash: hash}, nil
}

func (e Engine) auditSkip(ctx context.Context, escrowID string, ev domain.CanonicalEvent, detail string) {
	err := e.Events.AppendNoTx(ctx, "event.skipped", escrowID, "task", ev.TaskID, ev.Platform, events.EventPayload{
		"detail": detail,
		"title":  ev.TaskTitle,
	})
	if err != nil {
		log.Printf("engine: audit skip failed: %v", err)
	}
}

func (e Engine) auditFailure(ctx context.Context, escrowID string, idx int, ev domain.CanonicalEvent, detail string, cause error) {
	err := e.Events.AppendNoTx(ctx, "attestation.failed", escrowID, "milestone", milestoneRef(escrowID, idx), ev.Platform, events.EventPayload{
		"detail": detail,
		"error":  cause.Error(),
	})
	if err != nil {
		log.Printf("engine: audit failure failed: %v", err)
	}
}

func (e Engine) auditMatched(ctx context.Context, escrowID string, idx int, ev domain.CanonicalEvent, hash string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "event.matched", escrowID, "milestone", milestoneRef(escrowID, idx), ev.Platform, events.EventPayload{
		"task_id":  ev.TaskID,
		"task_url": ev.TaskURL,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "attestation.submitted", escrowID, "milestone", milestoneRef(escrowID, idx), ev.Platform, events.EventPayload{
		"tx_hash": hash,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
