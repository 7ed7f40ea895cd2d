package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streampay/internal/config"
	"streampay/internal/domain"
	"streampay/internal/events"
	"streampay/internal/repo"
)

type VoteRequest struct {
	EscrowID     string
	MilestoneIdx int
	MemberID     string
	Action       string
	Note         string
}

type VoteOutcome struct {
	Recorded        bool   `json:"recorded"`
	Action          string `json:"action"`
	Approvals       int    `json:"approvals"`
	Threshold       int    `json:"threshold"`
	ThresholdMet    bool   `json:"threshold_met"`
	Released        bool   `json:"released"`
	AlreadyReleased bool   `json:"already_released"`
	DisputeBlocked  bool   `json:"dispute_blocked"`
}

// RecordVote stores one member's vote on a milestone and, when the
// approve count first reaches the organization threshold, transitions the
// milestone to released exactly once. Votes past that point report
// already-released instead of re-triggering the release.
func (e Engine) RecordVote(ctx context.Context, req VoteRequest) (VoteOutcome, error) {
	switch req.Action {
	case domain.ActionApprove, domain.ActionReject, domain.ActionDispute:
	default:
		return VoteOutcome{}, fmt.Errorf("invalid action %q", req.Action)
	}

	esc, err := e.Repo.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return VoteOutcome{}, err
	}
	role, err := e.Repo.MemberRole(ctx, esc.OrgID, req.MemberID)
	if errors.Is(err, repo.ErrNotFound) {
		return VoteOutcome{}, ForbiddenError{MemberID: req.MemberID}
	}
	if err != nil {
		return VoteOutcome{}, err
	}
	if e.Config == nil || !e.Config.VoterRoleAllowed(role) {
		return VoteOutcome{}, ForbiddenError{MemberID: req.MemberID, Role: role}
	}

	m, err := e.Repo.GetMilestone(ctx, req.EscrowID, req.MilestoneIdx)
	if err != nil {
		return VoteOutcome{}, err
	}
	switch m.Status {
	case domain.MilestonePending:
		return VoteOutcome{}, errors.New("milestone is not awaiting release")
	case domain.MilestoneRefunded:
		return VoteOutcome{}, errors.New("milestone is refunded")
	}

	now := e.now().UTC().Format(time.RFC3339)
	vote := domain.Approval{
		ID:           uuid.New().String(),
		EscrowID:     req.EscrowID,
		MilestoneIdx: req.MilestoneIdx,
		MemberID:     req.MemberID,
		Action:       req.Action,
		Note:         req.Note,
		CreatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteOutcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApprovalTx(ctx, tx, vote); err != nil {
		return VoteOutcome{}, err
	}
	approvals, err := e.Repo.CountApprovalsTx(ctx, tx, req.EscrowID, req.MilestoneIdx, domain.ActionApprove)
	if err != nil {
		return VoteOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "vote.recorded", req.EscrowID, "milestone", milestoneRef(req.EscrowID, req.MilestoneIdx), req.MemberID, events.EventPayload{
		"action": req.Action,
		"note":   req.Note,
	}); err != nil {
		return VoteOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return VoteOutcome{}, err
	}

	out := VoteOutcome{
		Recorded:  true,
		Action:    req.Action,
		Approvals: approvals,
		Threshold: e.threshold(ctx, esc.OrgID),
	}
	out.ThresholdMet = approvals >= out.Threshold

	if m.Status == domain.MilestoneReleased {
		out.AlreadyReleased = true
		return out, nil
	}
	if !out.ThresholdMet {
		return out, nil
	}

	// A recorded dispute can freeze quorum until arbitrated.
	if e.Config.Approvals.DisputeStrategy == config.DisputeFreeze {
		disputes, err := e.Repo.CountApprovals(ctx, req.EscrowID, req.MilestoneIdx, domain.ActionDispute)
		if err != nil {
			return out, err
		}
		if disputes > 0 {
			out.DisputeBlocked = true
			return out, nil
		}
	}

	released, err := e.releaseMilestone(ctx, req.EscrowID, req.MilestoneIdx, req.MemberID, approvals, out.Threshold)
	if err != nil {
		return out, err
	}
	out.Released = released
	if !released {
		// The conditional update lost: either another vote crossed the
		// threshold first or the milestone moved to disputed.
		cur, err := e.Repo.GetMilestone(ctx, req.EscrowID, req.MilestoneIdx)
		if err != nil {
			return out, err
		}
		out.AlreadyReleased = cur.Status == domain.MilestoneReleased
	}
	return out, nil
}

func (e Engine) threshold(ctx context.Context, orgID string) int {
	fallback := 1
	if e.Config != nil && e.Config.Approvals.DefaultThreshold > 0 {
		fallback = e.Config.Approvals.DefaultThreshold
	}
	org, err := e.Repo.GetOrg(ctx, orgID)
	if err != nil || org.ApprovalThreshold < 1 {
		return fallback
	}
	return org.ApprovalThreshold
}

// releaseMilestone performs the at-most-once pending_release -> released
// transition. Exactly one of N concurrent quorum crossings wins.
func (e Engine) releaseMilestone(ctx context.Context, escrowID string, idx int, actorID string, approvals, threshold int) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=? WHERE escrow_id=? AND idx=? AND status=?`,
		domain.MilestoneReleased, escrowID, idx, domain.MilestonePendingRelease)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, "milestone.released", escrowID, "milestone", milestoneRef(escrowID, idx), actorID, events.EventPayload{
		"approvals": approvals,
		"threshold": threshold,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// MarkDisputed mirrors an on-chain dispute into the store.
func (e Engine) MarkDisputed(ctx context.Context, escrowID string, idx int, actorID, reason string) error {
	return e.transitionMilestone(ctx, escrowID, idx, domain.MilestonePendingRelease, domain.MilestoneDisputed,
		"milestone.disputed", actorID, events.EventPayload{"reason": reason})
}

// ResolveDispute mirrors the contract's arbitration outcome: a disputed
// milestone ends released or refunded. The decision itself is made
// on-chain; the backend never re-derives it from votes.
func (e Engine) ResolveDispute(ctx context.Context, escrowID string, idx int, releaseToDeveloper bool, actorID string) error {
	to := domain.MilestoneRefunded
	evtType := "milestone.refunded"
	if releaseToDeveloper {
		to = domain.MilestoneReleased
		evtType = "milestone.released"
	}
	return e.transitionMilestone(ctx, escrowID, idx, domain.MilestoneDisputed, to,
		evtType, actorID, events.EventPayload{"arbitrated": true})
}

func (e Engine) transitionMilestone(ctx context.Context, escrowID string, idx int, from, to, evtType, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=? WHERE escrow_id=? AND idx=? AND status=?`, to, escrowID, idx, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var cur string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM milestones WHERE escrow_id=? AND idx=?`, escrowID, idx).Scan(&cur); err != nil {
			return err
		}
		return fmt.Errorf("milestone %s/%d is %s, want %s", escrowID, idx, cur, from)
	}
	if err := e.Events.Append(ctx, tx, evtType, escrowID, "milestone", milestoneRef(escrowID, idx), actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func milestoneRef(escrowID string, idx int) string {
	return fmt.Sprintf("%s/%d", escrowID, idx)
}
