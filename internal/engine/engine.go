package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streampay/internal/config"
	"streampay/internal/domain"
	"streampay/internal/events"
	"streampay/internal/match"
	"streampay/internal/repo"
)

// AttestationSubmitter is the chain boundary the coordinator drives.
type AttestationSubmitter interface {
	Submit(ctx context.Context, contractID string, milestoneIdx int, evidenceURL string) (string, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Matcher   match.Strategy
	Submitter AttestationSubmitter
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, matcher match.Strategy, submitter AttestationSubmitter) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Matcher:   matcher,
		Submitter: submitter,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ForbiddenError means the caller is not a member with a voting role.
type ForbiddenError struct {
	MemberID string
	Role     string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("member %s is not part of the organization", e.MemberID)
	}
	return fmt.Sprintf("member %s role %s cannot vote", e.MemberID, e.Role)
}

// --- escrow setup ---

type MilestonePlan struct {
	Title          string
	TriggerKeyword string
	BPS            int
}

type EscrowCreateOptions struct {
	ID            string
	OrgID         string
	OrgName       string
	ContractID    string
	ClientAddr    string
	DeveloperAddr string
	TotalAmount   int64
	Platform      string
	RepoRef       string
	ExternalID    string
	WebhookSecret string
	Milestones    []MilestonePlan
	ActorID       string
}

const maxMilestones = 10

// CreateEscrow records an escrow and its milestone plan. Validation
// mirrors the contract's initialize checks so the backend never holds a
// plan the contract would have rejected.
func (e Engine) CreateEscrow(ctx context.Context, opts EscrowCreateOptions) (domain.Escrow, error) {
	if opts.ContractID == "" {
		return domain.Escrow{}, errors.New("contract id is required")
	}
	if opts.OrgID == "" {
		return domain.Escrow{}, errors.New("org is required")
	}
	if opts.TotalAmount <= 0 {
		return domain.Escrow{}, errors.New("total amount must be positive")
	}
	if len(opts.Milestones) == 0 {
		return domain.Escrow{}, errors.New("at least one milestone is required")
	}
	if len(opts.Milestones) > maxMilestones {
		return domain.Escrow{}, fmt.Errorf("at most %d milestones allowed", maxMilestones)
	}
	totalBPS := 0
	for i, m := range opts.Milestones {
		if m.Title == "" {
			return domain.Escrow{}, fmt.Errorf("milestone %d: title is required", i)
		}
		if m.TriggerKeyword == "" {
			return domain.Escrow{}, fmt.Errorf("milestone %d: trigger keyword is required", i)
		}
		if m.BPS <= 0 {
			return domain.Escrow{}, fmt.Errorf("milestone %d: bps must be positive", i)
		}
		totalBPS += m.BPS
	}
	if totalBPS != 10_000 {
		return domain.Escrow{}, fmt.Errorf("milestone bps sum to %d, want 10000", totalBPS)
	}

	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	esc := domain.Escrow{
		ID:            id,
		OrgID:         opts.OrgID,
		ContractID:    opts.ContractID,
		ClientAddr:    opts.ClientAddr,
		DeveloperAddr: opts.DeveloperAddr,
		TotalAmount:   opts.TotalAmount,
		Status:        domain.EscrowActive,
		Platform:      opts.Platform,
		RepoRef:       opts.RepoRef,
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escrow{}, err
	}
	defer tx.Rollback()

	orgName := opts.OrgName
	if orgName == "" {
		orgName = opts.OrgID
	}
	threshold := 1
	if e.Config != nil && e.Config.Approvals.DefaultThreshold > 0 {
		threshold = e.Config.Approvals.DefaultThreshold
	}
	if err := e.Repo.EnsureOrg(ctx, tx, opts.OrgID, orgName, threshold, now); err != nil {
		return domain.Escrow{}, fmt.Errorf("ensure org: %w", err)
	}
	if err := e.Repo.InsertEscrowTx(ctx, tx, esc); err != nil {
		return domain.Escrow{}, fmt.Errorf("insert escrow: %w", err)
	}
	for i, m := range opts.Milestones {
		row := domain.Milestone{
			EscrowID:       esc.ID,
			Idx:            i,
			Title:          m.Title,
			TriggerKeyword: m.TriggerKeyword,
			BPS:            m.BPS,
			Status:         domain.MilestonePending,
		}
		if err := e.Repo.InsertMilestoneTx(ctx, tx, row); err != nil {
			return domain.Escrow{}, fmt.Errorf("insert milestone %d: %w", i, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "escrow.created", esc.ID, "escrow", esc.ID, opts.ActorID, events.EventPayload{
		"contract_id": esc.ContractID,
		"total":       esc.TotalAmount,
		"milestones":  len(opts.Milestones),
	}); err != nil {
		return domain.Escrow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escrow{}, err
	}

	if opts.ExternalID != "" {
		conn := domain.PlatformConnection{
			EscrowID:      esc.ID,
			Platform:      esc.Platform,
			ExternalID:    opts.ExternalID,
			WebhookSecret: opts.WebhookSecret,
			CreatedAt:     now,
		}
		if err := e.Repo.InsertConnection(ctx, conn); err != nil {
			return esc, fmt.Errorf("bind connection: %w", err)
		}
	}
	return esc, nil
}

// Summary computes the balance view the contract's get_balance exposes,
// from the store's milestone rows.
func (e Engine) Summary(ctx context.Context, escrowID string) (domain.EscrowSummary, error) {
	esc, err := e.Repo.GetEscrow(ctx, escrowID)
	if err != nil {
		return domain.EscrowSummary{}, err
	}
	milestones, err := e.Repo.ListMilestones(ctx, escrowID)
	if err != nil {
		return domain.EscrowSummary{}, err
	}
	var released, refunded, fee int64
	for _, m := range milestones {
		amount := m.Amount(esc.TotalAmount)
		switch m.Status {
		case domain.MilestoneReleased:
			released += amount
			fee += domain.Fee(amount)
		case domain.MilestoneRefunded:
			refunded += amount
		}
	}
	return domain.EscrowSummary{
		Escrow:       esc,
		Milestones:   milestones,
		Released:     released,
		Refunded:     refunded,
		PlatformFee:  fee,
		DeveloperNet: released - fee,
		Remaining:    esc.TotalAmount - released - refunded,
	}, nil
}
