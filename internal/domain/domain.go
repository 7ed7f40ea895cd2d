package domain

import "encoding/json"

// Escrow statuses.
const (
	EscrowActive    = "active"
	EscrowCompleted = "completed"
	EscrowCancelled = "cancelled"
)

// Milestone statuses.
const (
	MilestonePending        = "pending"
	MilestonePendingRelease = "pending_release"
	MilestoneReleased       = "released"
	MilestoneDisputed       = "disputed"
	MilestoneRefunded       = "refunded"
)

// Approval actions.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionDispute = "dispute"
)

type Org struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ApprovalThreshold int    `json:"approval_threshold"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type Member struct {
	OrgID    string `json:"org_id"`
	MemberID string `json:"member_id"`
	Role     string `json:"role" enum:"admin,finance,viewer"`
	AddedAt  string `json:"added_at" format:"date-time"`
}

type Escrow struct {
	ID            string `json:"id"`
	OrgID         string `json:"org_id"`
	ContractID    string `json:"contract_id"`
	ClientAddr    string `json:"client_addr"`
	DeveloperAddr string `json:"developer_addr"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status" enum:"active,completed,cancelled"`
	Platform      string `json:"platform"`
	RepoRef       string `json:"repo_ref,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Milestone struct {
	EscrowID       string  `json:"escrow_id"`
	Idx            int     `json:"idx"`
	Title          string  `json:"title"`
	TriggerKeyword string  `json:"trigger_keyword"`
	BPS            int     `json:"bps"`
	Status         string  `json:"status" enum:"pending,pending_release,released,disputed,refunded"`
	TaskURL        *string `json:"task_url,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

// FeeBPS is the platform's cut of each released milestone, in basis
// points. Matches the contract constant.
const FeeBPS = 100

// Amount is this milestone's share of the escrow total, in the smallest
// currency unit. Same truncating arithmetic as the contract.
func (m Milestone) Amount(total int64) int64 {
	return total * int64(m.BPS) / 10_000
}

// Fee is the platform's share of a released milestone amount.
func Fee(amount int64) int64 {
	return amount * FeeBPS / 10_000
}

// Terminal reports whether the milestone can no longer change status.
func (m Milestone) Terminal() bool {
	return m.Status == MilestoneReleased || m.Status == MilestoneRefunded
}

type PlatformConnection struct {
	EscrowID      string `json:"escrow_id"`
	Platform      string `json:"platform"`
	ExternalID    string `json:"external_id"`
	WebhookSecret string `json:"-"`
	AccessToken   string `json:"-"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Approval struct {
	ID           string `json:"id"`
	EscrowID     string `json:"escrow_id"`
	MilestoneIdx int    `json:"milestone_idx"`
	MemberID     string `json:"member_id"`
	Action       string `json:"action" enum:"approve,reject,dispute"`
	Note         string `json:"note,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// CanonicalEvent is the platform-agnostic task-completion signal handed to
// the coordinator by an adapter. It is consumed once and never persisted;
// the durable record lives on the matched milestone.
type CanonicalEvent struct {
	Platform   string          `json:"platform"`
	ExternalID string          `json:"external_id"`
	TaskID     string          `json:"task_id"`
	TaskTitle  string          `json:"task_title"`
	Labels     []string        `json:"labels,omitempty"`
	TaskURL    string          `json:"task_url"`
	IsDone     bool            `json:"is_done"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	MemberID  string `json:"member_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EscrowID   string `json:"escrow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// EscrowSummary aggregates an escrow's balance view the way the contract's
// get_balance does. Released milestones pay the developer minus the
// platform fee; refunded milestones return to the client fee-free.
type EscrowSummary struct {
	Escrow       Escrow      `json:"escrow"`
	Milestones   []Milestone `json:"milestones"`
	Released     int64       `json:"released"`
	Refunded     int64       `json:"refunded"`
	PlatformFee  int64       `json:"platform_fee"`
	DeveloperNet int64       `json:"developer_net"`
	Remaining    int64       `json:"remaining"`
}
