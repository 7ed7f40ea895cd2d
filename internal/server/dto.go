package server

type MilestonePlanRequest struct {
	Title          string `json:"title"`
	TriggerKeyword string `json:"trigger_keyword"`
	BPS            int    `json:"bps" doc:"Share of the escrow total in basis points"`
}

type CreateEscrowRequest struct {
	OrgID         string                 `json:"org_id"`
	OrgName       string                 `json:"org_name,omitempty"`
	ContractID    string                 `json:"contract_id"`
	ClientAddr    string                 `json:"client_addr"`
	DeveloperAddr string                 `json:"developer_addr"`
	TotalAmount   int64                  `json:"total_amount"`
	Milestones    []MilestonePlanRequest `json:"milestones"`
	Platform      string                 `json:"platform,omitempty"`
	RepoRef       string                 `json:"repo_ref,omitempty"`
	ExternalID    string                 `json:"external_id,omitempty"`
	WebhookSecret string                 `json:"webhook_secret,omitempty"`
}

type CreateConnectionRequest struct {
	Platform      string `json:"platform"`
	ExternalID    string `json:"external_id"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
}

type RecordVoteRequest struct {
	Action string `json:"action" enum:"approve,reject,dispute"`
	Note   string `json:"note,omitempty"`
}

type ResolveMilestoneRequest struct {
	ReleaseToDeveloper bool `json:"release_to_developer"`
}

type AddMemberRequest struct {
	Role string `json:"role"`
}

type CreateAPIKeyRequest struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	MemberID  string `json:"member_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Shown once at creation; store it securely"`
	CreatedAt string `json:"created_at"`
}
