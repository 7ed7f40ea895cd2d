package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"streampay/internal/domain"
	"streampay/internal/engine"
	"streampay/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// QueueSize bounds the in-flight webhook buffer. Zero means default.
	QueueSize int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_voted"`
	Message string         `json:"message" example:"member already voted on this milestone"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the StreamPay API, plus the
// background webhook processor, which the caller owns and must Close.
func New(cfg Config) (http.Handler, *Processor, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	proc := newProcessor(cfg.Engine, cfg.QueueSize)
	proc.Start()

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	registerWebhooks(router, basePath, cfg.Engine, proc)

	hcfg := huma.DefaultConfig("StreamPay API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEscrows(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerConnections(group, cfg.Engine)
	registerVotes(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, proc, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"member_id": fe.MemberID})
	}
	switch {
	case errors.Is(err, repo.ErrAlreadyVoted):
		return newAPIError(http.StatusConflict, "already_voted", err.Error(), nil)
	case errors.Is(err, repo.ErrAmbiguousConnection):
		return newAPIError(http.StatusConflict, "ambiguous_connection", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "not awaiting") || strings.Contains(lowered, "want"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_state"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEscrows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-escrow",
		Method:        http.MethodPost,
		Path:          "/escrows",
		Summary:       "Create escrow with milestone plan",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateEscrowRequest `json:"body"`
	}) (*struct {
		Body domain.Escrow `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EscrowCreateOptions{
			OrgID:         input.Body.OrgID,
			OrgName:       input.Body.OrgName,
			ContractID:    input.Body.ContractID,
			ClientAddr:    input.Body.ClientAddr,
			DeveloperAddr: input.Body.DeveloperAddr,
			TotalAmount:   input.Body.TotalAmount,
			Platform:      input.Body.Platform,
			RepoRef:       input.Body.RepoRef,
			ExternalID:    input.Body.ExternalID,
			WebhookSecret: input.Body.WebhookSecret,
			ActorID:       actorID,
		}
		for _, m := range input.Body.Milestones {
			opts.Milestones = append(opts.Milestones, engine.MilestonePlan{
				Title:          m.Title,
				TriggerKeyword: m.TriggerKeyword,
				BPS:            m.BPS,
			})
		}
		esc, err := e.CreateEscrow(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escrow `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escrows",
		Method:      http.MethodGet,
		Path:        "/escrows",
		Summary:     "List escrows",
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body []domain.Escrow `json:"body"`
	}, error) {
		items, err := e.Repo.ListEscrows(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Escrow `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/escrows/{escrow_id}",
		Summary:     "Get escrow",
	}, func(ctx context.Context, input *struct {
		EscrowID string `path:"escrow_id"`
	}) (*struct {
		Body domain.Escrow `json:"body"`
	}, error) {
		esc, err := e.Repo.GetEscrow(ctx, input.EscrowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escrow `json:"body"`
		}{Body: esc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escrow-summary",
		Method:      http.MethodGet,
		Path:        "/escrows/{escrow_id}/summary",
		Summary:     "Escrow balance and milestone summary",
	}, func(ctx context.Context, input *struct {
		EscrowID string `path:"escrow_id"`
	}) (*struct {
		Body domain.EscrowSummary `json:"body"`
	}, error) {
		summary, err := e.Summary(ctx, input.EscrowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/escrows/{escrow_id}/milestones",
		Summary:     "List milestones",
	}, func(ctx context.Context, input *struct {
		EscrowID string `path:"escrow_id"`
	}) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEscrow(ctx, input.EscrowID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMilestones(ctx, input.EscrowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-milestone",
		Method:      http.MethodPost,
		Path:        "/escrows/{escrow_id}/milestones/{idx}/resolve",
		Summary:     "Mirror an arbitration outcome for a disputed milestone",
	}, func(ctx context.Context, input *struct {
		EscrowID string                  `path:"escrow_id"`
		Idx      int                     `path:"idx"`
		Body     ResolveMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResolveDispute(ctx, input.EscrowID, input.Idx, input.Body.ReleaseToDeveloper, actorID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.Repo.GetMilestone(ctx, input.EscrowID, input.Idx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})
}

func registerConnections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-connection",
		Method:        http.MethodPost,
		Path:          "/escrows/{escrow_id}/connections",
		Summary:       "Bind a platform identity to an escrow",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		EscrowID string                  `path:"escrow_id"`
		Body     CreateConnectionRequest `json:"body"`
	}) (*struct {
		Body domain.PlatformConnection `json:"body"`
	}, error) {
		if input.Body.Platform == "" || input.Body.ExternalID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "platform and external_id are required", nil)
		}
		if _, err := e.Repo.GetEscrow(ctx, input.EscrowID); err != nil {
			return nil, handleError(err)
		}
		conn := domain.PlatformConnection{
			EscrowID:      input.EscrowID,
			Platform:      input.Body.Platform,
			ExternalID:    input.Body.ExternalID,
			WebhookSecret: input.Body.WebhookSecret,
			AccessToken:   input.Body.AccessToken,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertConnection(ctx, conn); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlatformConnection `json:"body"`
		}{Body: conn}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        "/escrows/{escrow_id}/connections",
		Summary:     "List platform connections",
	}, func(ctx context.Context, input *struct {
		EscrowID string `path:"escrow_id"`
	}) (*struct {
		Body []domain.PlatformConnection `json:"body"`
	}, error) {
		items, err := e.Repo.ListConnections(ctx, input.EscrowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PlatformConnection `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-connection",
		Method:      http.MethodDelete,
		Path:        "/connections/{platform}/{external_id}",
		Summary:     "Unbind a platform identity",
	}, func(ctx context.Context, input *struct {
		Platform   string `path:"platform"`
		ExternalID string `path:"external_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteConnection(ctx, input.Platform, input.ExternalID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerVotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-vote",
		Method:        http.MethodPost,
		Path:          "/escrows/{escrow_id}/milestones/{idx}/votes",
		Summary:       "Record an approval vote on a milestone",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		EscrowID string            `path:"escrow_id"`
		Idx      int               `path:"idx"`
		Body     RecordVoteRequest `json:"body"`
	}) (*struct {
		Body engine.VoteOutcome `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.RecordVote(ctx, engine.VoteRequest{
			EscrowID:     input.EscrowID,
			MilestoneIdx: input.Idx,
			MemberID:     actorID,
			Action:       input.Body.Action,
			Note:         input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VoteOutcome `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-votes",
		Method:      http.MethodGet,
		Path:        "/escrows/{escrow_id}/milestones/{idx}/votes",
		Summary:     "List votes on a milestone",
	}, func(ctx context.Context, input *struct {
		EscrowID string `path:"escrow_id"`
		Idx      int    `path:"idx"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		items, err := e.Repo.ListApprovals(ctx, input.EscrowID, input.Idx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: items}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPut,
		Path:          "/orgs/{org_id}/members/{member_id}",
		Summary:       "Add or update an organization member",
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *struct {
		OrgID    string           `path:"org_id"`
		MemberID string           `path:"member_id"`
		Body     AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		if input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		if _, err := e.Repo.GetOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		m := domain.Member{
			OrgID:    input.OrgID,
			MemberID: input.MemberID,
			Role:     input.Body.Role,
			AddedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertMember(ctx, m); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/members",
		Summary:     "List organization members",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Member `json:"body"`
	}, error) {
		items, err := e.Repo.ListMembers(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Member `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.MemberID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "member_id is required", nil)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			MemberID:  input.Body.MemberID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		// The raw key is shown once and never stored.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, MemberID: key.MemberID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		EscrowID string `query:"escrow_id"`
		Type     string `query:"type"`
		Limit    string `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := 50
		if input.Limit != "" {
			v, err := strconv.Atoi(input.Limit)
			if err != nil || v < 1 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid limit", nil)
			}
			limit = v
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.EscrowID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
