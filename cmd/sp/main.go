package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"streampay/internal/chain"
	"streampay/internal/config"
	"streampay/internal/db"
	"streampay/internal/domain"
	"streampay/internal/engine"
	"streampay/internal/match"
	"streampay/internal/migrate"
	"streampay/internal/repo"
	"streampay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "StreamPay escrow coordinator CLI",
	Long: `StreamPay coordinates milestone escrows with task-tracker webhooks.
An escrow holds funds on a contract, split into milestones by basis
points. When a connected tracker reports a task done, the coordinator
matches it to a pending milestone, submits a mark-complete attestation
on-chain, and the milestone waits for approval votes. Quorum releases
the milestone's share; disputes are mirrored from the contract.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STREAMPAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- escrow ---

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escrow",
		Short: "Manage escrows",
		Long:  "An escrow mirrors one on-chain contract: total amount, client and developer addresses, and a milestone plan whose basis points sum to 10000.",
	}
	esc.AddCommand(escrowCreateCmd())
	esc.AddCommand(escrowListCmd())
	esc.AddCommand(escrowShowCmd())
	esc.AddCommand(escrowSummaryCmd())
	return esc
}

func escrowCreateCmd() *cobra.Command {
	var opts engine.EscrowCreateOptions
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an escrow with its milestone plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			for _, spec := range milestones {
				plan, err := parseMilestoneFlag(spec)
				if err != nil {
					return err
				}
				opts.Milestones = append(opts.Milestones, plan)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				esc, err := e.CreateEscrow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&opts.OrgName, "org-name", "", "organization display name")
	cmd.Flags().StringVar(&opts.ContractID, "contract", "", "escrow contract id")
	cmd.Flags().StringVar(&opts.ClientAddr, "client", "", "client address")
	cmd.Flags().StringVar(&opts.DeveloperAddr, "developer", "", "developer address")
	cmd.Flags().Int64Var(&opts.TotalAmount, "total", 0, "total escrow amount (smallest unit)")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "task platform (github, trello)")
	cmd.Flags().StringVar(&opts.RepoRef, "repo", "", "repository or board reference")
	cmd.Flags().StringVar(&opts.ExternalID, "external-id", "", "platform identity to bind (e.g. owner/repo)")
	cmd.Flags().StringVar(&opts.WebhookSecret, "webhook-secret", "", "shared secret for webhook signatures")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as title:keyword:bps (repeatable)")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

// parseMilestoneFlag parses "title:keyword:bps". Titles may contain
// colons; the last two segments are always keyword and bps.
func parseMilestoneFlag(spec string) (engine.MilestonePlan, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return engine.MilestonePlan{}, fmt.Errorf("milestone %q: want title:keyword:bps", spec)
	}
	bps, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return engine.MilestonePlan{}, fmt.Errorf("milestone %q: bad bps: %w", spec, err)
	}
	return engine.MilestonePlan{
		Title:          strings.Join(parts[:len(parts)-2], ":"),
		TriggerKeyword: parts[len(parts)-2],
		BPS:            bps,
	}, nil
}

func escrowListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEscrows(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "ORG", "CONTRACT", "TOTAL", "STATUS")
				for _, e := range items {
					t.AppendRow(table.Row{e.ID, e.OrgID, e.ContractID, e.TotalAmount, e.Status})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "filter by organization")
	return cmd
}

func escrowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <escrow-id>",
		Short: "Show an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				esc, err := r.GetEscrow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	return cmd
}

func escrowSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <escrow-id>",
		Short: "Show released and remaining balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Escrow %s (%s) total=%d released=%d (fee %d) refunded=%d remaining=%d\n",
					s.Escrow.ID, s.Escrow.Status, s.Escrow.TotalAmount, s.Released, s.PlatformFee, s.Refunded, s.Remaining)
				t := newTable("IDX", "TITLE", "KEYWORD", "BPS", "AMOUNT", "STATUS")
				for _, m := range s.Milestones {
					t.AppendRow(table.Row{m.Idx, m.Title, m.TriggerKeyword, m.BPS, m.Amount(s.Escrow.TotalAmount), m.Status})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

// --- milestones ---

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Inspect and resolve milestones",
	}
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneDisputeCmd())
	ms.AddCommand(milestoneResolveCmd())
	return ms
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <escrow-id>",
		Short: "List milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("IDX", "TITLE", "KEYWORD", "BPS", "STATUS", "TASK")
				for _, m := range items {
					task := ""
					if m.TaskURL != nil {
						task = *m.TaskURL
					}
					t.AppendRow(table.Row{m.Idx, m.Title, m.TriggerKeyword, m.BPS, m.Status, task})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func milestoneDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <escrow-id> <idx>",
		Short: "Mirror an on-chain dispute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad milestone index: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkDisputed(ctx, args[0], idx, viper.GetString("actor-id"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	return cmd
}

func milestoneResolveCmd() *cobra.Command {
	var releaseToDeveloper bool
	cmd := &cobra.Command{
		Use:   "resolve <escrow-id> <idx>",
		Short: "Mirror an arbitration outcome for a disputed milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad milestone index: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ResolveDispute(ctx, args[0], idx, releaseToDeveloper, viper.GetString("actor-id")); err != nil {
					return err
				}
				m, err := e.Repo.GetMilestone(ctx, args[0], idx)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().BoolVar(&releaseToDeveloper, "release-to-developer", false, "release funds to the developer instead of refunding")
	return cmd
}

// --- connections ---

func connectionCmd() *cobra.Command {
	conn := &cobra.Command{
		Use:   "connection",
		Short: "Manage platform connections",
		Long:  "A connection binds a platform identity (a GitHub repo, a Trello board) to one escrow so its webhook deliveries can be routed and verified.",
	}
	conn.AddCommand(connectionAddCmd())
	conn.AddCommand(connectionListCmd())
	conn.AddCommand(connectionDeleteCmd())
	return conn
}

func connectionAddCmd() *cobra.Command {
	var c domain.PlatformConnection
	cmd := &cobra.Command{
		Use:   "add <escrow-id>",
		Short: "Bind a platform identity to an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.Platform == "" || c.ExternalID == "" {
				return fmt.Errorf("--platform and --external-id required")
			}
			c.EscrowID = args[0]
			c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetEscrow(ctx, c.EscrowID); err != nil {
					return err
				}
				if err := r.InsertConnection(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&c.Platform, "platform", "", "platform (github, trello)")
	cmd.Flags().StringVar(&c.ExternalID, "external-id", "", "platform identity (e.g. owner/repo)")
	cmd.Flags().StringVar(&c.WebhookSecret, "webhook-secret", "", "shared secret for webhook signatures")
	cmd.Flags().StringVar(&c.AccessToken, "access-token", "", "platform API token")
	return cmd
}

func connectionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <escrow-id>",
		Short: "List connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListConnections(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func connectionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <platform> <external-id>",
		Short: "Unbind a platform identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteConnection(ctx, args[0], args[1])
			})
		},
	}
	return cmd
}

// --- votes ---

func voteCmd() *cobra.Command {
	var action, note string
	cmd := &cobra.Command{
		Use:   "vote <escrow-id> <idx>",
		Short: "Record an approval vote on a milestone",
		Long:  "Members with a voting role approve, reject, or dispute a milestone awaiting release. The first time approvals reach the organization threshold, the milestone releases.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad milestone index: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RecordVote(ctx, engine.VoteRequest{
					EscrowID:     args[0],
					MilestoneIdx: idx,
					MemberID:     viper.GetString("actor-id"),
					Action:       action,
					Note:         note,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Vote %s recorded: %d/%d approvals\n", out.Action, out.Approvals, out.Threshold)
				switch {
				case out.Released:
					fmt.Println("Milestone released.")
				case out.AlreadyReleased:
					fmt.Println("Milestone was already released.")
				case out.DisputeBlocked:
					fmt.Println("Quorum met but a dispute blocks release.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", domain.ActionApprove, "approve, reject or dispute")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	return cmd
}

// --- org and members ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations and members",
	}
	org.AddCommand(orgMemberAddCmd())
	org.AddCommand(orgMemberListCmd())
	org.AddCommand(orgThresholdCmd())
	return org
}

func orgMemberAddCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "member-add <org-id> <member-id>",
		Short: "Add or update a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			m := domain.Member{
				OrgID:    args[0],
				MemberID: args[1],
				Role:     role,
				AddedAt:  time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetOrg(ctx, m.OrgID); err != nil {
					return err
				}
				if err := r.UpsertMember(ctx, m); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "member role (admin, finance, viewer)")
	return cmd
}

func orgMemberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member-list <org-id>",
		Short: "List members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMembers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func orgThresholdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-threshold <org-id> <n>",
		Short: "Set the approval threshold",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("threshold must be a positive integer")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetApprovalThreshold(ctx, args[0], n)
			})
		},
	}
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var memberID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if memberID == "" {
				return fmt.Errorf("--member required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := newAPIKey(memberID, name)
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "member_id": key.MemberID, "key": raw})
				}
				fmt.Printf("API key for %s (store it now, it is not shown again):\n%s\n", memberID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook stored in streampay.yml: chain endpoint and signer, approval thresholds and voter roles, matching strategy, and server settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default streampay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: escrow creation, matches, attestations, votes, releases, disputes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var escrowID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, escrowID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := newTable("TS", "TYPE", "ESCROW", "ENTITY", "ACTOR")
				for _, ev := range events {
					t.AppendRow(table.Row{ev.TS, ev.Type, ev.EscrowID, ev.EntityID, ev.ActorID})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&escrowID, "escrow", "", "escrow id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and webhook intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			matcher, err := match.FromConfig(cfg)
			if err != nil {
				return err
			}
			signer, err := chain.NewKeySignerFromEnv(cfg.Chain.SigningKeyEnv, cfg.Chain.NetworkPassphrase)
			if err != nil {
				return err
			}
			submitter := chain.NewSubmitter(
				chain.NewHTTPClient(cfg.Chain.RPCURL),
				signer,
				time.Duration(cfg.Chain.TimeoutSeconds)*time.Second,
			)
			e := engine.New(conn, cfg, matcher, submitter)

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv(cfg.Server.JWTSecretEnv),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("%s is required for bearer auth", cfg.Server.JWTSecretEnv)
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, proc, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			defer proc.Close()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving StreamPay API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func newAPIKey(memberID, name string) (string, domain.APIKey, error) {
	raw := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		MemberID:  memberID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return raw, key, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	matcher, err := match.FromConfig(cfg)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, matcher, nil)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(cols ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(cols))
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
