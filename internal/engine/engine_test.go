package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"streampay/internal/chain"
	"streampay/internal/config"
	"streampay/internal/db"
	"streampay/internal/domain"
	"streampay/internal/engine"
	"streampay/internal/match"
	"streampay/internal/migrate"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeSubmitter) Submit(ctx context.Context, contractID string, idx int, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("tx-%s-%d-%d", contractID, idx, f.calls), nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	Engine    engine.Engine
	Submitter *fakeSubmitter
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sub := &fakeSubmitter{}
	eng := engine.New(conn, config.Default(), match.Substring{}, sub)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Submitter: sub, Ctx: context.Background()}
}

func (env testEnv) createEscrow(t *testing.T, milestones ...engine.MilestonePlan) domain.Escrow {
	t.Helper()
	esc, err := env.Engine.CreateEscrow(env.Ctx, engine.EscrowCreateOptions{
		OrgID:         "acme",
		ContractID:    "CONTRACT1",
		ClientAddr:    "client-addr",
		DeveloperAddr: "dev-addr",
		TotalAmount:   100_000,
		Platform:      "github",
		ExternalID:    "acme/site",
		Milestones:    milestones,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc
}

func standardPlan() []engine.MilestonePlan {
	return []engine.MilestonePlan{
		{Title: "Design mockups", TriggerKeyword: "design", BPS: 3000},
		{Title: "Backend API", TriggerKeyword: "backend", BPS: 4000},
		{Title: "Frontend", TriggerKeyword: "frontend", BPS: 3000},
	}
}

func doneEvent(title string, labels ...string) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		Platform:   "github",
		ExternalID: "acme/site",
		TaskID:     "42",
		TaskTitle:  title,
		Labels:     labels,
		TaskURL:    "https://github.com/acme/site/pull/42",
		IsDone:     true,
	}
}

func TestEventMatchesMilestone(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createEscrow(t, standardPlan()...)

	out, err := env.Engine.HandleEvent(env.Ctx, doneEvent("feat/backend: auth layer", "backend"))
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if out.Status != engine.OutcomeMatched || out.MilestoneIdx != 1 {
		t.Fatalf("got outcome %+v, want matched milestone 1", out)
	}
	if out.TxHash == "" {
		t.Fatalf("expected tx hash")
	}

	m, err := env.Engine.Repo.GetMilestone(env.Ctx, esc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestonePendingRelease {
		t.Fatalf("milestone status = %s, want pending_release", m.Status)
	}
	if m.TaskURL == nil || *m.TaskURL == "" {
		t.Fatalf("task url not recorded")
	}
	if m.CompletedAt == nil {
		t.Fatalf("completed_at not recorded")
	}
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, standardPlan()...)
	ev := doneEvent("backend done", "backend")

	if out, err := env.Engine.HandleEvent(env.Ctx, ev); err != nil || out.Status != engine.OutcomeMatched {
		t.Fatalf("first delivery: %+v %v", out, err)
	}
	out, err := env.Engine.HandleEvent(env.Ctx, ev)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if out.Status != engine.OutcomeSkipped {
		t.Fatalf("second delivery status = %s, want skipped", out.Status)
	}
	if env.Submitter.callCount() != 1 {
		t.Fatalf("submitter called %d times, want 1", env.Submitter.callCount())
	}
}

func TestOpenTaskSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, standardPlan()...)
	ev := doneEvent("backend work", "backend")
	ev.IsDone = false

	out, err := env.Engine.HandleEvent(env.Ctx, ev)
	if err != nil || out.Status != engine.OutcomeSkipped || out.Detail != engine.SkipTaskOpen {
		t.Fatalf("got %+v %v, want skip task-open", out, err)
	}
	if env.Submitter.callCount() != 0 {
		t.Fatalf("submitter should not be called")
	}
}

func TestUnknownConnectionSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, standardPlan()...)
	ev := doneEvent("backend done", "backend")
	ev.ExternalID = "someone/else"

	out, err := env.Engine.HandleEvent(env.Ctx, ev)
	if err != nil || out.Detail != engine.SkipNoConnection {
		t.Fatalf("got %+v %v, want skip no-connection", out, err)
	}
}

func TestInactiveEscrowSkipped(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createEscrow(t, standardPlan()...)
	ok, err := env.Engine.Repo.SetEscrowStatusIf(env.Ctx, esc.ID, domain.EscrowActive, domain.EscrowCancelled)
	if err != nil || !ok {
		t.Fatalf("cancel escrow: %v", err)
	}

	out, err := env.Engine.HandleEvent(env.Ctx, doneEvent("backend done", "backend"))
	if err != nil || out.Detail != engine.SkipEscrowInactive {
		t.Fatalf("got %+v %v, want skip escrow-inactive", out, err)
	}
}

func TestNoMatchSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, standardPlan()...)

	out, err := env.Engine.HandleEvent(env.Ctx, doneEvent("chore: bump deps"))
	if err != nil || out.Detail != engine.SkipNoMatch {
		t.Fatalf("got %+v %v, want skip no-match", out, err)
	}
}

func TestChainFailureReadmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createEscrow(t, standardPlan()...)
	env.Submitter.errs = []error{chain.ChainError{Op: "send", Err: errors.New("rpc unreachable")}}
	ev := doneEvent("backend done", "backend")

	out, err := env.Engine.HandleEvent(env.Ctx, ev)
	if err == nil {
		t.Fatalf("expected submission error")
	}
	if out.Status != engine.OutcomeFailed || out.Detail != engine.FailChain {
		t.Fatalf("got %+v, want failed chain-submission", out)
	}
	m, err := env.Engine.Repo.GetMilestone(env.Ctx, esc.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestonePending {
		t.Fatalf("milestone status = %s, want pending after rollback", m.Status)
	}
	if m.TaskURL != nil || m.CompletedAt != nil {
		t.Fatalf("completion fields should be cleared on rollback")
	}

	// The retried delivery succeeds.
	out, err = env.Engine.HandleEvent(env.Ctx, ev)
	if err != nil || out.Status != engine.OutcomeMatched {
		t.Fatalf("retry: %+v %v", out, err)
	}
}

func TestSimulationRejectionDetail(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, standardPlan()...)
	env.Submitter.errs = []error{chain.SimulationError{Reason: "milestone not pending"}}

	out, err := env.Engine.HandleEvent(env.Ctx, doneEvent("backend done", "backend"))
	if err == nil {
		t.Fatalf("expected simulation error")
	}
	if out.Detail != engine.FailSimulation {
		t.Fatalf("detail = %s, want simulation-rejected", out.Detail)
	}
}

func TestConcurrentDeliveriesClaimOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, standardPlan()...)
	ev := doneEvent("backend done", "backend")

	const n = 8
	outcomes := make([]engine.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, _ := env.Engine.HandleEvent(env.Ctx, ev)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	matched := 0
	for _, out := range outcomes {
		switch out.Status {
		case engine.OutcomeMatched:
			matched++
		case engine.OutcomeSkipped:
		default:
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
	if matched != 1 {
		t.Fatalf("matched %d deliveries, want exactly 1", matched)
	}
	if env.Submitter.callCount() != 1 {
		t.Fatalf("submitter called %d times, want 1", env.Submitter.callCount())
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.EscrowCreateOptions{
		OrgID:       "acme",
		ContractID:  "CONTRACT1",
		TotalAmount: 100_000,
		ActorID:     "tester",
	}

	opts := base
	opts.Milestones = []engine.MilestonePlan{{Title: "a", TriggerKeyword: "a", BPS: 5000}}
	if _, err := env.Engine.CreateEscrow(env.Ctx, opts); err == nil {
		t.Fatalf("expected bps sum error")
	}

	opts = base
	for i := 0; i < 11; i++ {
		opts.Milestones = append(opts.Milestones, engine.MilestonePlan{Title: "m", TriggerKeyword: "k", BPS: 1000})
	}
	if _, err := env.Engine.CreateEscrow(env.Ctx, opts); err == nil {
		t.Fatalf("expected too-many-milestones error")
	}

	opts = base
	opts.Milestones = []engine.MilestonePlan{
		{Title: "a", TriggerKeyword: "", BPS: 10000},
	}
	if _, err := env.Engine.CreateEscrow(env.Ctx, opts); err == nil {
		t.Fatalf("expected missing-keyword error")
	}
}

func TestSummaryTracksReleases(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createEscrow(t, standardPlan()...)

	if _, err := env.Engine.HandleEvent(env.Ctx, doneEvent("backend done", "backend")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.SetMilestoneStatusIf(env.Ctx, esc.ID, 1, domain.MilestonePendingRelease, domain.MilestoneReleased); err != nil {
		t.Fatal(err)
	}

	s, err := env.Engine.Summary(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Released != 40_000 {
		t.Fatalf("released = %d, want 40000", s.Released)
	}
	if s.PlatformFee != 400 || s.DeveloperNet != 39_600 {
		t.Fatalf("fee split = %d/%d, want 400/39600", s.PlatformFee, s.DeveloperNet)
	}
	if s.Remaining != 60_000 {
		t.Fatalf("remaining = %d, want 60000", s.Remaining)
	}
}

func TestSummarySeparatesRefunds(t *testing.T) {
	env := newTestEnv(t)
	esc := env.createEscrow(t, standardPlan()...)

	if ok, err := env.Engine.Repo.ClaimMilestone(env.Ctx, esc.ID, 0, "2024-01-02T00:00:00Z", "u"); err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Repo.SetMilestoneStatusIf(env.Ctx, esc.ID, 0, domain.MilestonePendingRelease, domain.MilestoneDisputed); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ResolveDispute(env.Ctx, esc.ID, 0, false, "arbiter"); err != nil {
		t.Fatal(err)
	}

	s, err := env.Engine.Summary(env.Ctx, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	// A refund returns to the client with no platform fee.
	if s.Refunded != 30_000 || s.Released != 0 || s.PlatformFee != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Remaining != 70_000 {
		t.Fatalf("remaining = %d, want 70000", s.Remaining)
	}
}
