package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"streampay/internal/db"
	"streampay/internal/domain"
	"streampay/internal/events"
	"streampay/internal/migrate"
	"streampay/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func seedEscrow(t *testing.T, r repo.Repo, conn *sql.DB, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, "acme", "Acme", 1, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure org: %v", err)
	}
	esc := domain.Escrow{
		ID: id, OrgID: "acme", ContractID: "C1", ClientAddr: "c", DeveloperAddr: "d",
		TotalAmount: 1000, Status: domain.EscrowActive, Platform: "github", CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := r.InsertEscrowTx(ctx, tx, esc); err != nil {
		t.Fatalf("insert escrow: %v", err)
	}
	for i, kw := range []string{"design", "backend"} {
		m := domain.Milestone{EscrowID: id, Idx: i, Title: kw, TriggerKeyword: kw, BPS: 5000, Status: domain.MilestonePending}
		if err := r.InsertMilestoneTx(ctx, tx, m); err != nil {
			t.Fatalf("insert milestone: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimMilestoneIsExclusive(t *testing.T) {
	r, conn := newTestRepo(t)
	seedEscrow(t, r, conn, "esc-1")
	ctx := context.Background()

	const n = 16
	wins := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.ClaimMilestone(ctx, "esc-1", 0, "2024-01-02T00:00:00Z", "https://x/1")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d claims won, want exactly 1", won)
	}
	m, err := r.GetMilestone(ctx, "esc-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestonePendingRelease {
		t.Fatalf("status = %s", m.Status)
	}
}

func TestUnclaimOnlyFromPendingRelease(t *testing.T) {
	r, conn := newTestRepo(t)
	seedEscrow(t, r, conn, "esc-1")
	ctx := context.Background()

	if ok, _ := r.UnclaimMilestone(ctx, "esc-1", 0); ok {
		t.Fatalf("unclaim of a pending milestone must be a no-op")
	}

	if ok, err := r.ClaimMilestone(ctx, "esc-1", 0, "2024-01-02T00:00:00Z", "https://x/1"); err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}
	// A release that lands before the compensation runs must stick.
	if ok, err := r.SetMilestoneStatusIf(ctx, "esc-1", 0, domain.MilestonePendingRelease, domain.MilestoneReleased); err != nil || !ok {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := r.UnclaimMilestone(ctx, "esc-1", 0); ok {
		t.Fatalf("unclaim must not downgrade a released milestone")
	}
	m, _ := r.GetMilestone(ctx, "esc-1", 0)
	if m.Status != domain.MilestoneReleased {
		t.Fatalf("status = %s, want released", m.Status)
	}
}

func TestUnclaimClearsEvidence(t *testing.T) {
	r, conn := newTestRepo(t)
	seedEscrow(t, r, conn, "esc-1")
	ctx := context.Background()

	if ok, err := r.ClaimMilestone(ctx, "esc-1", 1, "2024-01-02T00:00:00Z", "https://x/2"); err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}
	if ok, err := r.UnclaimMilestone(ctx, "esc-1", 1); err != nil || !ok {
		t.Fatalf("unclaim: %v", err)
	}
	m, err := r.GetMilestone(ctx, "esc-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.MilestonePending || m.TaskURL != nil || m.CompletedAt != nil {
		t.Fatalf("unclaimed milestone = %+v", m)
	}
}

func TestConnectionResolutionFailsClosed(t *testing.T) {
	r, conn := newTestRepo(t)
	seedEscrow(t, r, conn, "esc-1")
	seedEscrow(t, r, conn, "esc-2")
	ctx := context.Background()

	if _, err := r.GetConnection(ctx, "github", "acme/site"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	c := domain.PlatformConnection{EscrowID: "esc-1", Platform: "github", ExternalID: "acme/site", CreatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertConnection(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetConnection(ctx, "github", "acme/site")
	if err != nil || got.EscrowID != "esc-1" {
		t.Fatalf("resolve: %+v %v", got, err)
	}

	// Binding the same identity to a second escrow is rejected.
	c.EscrowID = "esc-2"
	if err := r.InsertConnection(ctx, c); !errors.Is(err, repo.ErrAmbiguousConnection) {
		t.Fatalf("got %v, want ErrAmbiguousConnection", err)
	}
}

func TestInsertApprovalUniqueness(t *testing.T) {
	r, conn := newTestRepo(t)
	seedEscrow(t, r, conn, "esc-1")
	ctx := context.Background()

	insert := func(id, member string) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()
		a := domain.Approval{ID: id, EscrowID: "esc-1", MilestoneIdx: 0, MemberID: member, Action: domain.ActionApprove, CreatedAt: "2024-01-01T00:00:00Z"}
		if err := r.InsertApprovalTx(ctx, tx, a); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := insert("a1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := insert("a2", "alice"); !errors.Is(err, repo.ErrAlreadyVoted) {
		t.Fatalf("got %v, want ErrAlreadyVoted", err)
	}
	if err := insert("a3", "bob"); err != nil {
		t.Fatalf("different member: %v", err)
	}
	n, err := r.CountApprovals(ctx, "esc-1", 0, domain.ActionApprove)
	if err != nil || n != 2 {
		t.Fatalf("count = %d %v, want 2", n, err)
	}
}

func TestLatestEventsFilters(t *testing.T) {
	r, conn := newTestRepo(t)
	seedEscrow(t, r, conn, "esc-1")
	ctx := context.Background()
	w := events.Writer{DB: conn}

	for i, typ := range []string{"escrow.created", "event.matched", "vote.recorded"} {
		if err := w.AppendNoTx(ctx, typ, "esc-1", "escrow", "esc-1", "tester", events.EventPayload{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := r.LatestEvents(ctx, 10, "esc-1", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("all events: %d %v", len(all), err)
	}
	if all[0].Type != "vote.recorded" {
		t.Fatalf("expected newest first, got %s", all[0].Type)
	}
	matched, err := r.LatestEvents(ctx, 10, "esc-1", "event.matched")
	if err != nil || len(matched) != 1 {
		t.Fatalf("filtered events: %d %v", len(matched), err)
	}
}
