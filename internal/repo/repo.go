package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"streampay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrAlreadyVoted signals a second vote by the same member on the same
	// milestone. Surfaced as a conflict, never merged.
	ErrAlreadyVoted = errors.New("member already voted on this milestone")

	// ErrAmbiguousConnection signals that more than one escrow claims the
	// same (platform, external_id) identity. Resolution fails closed.
	ErrAmbiguousConnection = errors.New("platform connection is ambiguous")
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- escrows ---

func (r Repo) InsertEscrowTx(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrows(id,org_id,contract_id,client_addr,developer_addr,total_amount,status,platform,repo_ref,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OrgID, e.ContractID, e.ClientAddr, e.DeveloperAddr, e.TotalAmount, e.Status, e.Platform, nullable(e.RepoRef), e.CreatedAt)
	return err
}

func scanEscrow(row *sql.Row) (domain.Escrow, error) {
	var e domain.Escrow
	var repoRef sql.NullString
	err := row.Scan(&e.ID, &e.OrgID, &e.ContractID, &e.ClientAddr, &e.DeveloperAddr, &e.TotalAmount, &e.Status, &e.Platform, &repoRef, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if repoRef.Valid {
		e.RepoRef = repoRef.String
	}
	return e, err
}

const escrowColumns = `id,org_id,contract_id,client_addr,developer_addr,total_amount,status,platform,repo_ref,created_at`

func (r Repo) GetEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id))
}

func (r Repo) ListEscrows(ctx context.Context, orgID string) ([]domain.Escrow, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escrow
	for rows.Next() {
		var e domain.Escrow
		var repoRef sql.NullString
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ContractID, &e.ClientAddr, &e.DeveloperAddr, &e.TotalAmount, &e.Status, &e.Platform, &repoRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		if repoRef.Valid {
			e.RepoRef = repoRef.String
		}
		res = append(res, e)
	}
	return res, nil
}

// SetEscrowStatusIf performs the conditional status transition. Escrow
// status only moves active -> completed or active -> cancelled.
func (r Repo) SetEscrowStatusIf(ctx context.Context, id, from, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE escrows SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- milestones ---

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(escrow_id,idx,title,trigger_keyword,bps,status,task_url,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.EscrowID, m.Idx, m.Title, m.TriggerKeyword, m.BPS, m.Status, nullableStringPtr(m.TaskURL), nullableStringPtr(m.CompletedAt))
	return err
}

const milestoneColumns = `escrow_id,idx,title,trigger_keyword,bps,status,task_url,completed_at`

func scanMilestoneRow(scan func(dest ...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var taskURL, completedAt sql.NullString
	if err := scan(&m.EscrowID, &m.Idx, &m.Title, &m.TriggerKeyword, &m.BPS, &m.Status, &taskURL, &completedAt); err != nil {
		return m, err
	}
	if taskURL.Valid {
		m.TaskURL = &taskURL.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) GetMilestone(ctx context.Context, escrowID string, idx int) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id=? AND idx=?`, escrowID, idx)
	m, err := scanMilestoneRow(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMilestones(ctx context.Context, escrowID string) ([]domain.Milestone, error) {
	return r.listMilestones(ctx, escrowID, "")
}

// ListPendingMilestones returns matching candidates ordered by ascending
// index, the order the matcher depends on.
func (r Repo) ListPendingMilestones(ctx context.Context, escrowID string) ([]domain.Milestone, error) {
	return r.listMilestones(ctx, escrowID, domain.MilestonePending)
}

func (r Repo) listMilestones(ctx context.Context, escrowID, status string) ([]domain.Milestone, error) {
	clauses := []string{"escrow_id=?"}
	args := []any{escrowID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY idx ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestoneRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// SetMilestoneStatusIf is the conditional-update primitive: the row moves
// from -> to only if it still has the expected prior status. Of N
// concurrent competitors exactly one observes true.
func (r Repo) SetMilestoneStatusIf(ctx context.Context, escrowID string, idx int, from, to string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE milestones SET status=? WHERE escrow_id=? AND idx=? AND status=?`, to, escrowID, idx, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimMilestone is the idempotency gate: atomically take a pending
// milestone to pending_release, recording the completion evidence.
func (r Repo) ClaimMilestone(ctx context.Context, escrowID string, idx int, completedAt, taskURL string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE milestones SET status=?, completed_at=?, task_url=? WHERE escrow_id=? AND idx=? AND status=?`,
		domain.MilestonePendingRelease, completedAt, nullable(taskURL), escrowID, idx, domain.MilestonePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnclaimMilestone compensates a failed chain submission. Conditional on
// pending_release so a release that landed meanwhile is never downgraded.
func (r Repo) UnclaimMilestone(ctx context.Context, escrowID string, idx int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE milestones SET status=?, completed_at=NULL, task_url=NULL WHERE escrow_id=? AND idx=? AND status=?`,
		domain.MilestonePending, escrowID, idx, domain.MilestonePendingRelease)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- platform connections ---

func (r Repo) InsertConnection(ctx context.Context, c domain.PlatformConnection) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO platform_connections(escrow_id,platform,external_id,webhook_secret,access_token,created_at) VALUES (?,?,?,?,?,?)`,
		c.EscrowID, c.Platform, c.ExternalID, nullable(c.WebhookSecret), nullable(c.AccessToken), c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("connection %s/%s already bound: %w", c.Platform, c.ExternalID, ErrAmbiguousConnection)
	}
	return err
}

// GetConnection resolves the join key used to map an inbound event to an
// escrow. The primary key makes duplicates impossible under normal
// operation, but a hand-edited database could still hold two rows; in that
// case resolution fails closed rather than guessing.
func (r Repo) GetConnection(ctx context.Context, platform, externalID string) (domain.PlatformConnection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT escrow_id,platform,external_id,webhook_secret,access_token,created_at FROM platform_connections WHERE platform=? AND external_id=?`, platform, externalID)
	if err != nil {
		return domain.PlatformConnection{}, err
	}
	defer rows.Close()
	var found []domain.PlatformConnection
	for rows.Next() {
		var c domain.PlatformConnection
		var secret, token sql.NullString
		if err := rows.Scan(&c.EscrowID, &c.Platform, &c.ExternalID, &secret, &token, &c.CreatedAt); err != nil {
			return domain.PlatformConnection{}, err
		}
		if secret.Valid {
			c.WebhookSecret = secret.String
		}
		if token.Valid {
			c.AccessToken = token.String
		}
		found = append(found, c)
	}
	if len(found) == 0 {
		return domain.PlatformConnection{}, ErrNotFound
	}
	if len(found) > 1 {
		return domain.PlatformConnection{}, ErrAmbiguousConnection
	}
	return found[0], nil
}

func (r Repo) ListConnections(ctx context.Context, escrowID string) ([]domain.PlatformConnection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT escrow_id,platform,external_id,webhook_secret,access_token,created_at FROM platform_connections WHERE escrow_id=? ORDER BY created_at DESC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlatformConnection
	for rows.Next() {
		var c domain.PlatformConnection
		var secret, token sql.NullString
		if err := rows.Scan(&c.EscrowID, &c.Platform, &c.ExternalID, &secret, &token, &c.CreatedAt); err != nil {
			return nil, err
		}
		if secret.Valid {
			c.WebhookSecret = secret.String
		}
		if token.Valid {
			c.AccessToken = token.String
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) DeleteConnection(ctx context.Context, platform, externalID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM platform_connections WHERE platform=? AND external_id=?`, platform, externalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- approvals ---

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,escrow_id,milestone_idx,member_id,action,note,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.EscrowID, a.MilestoneIdx, a.MemberID, a.Action, nullable(a.Note), a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyVoted
	}
	return err
}

func (r Repo) CountApprovals(ctx context.Context, escrowID string, idx int, action string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM approvals WHERE escrow_id=? AND milestone_idx=? AND action=?`, escrowID, idx, action).Scan(&n)
	return n, err
}

func (r Repo) CountApprovalsTx(ctx context.Context, tx *sql.Tx, escrowID string, idx int, action string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM approvals WHERE escrow_id=? AND milestone_idx=? AND action=?`, escrowID, idx, action).Scan(&n)
	return n, err
}

func (r Repo) ListApprovals(ctx context.Context, escrowID string, idx int) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,escrow_id,milestone_idx,member_id,action,COALESCE(note,''),created_at FROM approvals WHERE escrow_id=? AND milestone_idx=? ORDER BY created_at ASC, id ASC`, escrowID, idx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.MilestoneIdx, &a.MemberID, &a.Action, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, escrowID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if escrowID != "" {
		clauses = append(clauses, "escrow_id=?")
		args = append(args, escrowID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,escrow_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, escrowID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if escrowID != "" {
		clauses = append(clauses, "escrow_id=?")
		args = append(args, escrowID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,escrow_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var escrowID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &escrowID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if escrowID.Valid {
			e.EscrowID = escrowID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
