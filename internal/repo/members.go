package repo

import (
	"context"
	"database/sql"

	"streampay/internal/domain"
)

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name string, threshold int, now string) error {
	if threshold < 1 {
		threshold = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO orgs(id,name,approval_threshold,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO NOTHING`, orgID, name, threshold, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var o domain.Org
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,approval_threshold,created_at FROM orgs WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.ApprovalThreshold, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) SetApprovalThreshold(ctx context.Context, orgID string, threshold int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE orgs SET approval_threshold=? WHERE id=?`, threshold, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertMember(ctx context.Context, m domain.Member) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO org_members(org_id,member_id,role,added_at) VALUES (?,?,?,?)
ON CONFLICT(org_id,member_id) DO UPDATE SET role=excluded.role`, m.OrgID, m.MemberID, m.Role, m.AddedAt)
	return err
}

// MemberRole resolves a member's role or ErrNotFound for non-members.
func (r Repo) MemberRole(ctx context.Context, orgID, memberID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM org_members WHERE org_id=? AND member_id=?`, orgID, memberID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) ListMembers(ctx context.Context, orgID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT org_id,member_id,role,added_at FROM org_members WHERE org_id=? ORDER BY added_at ASC, member_id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.OrgID, &m.MemberID, &m.Role, &m.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}
