package repo

import (
	"context"
	"database/sql"
	"fmt"

	"stagegate/internal/domain"
	"stagegate/internal/ports"
)

const approvalColumns = `id,initiative_id,stage_key,round_index,role,rule,COALESCE(account_id,''),status,comment,created_at,decided_at`

func scanApproval(row rowScanner) (domain.ApprovalTask, error) {
	var (
		t                   domain.ApprovalTask
		stage, rule, status string
		comment, decidedAt  sql.NullString
	)
	err := row.Scan(&t.ID, &t.InitiativeID, &stage, &t.RoundIndex, &t.Role, &rule, &t.AccountID, &status, &comment, &t.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return t, ports.ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.StageKey = domain.StageKey(stage)
	t.Rule = domain.Rule(rule)
	t.Status = domain.ApprovalStatus(status)
	t.Comment = stringPtr(comment)
	t.DecidedAt = stringPtr(decidedAt)
	return t, nil
}

func (r Repo) listApprovals(ctx context.Context, where string, args ...any) ([]domain.ApprovalTask, error) {
	rows, err := r.query(ctx, `SELECT `+approvalColumns+` FROM approval_tasks WHERE `+where+` ORDER BY stage_key, round_index, role, account_id, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalTask
	for rows.Next() {
		t, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) FindApproval(ctx context.Context, id string) (domain.ApprovalTask, error) {
	return scanApproval(r.queryRow(ctx, `SELECT `+approvalColumns+` FROM approval_tasks WHERE id=?`, id))
}

func (r Repo) DeleteApprovalsForStage(ctx context.Context, initiativeID string, stage domain.StageKey) error {
	_, err := r.exec(ctx, `DELETE FROM approval_tasks WHERE initiative_id=? AND stage_key=?`, initiativeID, string(stage))
	return err
}

func (r Repo) InsertApprovals(ctx context.Context, tasks []domain.ApprovalTask) error {
	for _, t := range tasks {
		_, err := r.exec(ctx, `INSERT INTO approval_tasks(id,initiative_id,stage_key,round_index,role,rule,account_id,status,comment,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.InitiativeID, string(t.StageKey), t.RoundIndex, t.Role, string(t.Rule), nullable(t.AccountID),
			string(t.Status), nullableStringPtr(t.Comment), t.CreatedAt, nullableStringPtr(t.DecidedAt))
		if err != nil {
			return fmt.Errorf("insert approval task: %w", err)
		}
	}
	return nil
}

func (r Repo) ListApprovalsForStage(ctx context.Context, initiativeID string, stage domain.StageKey, round int) ([]domain.ApprovalTask, error) {
	return r.listApprovals(ctx, `initiative_id=? AND stage_key=? AND round_index=?`, initiativeID, string(stage), round)
}

func (r Repo) ListApprovalsForInitiative(ctx context.Context, initiativeID string) ([]domain.ApprovalTask, error) {
	return r.listApprovals(ctx, `initiative_id=?`, initiativeID)
}

func (r Repo) ListPendingApprovalsForAccount(ctx context.Context, accountID string) ([]domain.ApprovalTask, error) {
	return r.listApprovals(ctx, `account_id=? AND status=?`, accountID, string(domain.ApprovalPending))
}

func (r Repo) UpdateApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, comment *string, decidedAt string) error {
	res, err := r.exec(ctx, `UPDATE approval_tasks SET status=?, comment=?, decided_at=? WHERE id=?`,
		string(status), nullableStringPtr(comment), decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func statusArgs(from []domain.ApprovalStatus) (string, []any) {
	args := make([]any, 0, len(from))
	for _, s := range from {
		args = append(args, string(s))
	}
	return placeholders(len(from)), args
}

func (r Repo) UpdateApprovalsForStage(ctx context.Context, initiativeID string, stage domain.StageKey, from []domain.ApprovalStatus, to domain.ApprovalStatus, comment *string, decidedAt string) error {
	if len(from) == 0 {
		return nil
	}
	marks, statusList := statusArgs(from)
	args := append([]any{string(to), nullableStringPtr(comment), decidedAt, initiativeID, string(stage)}, statusList...)
	_, err := r.exec(ctx, `UPDATE approval_tasks SET status=?, comment=?, decided_at=? WHERE initiative_id=? AND stage_key=? AND status IN (`+marks+`)`, args...)
	return err
}

func (r Repo) UpdateApprovalsForRole(ctx context.Context, initiativeID string, stage domain.StageKey, round int, role string, from []domain.ApprovalStatus, to domain.ApprovalStatus, comment *string, decidedAt string) error {
	if len(from) == 0 {
		return nil
	}
	marks, statusList := statusArgs(from)
	args := append([]any{string(to), nullableStringPtr(comment), decidedAt, initiativeID, string(stage), round, role}, statusList...)
	_, err := r.exec(ctx, `UPDATE approval_tasks SET status=?, comment=?, decided_at=? WHERE initiative_id=? AND stage_key=? AND round_index=? AND role=? AND status IN (`+marks+`)`, args...)
	return err
}
