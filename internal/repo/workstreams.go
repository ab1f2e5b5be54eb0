package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
	"stagegate/internal/ports"
)

func scanWorkstream(row rowScanner) (domain.Workstream, error) {
	var (
		ws    domain.Workstream
		gates string
	)
	err := row.Scan(&ws.ID, &ws.Name, &ws.Description, &gates, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return ws, ports.ErrNotFound
	}
	if err != nil {
		return ws, err
	}
	if err := json.Unmarshal([]byte(gates), &ws.Gates); err != nil {
		return ws, fmt.Errorf("decode gates of %s: %w", ws.ID, err)
	}
	if ws.Gates == nil {
		ws.Gates = map[domain.StageKey][]domain.ApprovalRound{}
	}
	return ws, nil
}

const workstreamColumns = `id,name,COALESCE(description,''),gates_json,created_at,updated_at`

func (r Repo) FindWorkstream(ctx context.Context, id string) (domain.Workstream, error) {
	return scanWorkstream(r.queryRow(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id=?`, id))
}

func (r Repo) ListWorkstreams(ctx context.Context) ([]domain.Workstream, error) {
	rows, err := r.query(ctx, `SELECT `+workstreamColumns+` FROM workstreams ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workstream
	for rows.Next() {
		ws, err := scanWorkstream(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}

func (r Repo) CreateWorkstream(ctx context.Context, ws domain.Workstream) error {
	gates, err := marshalJSON(ws.Gates)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `INSERT INTO workstreams(id,name,description,gates_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		ws.ID, ws.Name, nullable(ws.Description), gates, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ports.ErrConflict
		}
		return fmt.Errorf("insert workstream: %w", err)
	}
	return nil
}

func (r Repo) UpdateWorkstreamGates(ctx context.Context, id string, gates map[domain.StageKey][]domain.ApprovalRound, updatedAt string) error {
	payload, err := marshalJSON(gates)
	if err != nil {
		return err
	}
	res, err := r.exec(ctx, `UPDATE workstreams SET gates_json=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (r Repo) ListAssignmentsByWorkstream(ctx context.Context, workstreamID string) ([]domain.RoleAssignment, error) {
	rows, err := r.query(ctx, `SELECT workstream_id,account_id,role,COALESCE(account_name,''),created_at FROM role_assignments WHERE workstream_id=? ORDER BY role, account_id`, workstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleAssignment
	for rows.Next() {
		var a domain.RoleAssignment
		if err := rows.Scan(&a.WorkstreamID, &a.AccountID, &a.Role, &a.AccountName, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AssignRole is idempotent; re-assigning keeps the original row.
func (r Repo) AssignRole(ctx context.Context, a domain.RoleAssignment) error {
	_, err := r.exec(ctx, `INSERT INTO role_assignments(workstream_id,account_id,role,account_name,created_at) VALUES (?,?,?,?,?) ON CONFLICT DO NOTHING`,
		a.WorkstreamID, a.AccountID, a.Role, nullable(a.AccountName), a.CreatedAt)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, workstreamID, accountID, role string) error {
	res, err := r.exec(ctx, `DELETE FROM role_assignments WHERE workstream_id=? AND account_id=? AND role=?`, workstreamID, accountID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}
