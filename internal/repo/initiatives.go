package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/ports"
)

const initiativeColumns = `id,workstream_id,name,COALESCE(description,''),owner_account_id,COALESCE(owner_name,''),COALESCE(status,''),l4_date,active_stage,stages_json,stage_state_json,plan_json,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInitiative(row rowScanner) (domain.Initiative, error) {
	var (
		ini                           domain.Initiative
		owner, l4                     sql.NullString
		active                        string
		stagesJSON, stateJSON, planJS string
	)
	err := row.Scan(&ini.ID, &ini.WorkstreamID, &ini.Name, &ini.Description, &owner, &ini.OwnerName, &ini.Status, &l4,
		&active, &stagesJSON, &stateJSON, &planJS, &ini.Version, &ini.CreatedAt, &ini.UpdatedAt)
	if err == sql.ErrNoRows {
		return ini, ports.ErrNotFound
	}
	if err != nil {
		return ini, err
	}
	ini.OwnerAccountID = stringPtr(owner)
	ini.L4Date = stringPtr(l4)
	ini.ActiveStage = domain.StageKey(active)
	if err := json.Unmarshal([]byte(stagesJSON), &ini.Stages); err != nil {
		return ini, fmt.Errorf("decode stages of %s: %w", ini.ID, err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &ini.StageState); err != nil {
		return ini, fmt.Errorf("decode stage state of %s: %w", ini.ID, err)
	}
	if err := json.Unmarshal([]byte(planJS), &ini.Plan); err != nil {
		return ini, fmt.Errorf("decode plan of %s: %w", ini.ID, err)
	}
	return ini, nil
}

type initiativeJSON struct {
	stages, state, plan string
}

func encodeInitiative(in domain.Initiative) (initiativeJSON, error) {
	var (
		out initiativeJSON
		err error
	)
	if out.stages, err = marshalJSON(in.Stages); err != nil {
		return out, err
	}
	if out.state, err = marshalJSON(in.StageState); err != nil {
		return out, err
	}
	if in.Plan.Tasks == nil {
		in.Plan.Tasks = []domain.PlanTask{}
	}
	if out.plan, err = marshalJSON(in.Plan); err != nil {
		return out, err
	}
	return out, nil
}

func (r Repo) FindInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	return scanInitiative(r.queryRow(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id))
}

// LockInitiative serializes writers of one initiative. PostgreSQL takes a row
// lock; SQLite already runs one writer at a time.
func (r Repo) LockInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	query := `SELECT ` + initiativeColumns + ` FROM initiatives WHERE id=?`
	if r.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	return scanInitiative(r.queryRow(ctx, query, id))
}

// ListInitiatives returns every initiative, or those of one workstream when
// workstreamID is set, newest first.
func (r Repo) ListInitiatives(ctx context.Context, workstreamID string) ([]domain.Initiative, error) {
	query := `SELECT ` + initiativeColumns + ` FROM initiatives`
	var args []any
	if workstreamID != "" {
		query += ` WHERE workstream_id=?`
		args = append(args, workstreamID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		ini, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ini)
	}
	return res, rows.Err()
}

func (r Repo) CreateInitiative(ctx context.Context, in domain.Initiative) (domain.Initiative, error) {
	enc, err := encodeInitiative(in)
	if err != nil {
		return domain.Initiative{}, err
	}
	if in.Version == 0 {
		in.Version = 1
	}
	_, err = r.exec(ctx, `INSERT INTO initiatives(id,workstream_id,name,description,owner_account_id,owner_name,status,l4_date,active_stage,stages_json,stage_state_json,plan_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.WorkstreamID, in.Name, nullable(in.Description), nullableStringPtr(in.OwnerAccountID), nullable(in.OwnerName),
		nullable(in.Status), nullableStringPtr(in.L4Date), string(in.ActiveStage), enc.stages, enc.state, enc.plan,
		in.Version, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Initiative{}, ports.ErrConflict
		}
		return domain.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	return r.FindInitiative(ctx, in.ID)
}

// UpdateInitiative writes in when the stored version equals expectedVersion
// and bumps the version by one.
func (r Repo) UpdateInitiative(ctx context.Context, in domain.Initiative, expectedVersion int) (domain.Initiative, error) {
	enc, err := encodeInitiative(in)
	if err != nil {
		return domain.Initiative{}, err
	}
	res, err := r.exec(ctx, `UPDATE initiatives SET name=?,description=?,owner_account_id=?,owner_name=?,status=?,l4_date=?,active_stage=?,
stages_json=?,stage_state_json=?,plan_json=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		in.Name, nullable(in.Description), nullableStringPtr(in.OwnerAccountID), nullable(in.OwnerName), nullable(in.Status),
		nullableStringPtr(in.L4Date), string(in.ActiveStage), enc.stages, enc.state, enc.plan, in.UpdatedAt,
		in.ID, expectedVersion)
	if err != nil {
		return domain.Initiative{}, fmt.Errorf("update initiative: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Initiative{}, r.missingOrConflict(ctx, in.ID)
	}
	return r.FindInitiative(ctx, in.ID)
}

func (r Repo) missingOrConflict(ctx context.Context, id string) error {
	var one int
	err := r.queryRow(ctx, `SELECT 1 FROM initiatives WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ports.ErrVersionConflict
}

// DeleteInitiative removes the row; approval tasks and change events cascade.
func (r Repo) DeleteInitiative(ctx context.Context, id string, expectedVersion int) error {
	if _, err := r.exec(ctx, `DELETE FROM approval_tasks WHERE initiative_id=? AND EXISTS (SELECT 1 FROM initiatives WHERE id=? AND version=?)`, id, id, expectedVersion); err != nil {
		return err
	}
	if _, err := r.exec(ctx, `DELETE FROM change_events WHERE initiative_id=? AND EXISTS (SELECT 1 FROM initiatives WHERE id=? AND version=?)`, id, id, expectedVersion); err != nil {
		return err
	}
	res, err := r.exec(ctx, `DELETE FROM initiatives WHERE id=? AND version=?`, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}
