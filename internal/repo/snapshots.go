package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

func (r Repo) InsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	summary, err := marshalJSON(s.Summary)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, `INSERT INTO snapshots(id,workstream_id,captured_by,summary_json,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.WorkstreamID, nullable(s.CapturedBy), summary, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r Repo) ListSnapshots(ctx context.Context, workstreamID string) ([]domain.Snapshot, error) {
	rows, err := r.query(ctx, `SELECT id,workstream_id,captured_by,summary_json,created_at FROM snapshots WHERE workstream_id=? ORDER BY created_at DESC, id DESC`, workstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var (
			s       domain.Snapshot
			by      sql.NullString
			summary string
		)
		if err := rows.Scan(&s.ID, &s.WorkstreamID, &by, &summary, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.CapturedBy = by.String
		if err := json.Unmarshal([]byte(summary), &s.Summary); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
