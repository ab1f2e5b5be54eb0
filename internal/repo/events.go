package repo

import (
	"context"
	"database/sql"
	"fmt"

	"stagegate/internal/domain"
)

const eventColumns = `e.id,e.event_id,e.initiative_id,e.event_type,e.field,e.previous_value,e.next_value,e.actor_account_id,COALESCE(e.actor_name,''),e.initiative_version,e.seq,e.created_at`

func (r Repo) InsertEvents(ctx context.Context, events []domain.ChangeEvent) error {
	for _, ev := range events {
		_, err := r.exec(ctx, `INSERT INTO change_events(id,event_id,initiative_id,event_type,field,previous_value,next_value,actor_account_id,actor_name,initiative_version,seq,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			ev.ID, ev.EventID, ev.InitiativeID, string(ev.EventType), ev.Field, nullableStringPtr(ev.Previous), nullableStringPtr(ev.Next),
			nullableStringPtr(ev.ActorAccountID), nullable(ev.ActorName), ev.Version, ev.Position, ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert change event: %w", err)
		}
	}
	return nil
}

func (r Repo) scanEvents(rows *sql.Rows) ([]domain.ChangeEvent, error) {
	defer rows.Close()
	var res []domain.ChangeEvent
	for rows.Next() {
		var (
			ev              domain.ChangeEvent
			typ             string
			prev, next, act sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.InitiativeID, &typ, &ev.Field, &prev, &next, &act, &ev.ActorName, &ev.Version, &ev.Position, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EventType = domain.ChangeEventType(typ)
		ev.Previous = stringPtr(prev)
		ev.Next = stringPtr(next)
		ev.ActorAccountID = stringPtr(act)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ListEvents returns an initiative's timeline in mutation order.
func (r Repo) ListEvents(ctx context.Context, initiativeID string) ([]domain.ChangeEvent, error) {
	rows, err := r.query(ctx, `SELECT `+eventColumns+` FROM change_events e WHERE e.initiative_id=? ORDER BY e.initiative_version, e.seq`, initiativeID)
	if err != nil {
		return nil, err
	}
	return r.scanEvents(rows)
}

// ListWorkstreamEvents returns the most recent entries across a workstream.
func (r Repo) ListWorkstreamEvents(ctx context.Context, workstreamID string, limit int) ([]domain.ChangeEvent, error) {
	rows, err := r.query(ctx, `SELECT `+eventColumns+` FROM change_events e JOIN initiatives i ON i.id = e.initiative_id
WHERE i.workstream_id=? ORDER BY e.created_at DESC, e.initiative_version DESC, e.seq LIMIT ?`, workstreamID, limit)
	if err != nil {
		return nil, err
	}
	return r.scanEvents(rows)
}
