package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/domain"
)

const (
	FieldCreated = "created"
	FieldUpdated = "updated"
)

// Sink stores change events; it is satisfied by ports.Store.
type Sink interface {
	InsertEvents(ctx context.Context, events []domain.ChangeEvent) error
}

// Writer turns an initiative mutation into one grouped change event.
type Writer struct {
	Now   func() time.Time
	NewID func() string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

// Build returns the entries for a mutation. A nil before means create: one
// "created" entry with no previous value. An update without differences
// still yields a single "updated" entry.
func (w Writer) Build(before *domain.Initiative, after domain.Initiative, actor domain.Actor) []domain.ChangeEvent {
	ts := w.now().UTC().Format(time.RFC3339)
	eventID := w.newID()
	var actorID *string
	if actor.AccountID != "" {
		id := actor.AccountID
		actorID = &id
	}
	entry := func(typ domain.ChangeEventType, field string, prev, next *string, pos int) domain.ChangeEvent {
		return domain.ChangeEvent{
			ID:             w.newID(),
			EventID:        eventID,
			InitiativeID:   after.ID,
			EventType:      typ,
			Field:          field,
			Previous:       prev,
			Next:           next,
			ActorAccountID: actorID,
			ActorName:      actor.Name,
			Version:        after.Version,
			Position:       pos,
			CreatedAt:      ts,
		}
	}

	if before == nil {
		return []domain.ChangeEvent{entry(domain.ChangeCreate, FieldCreated, nil, encode(map[string]any{
			"name":        after.Name,
			"activeStage": after.ActiveStage,
		}), 0)}
	}
	changes := Diff(*before, after)
	if len(changes) == 0 {
		return []domain.ChangeEvent{entry(domain.ChangeUpdate, FieldUpdated, nil, nil, 0)}
	}
	out := make([]domain.ChangeEvent, 0, len(changes))
	for i, c := range changes {
		out = append(out, entry(domain.ChangeUpdate, c.Field, c.Previous, c.Next, i))
	}
	return out
}

// Append builds the entries and inserts them through sink in one call.
func (w Writer) Append(ctx context.Context, sink Sink, before *domain.Initiative, after domain.Initiative, actor domain.Actor) ([]domain.ChangeEvent, error) {
	entries := w.Build(before, after, actor)
	if err := sink.InsertEvents(ctx, entries); err != nil {
		return nil, fmt.Errorf("insert change events: %w", err)
	}
	return entries, nil
}
