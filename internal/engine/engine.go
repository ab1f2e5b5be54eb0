package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/logging"
	"stagegate/internal/metrics"
	"stagegate/internal/notify"
	"stagegate/internal/ports"
)

// Engine runs the stage-gate workflow over a ports.Store. Every mutation
// executes inside one Store.Atomic call; notifications go out after commit.
type Engine struct {
	Store    ports.Store
	Events   events.Writer
	Notifier notify.Publisher
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

func New(store ports.Store) Engine {
	return Engine{
		Store:    store,
		Notifier: notify.Noop{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// write persists next against the version the caller observed and records
// one change event for the difference from before.
func (e Engine) write(ctx context.Context, s ports.Store, before, next domain.Initiative, expectedVersion int, actor domain.Actor) (domain.Initiative, []domain.ChangeEvent, error) {
	next.UpdatedAt = e.timestamp()
	saved, err := s.UpdateInitiative(ctx, next, expectedVersion)
	if err != nil {
		return domain.Initiative{}, nil, e.storeError(err, "initiative", next.ID)
	}
	entries, err := e.writer().Append(ctx, s, &before, saved, actor)
	if err != nil {
		return domain.Initiative{}, nil, err
	}
	return saved, entries, nil
}

func (e Engine) storeError(err error, entity, id string) error {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return notFound(entity, id)
	case errors.Is(err, ports.ErrVersionConflict):
		e.Metrics.VersionConflict()
		return &Error{Kind: KindVersionConflict, Entity: entity, ID: id}
	case errors.Is(err, ports.ErrConflict):
		return &Error{Kind: KindAlreadyExists, Entity: entity, ID: id}
	}
	return err
}

func (e Engine) findInitiative(ctx context.Context, s ports.Store, id string) (domain.Initiative, error) {
	ini, err := s.FindInitiative(ctx, id)
	if err != nil {
		return domain.Initiative{}, e.storeError(err, "initiative", id)
	}
	return ini, nil
}

func (e Engine) findWorkstream(ctx context.Context, s ports.Store, id string) (domain.Workstream, error) {
	ws, err := s.FindWorkstream(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return domain.Workstream{}, &Error{Kind: KindWorkstreamNotFound, Entity: "workstream", ID: id}
	}
	return ws, err
}

// publish forwards committed entries; failures are logged, never returned.
func (e Engine) publish(ctx context.Context, entries []domain.ChangeEvent) {
	if e.Notifier == nil || len(entries) == 0 {
		return
	}
	err := e.Notifier.Publish(ctx, entries)
	e.Metrics.Published(err)
	if err != nil {
		logging.Warn().Add(logging.InitiativeID(entries[0].InitiativeID), logging.Err(err)).Msg("change event notification failed")
	}
}

func cloneInitiative(in domain.Initiative) domain.Initiative {
	out := in
	out.Stages = make(map[domain.StageKey]domain.StagePayload, len(in.Stages))
	for k, v := range in.Stages {
		out.Stages[k] = clonePayload(v)
	}
	out.StageState = make(map[domain.StageKey]domain.StageState, len(in.StageState))
	for k, v := range in.StageState {
		out.StageState[k] = v
	}
	out.Plan.Tasks = append([]domain.PlanTask(nil), in.Plan.Tasks...)
	return out
}

func clonePayload(p domain.StagePayload) domain.StagePayload {
	out := domain.StagePayload{Commentary: p.Commentary}
	if p.Financials != nil {
		out.Financials = make([]domain.FinancialEntry, len(p.Financials))
		for i, f := range p.Financials {
			f.Amounts = cloneAmounts(f.Amounts)
			out.Financials[i] = f
		}
	}
	out.KPIs = append([]domain.KPI(nil), p.KPIs...)
	out.Documents = append([]domain.Document(nil), p.Documents...)
	return out
}

func cloneAmounts(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func metricLabel(err error) string {
	if k := KindOf(err); k != "" {
		return strings.ToLower(string(k))
	}
	return "error"
}
