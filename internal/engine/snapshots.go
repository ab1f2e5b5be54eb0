package engine

import (
	"context"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/logging"
	"stagegate/internal/ports"
)

// Summarize aggregates a workstream's initiatives by their active stage.
func Summarize(initiatives []domain.Initiative) domain.SnapshotSummary {
	sum := domain.SnapshotSummary{
		Initiatives:   len(initiatives),
		ByStage:       map[domain.StageKey]int{},
		ByStageStatus: map[domain.StageKey]map[string]int{},
		Benefits:      map[domain.StageKey]float64{},
		Costs:         map[domain.StageKey]float64{},
	}
	for _, ini := range initiatives {
		stage := ini.ActiveStage
		sum.ByStage[stage]++
		status := string(ini.StageState[stage].Status)
		if status == "" {
			status = string(domain.StageDraft)
		}
		if sum.ByStageStatus[stage] == nil {
			sum.ByStageStatus[stage] = map[string]int{}
		}
		sum.ByStageStatus[stage][status]++
		benefits, costs := events.Totals(ini.Stages[stage])
		sum.Benefits[stage] += benefits
		sum.Costs[stage] += costs
	}
	return sum
}

func (e Engine) CaptureSnapshot(ctx context.Context, workstreamID string, actor domain.Actor) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		if _, err := e.findWorkstream(ctx, s, workstreamID); err != nil {
			return err
		}
		initiatives, err := s.ListInitiatives(ctx, workstreamID)
		if err != nil {
			return err
		}
		capturedBy := actor.Name
		if capturedBy == "" {
			capturedBy = actor.AccountID
		}
		snap = domain.Snapshot{
			ID:           uuid.NewString(),
			WorkstreamID: workstreamID,
			CapturedBy:   capturedBy,
			Summary:      Summarize(initiatives),
			CreatedAt:    e.timestamp(),
		}
		return s.InsertSnapshot(ctx, snap)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	logging.Info().Add(logging.WorkstreamID(workstreamID), logging.Count("initiatives", snap.Summary.Initiatives)).Msg("snapshot captured")
	return snap, nil
}

func (e Engine) ListSnapshots(ctx context.Context, workstreamID string) ([]domain.Snapshot, error) {
	if _, err := e.findWorkstream(ctx, e.Store, workstreamID); err != nil {
		return nil, err
	}
	return e.Store.ListSnapshots(ctx, workstreamID)
}
