package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/logging"
	"stagegate/internal/ports"
)

type CreateInitiativeOptions struct {
	ID             string
	WorkstreamID   string
	Name           string
	Description    string
	OwnerAccountID string
	OwnerName      string
	Status         string
	L4Date         *string
	ActiveStage    domain.StageKey
	Stages         map[domain.StageKey]domain.StagePayload
	Plan           domain.PlanModel
	Actor          domain.Actor
}

func (e Engine) CreateInitiative(ctx context.Context, opts CreateInitiativeOptions) (domain.Initiative, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Initiative{}, invalid("name is required")
	}
	if opts.WorkstreamID == "" {
		return domain.Initiative{}, invalid("workstream is required")
	}
	active := opts.ActiveStage
	if active == "" {
		active = StageKeys[0]
	}
	if !IsStageKey(active) || IsGate(active) {
		return domain.Initiative{}, invalid("active stage %q is not a working stage", active)
	}
	stages, err := sanitizeStages(opts.Stages)
	if err != nil {
		return domain.Initiative{}, err
	}
	plan, err := sanitizePlan(opts.Plan)
	if err != nil {
		return domain.Initiative{}, err
	}
	l4, err := sanitizeL4Date(opts.L4Date)
	if err != nil {
		return domain.Initiative{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	ini := domain.Initiative{
		ID:             id,
		WorkstreamID:   opts.WorkstreamID,
		Name:           name,
		Description:    strings.TrimSpace(opts.Description),
		OwnerAccountID: optionalString(opts.OwnerAccountID),
		OwnerName:      strings.TrimSpace(opts.OwnerName),
		Status:         strings.TrimSpace(opts.Status),
		L4Date:         l4,
		ActiveStage:    active,
		Stages:         stages,
		Plan:           plan,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	fillStages(&ini)

	var (
		created domain.Initiative
		entries []domain.ChangeEvent
	)
	err = e.Store.Atomic(ctx, func(s ports.Store) error {
		if _, err := e.findWorkstream(ctx, s, opts.WorkstreamID); err != nil {
			return err
		}
		var err error
		created, err = s.CreateInitiative(ctx, ini)
		if err != nil {
			return e.storeError(err, "initiative", ini.ID)
		}
		entries, err = e.writer().Append(ctx, s, nil, created, opts.Actor)
		return err
	})
	if err != nil {
		return domain.Initiative{}, err
	}
	e.publish(ctx, entries)
	logging.Info().Add(logging.InitiativeID(created.ID), logging.WorkstreamID(created.WorkstreamID)).Msg("initiative created")
	return created, nil
}

// UpdateInitiativeOptions carries a partial update. Nil fields are left
// untouched; Stages replaces only the keys it names. Stage state and the
// active stage only change through the workflow.
type UpdateInitiativeOptions struct {
	ID             string
	Version        int
	Name           *string
	Description    *string
	OwnerAccountID *string
	OwnerName      *string
	Status         *string
	L4Date         *string
	Stages         map[domain.StageKey]domain.StagePayload
	Plan           *domain.PlanModel
	Actor          domain.Actor
}

func (e Engine) UpdateInitiative(ctx context.Context, opts UpdateInitiativeOptions) (domain.Initiative, error) {
	if opts.Version <= 0 {
		return domain.Initiative{}, invalid("version is required")
	}
	stages, err := sanitizeStages(opts.Stages)
	if err != nil {
		return domain.Initiative{}, err
	}
	var plan *domain.PlanModel
	if opts.Plan != nil {
		p, err := sanitizePlan(*opts.Plan)
		if err != nil {
			return domain.Initiative{}, err
		}
		plan = &p
	}
	var l4 *string
	if opts.L4Date != nil {
		if l4, err = sanitizeL4Date(opts.L4Date); err != nil {
			return domain.Initiative{}, err
		}
	}
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Initiative{}, invalid("name cannot be empty")
	}

	var (
		saved   domain.Initiative
		entries []domain.ChangeEvent
	)
	err = e.Store.Atomic(ctx, func(s ports.Store) error {
		current, err := e.findInitiative(ctx, s, opts.ID)
		if err != nil {
			return err
		}
		next := cloneInitiative(current)
		if opts.Name != nil {
			next.Name = strings.TrimSpace(*opts.Name)
		}
		if opts.Description != nil {
			next.Description = strings.TrimSpace(*opts.Description)
		}
		if opts.OwnerAccountID != nil {
			next.OwnerAccountID = optionalString(*opts.OwnerAccountID)
		}
		if opts.OwnerName != nil {
			next.OwnerName = strings.TrimSpace(*opts.OwnerName)
		}
		if opts.Status != nil {
			next.Status = strings.TrimSpace(*opts.Status)
		}
		if opts.L4Date != nil {
			next.L4Date = l4
		}
		for k, p := range stages {
			next.Stages[k] = p
		}
		if plan != nil {
			next.Plan = *plan
		}
		saved, entries, err = e.write(ctx, s, current, next, opts.Version, opts.Actor)
		return err
	})
	if err != nil {
		return domain.Initiative{}, err
	}
	e.publish(ctx, entries)
	logging.Info().Add(logging.InitiativeID(saved.ID), logging.Version(saved.Version), logging.Count("changes", len(entries))).Msg("initiative updated")
	return saved, nil
}

// DeleteInitiative removes the initiative together with its approval rows and
// change events.
func (e Engine) DeleteInitiative(ctx context.Context, id string, version int) error {
	if version <= 0 {
		return invalid("version is required")
	}
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		if err := s.DeleteInitiative(ctx, id, version); err != nil {
			return e.storeError(err, "initiative", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info().Add(logging.InitiativeID(id)).Msg("initiative deleted")
	return nil
}

func (e Engine) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	return e.findInitiative(ctx, e.Store, id)
}

func (e Engine) ListInitiatives(ctx context.Context, workstreamID string) ([]domain.Initiative, error) {
	if workstreamID != "" {
		if _, err := e.findWorkstream(ctx, e.Store, workstreamID); err != nil {
			return nil, err
		}
	}
	return e.Store.ListInitiatives(ctx, workstreamID)
}

// ListEvents returns the initiative timeline, oldest first.
func (e Engine) ListEvents(ctx context.Context, initiativeID string) ([]domain.ChangeEvent, error) {
	if _, err := e.findInitiative(ctx, e.Store, initiativeID); err != nil {
		return nil, err
	}
	return e.Store.ListEvents(ctx, initiativeID)
}

// WorkstreamActivity returns the latest change entries across a workstream, newest first.
func (e Engine) WorkstreamActivity(ctx context.Context, workstreamID string, limit int) ([]domain.ChangeEvent, error) {
	if _, err := e.findWorkstream(ctx, e.Store, workstreamID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.Store.ListWorkstreamEvents(ctx, workstreamID, limit)
}

func (e Engine) ListApprovals(ctx context.Context, initiativeID string) ([]domain.ApprovalTask, error) {
	if _, err := e.findInitiative(ctx, e.Store, initiativeID); err != nil {
		return nil, err
	}
	return e.Store.ListApprovalsForInitiative(ctx, initiativeID)
}

func (e Engine) PendingApprovalsFor(ctx context.Context, accountID string) ([]domain.ApprovalTask, error) {
	if accountID == "" {
		return nil, invalid("account is required")
	}
	return e.Store.ListPendingApprovalsForAccount(ctx, accountID)
}
