package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"stagegate/internal/domain"
	"stagegate/internal/logging"
	"stagegate/internal/ports"
)

type CreateWorkstreamOptions struct {
	ID          string
	Name        string
	Description string
	Gates       map[domain.StageKey][]domain.ApprovalRound
}

func (e Engine) CreateWorkstream(ctx context.Context, opts CreateWorkstreamOptions) (domain.Workstream, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Workstream{}, invalid("name is required")
	}
	if err := ValidateGates(opts.Gates); err != nil {
		return domain.Workstream{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	gates := opts.Gates
	if gates == nil {
		gates = map[domain.StageKey][]domain.ApprovalRound{}
	}
	now := e.timestamp()
	ws := domain.Workstream{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(opts.Description),
		Gates:       gates,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		if err := s.CreateWorkstream(ctx, ws); err != nil {
			return e.storeError(err, "workstream", ws.ID)
		}
		return nil
	})
	if err != nil {
		return domain.Workstream{}, err
	}
	logging.Info().Add(logging.WorkstreamID(ws.ID), logging.Count("gates", len(gates))).Msg("workstream created")
	return ws, nil
}

func (e Engine) GetWorkstream(ctx context.Context, id string) (domain.Workstream, error) {
	return e.findWorkstream(ctx, e.Store, id)
}

func (e Engine) ListWorkstreams(ctx context.Context) ([]domain.Workstream, error) {
	return e.Store.ListWorkstreams(ctx)
}

// UpdateWorkstreamGates replaces the gate configuration. Rounds already in
// flight keep their persisted rows; the new configuration applies from the
// next round composed.
func (e Engine) UpdateWorkstreamGates(ctx context.Context, id string, gates map[domain.StageKey][]domain.ApprovalRound) (domain.Workstream, error) {
	if err := ValidateGates(gates); err != nil {
		return domain.Workstream{}, err
	}
	if gates == nil {
		gates = map[domain.StageKey][]domain.ApprovalRound{}
	}
	var ws domain.Workstream
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		if _, err := e.findWorkstream(ctx, s, id); err != nil {
			return err
		}
		if err := s.UpdateWorkstreamGates(ctx, id, gates, e.timestamp()); err != nil {
			return err
		}
		var err error
		ws, err = s.FindWorkstream(ctx, id)
		return err
	})
	if err != nil {
		return domain.Workstream{}, err
	}
	logging.Info().Add(logging.WorkstreamID(id), logging.Count("gates", len(gates))).Msg("workstream gates updated")
	return ws, nil
}

func (e Engine) AssignRole(ctx context.Context, a domain.RoleAssignment) (domain.RoleAssignment, error) {
	a.AccountID = strings.TrimSpace(a.AccountID)
	a.Role = strings.TrimSpace(a.Role)
	if a.AccountID == "" || a.Role == "" {
		return domain.RoleAssignment{}, invalid("account and role are required")
	}
	a.CreatedAt = e.timestamp()
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		if _, err := e.findWorkstream(ctx, s, a.WorkstreamID); err != nil {
			return err
		}
		return s.AssignRole(ctx, a)
	})
	if err != nil {
		return domain.RoleAssignment{}, err
	}
	logging.Info().Add(logging.WorkstreamID(a.WorkstreamID), logging.Account(a.AccountID), logging.Str("role", a.Role)).Msg("role assigned")
	return a, nil
}

func (e Engine) RevokeRole(ctx context.Context, workstreamID, accountID, role string) error {
	err := e.Store.RevokeRole(ctx, workstreamID, accountID, role)
	if errors.Is(err, ports.ErrNotFound) {
		return &Error{Kind: KindNotFound, Entity: "assignment", ID: workstreamID + "/" + accountID + "/" + role}
	}
	return err
}

func (e Engine) ListAssignments(ctx context.Context, workstreamID string) ([]domain.RoleAssignment, error) {
	if _, err := e.findWorkstream(ctx, e.Store, workstreamID); err != nil {
		return nil, err
	}
	return e.Store.ListAssignmentsByWorkstream(ctx, workstreamID)
}

// SeedWorkstream creates the workstream or replaces its gates when it
// already exists, then adds the listed assignments.
func (e Engine) SeedWorkstream(ctx context.Context, ws domain.Workstream, assignments []domain.RoleAssignment) error {
	if ws.ID == "" {
		return invalid("seeded workstreams need an id")
	}
	_, err := e.findWorkstream(ctx, e.Store, ws.ID)
	switch KindOf(err) {
	case "":
		if err != nil {
			return err
		}
		if _, err := e.UpdateWorkstreamGates(ctx, ws.ID, ws.Gates); err != nil {
			return err
		}
	case KindWorkstreamNotFound:
		if _, err := e.CreateWorkstream(ctx, CreateWorkstreamOptions{ID: ws.ID, Name: ws.Name, Description: ws.Description, Gates: ws.Gates}); err != nil {
			return err
		}
	default:
		return err
	}
	for _, a := range assignments {
		a.WorkstreamID = ws.ID
		if _, err := e.AssignRole(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
