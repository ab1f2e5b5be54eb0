// Package ports declares the persistence contract the workflow engine
// consumes. The SQL repository in internal/repo is the production
// implementation.
package ports

import (
	"context"
	"errors"

	"stagegate/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	// ErrConflict reports an insert whose id is already taken.
	ErrConflict = errors.New("already exists")
)

// InitiativeStore persists the initiative aggregate. UpdateInitiative and
// DeleteInitiative only apply when the stored version equals expectedVersion;
// otherwise they return ErrVersionConflict, or ErrNotFound when the row is gone.
// CreateInitiative returns ErrConflict when the id is taken. LockInitiative
// reads like FindInitiative and holds the row until the transaction ends.
type InitiativeStore interface {
	FindInitiative(ctx context.Context, id string) (domain.Initiative, error)
	LockInitiative(ctx context.Context, id string) (domain.Initiative, error)
	ListInitiatives(ctx context.Context, workstreamID string) ([]domain.Initiative, error)
	CreateInitiative(ctx context.Context, in domain.Initiative) (domain.Initiative, error)
	UpdateInitiative(ctx context.Context, in domain.Initiative, expectedVersion int) (domain.Initiative, error)
	DeleteInitiative(ctx context.Context, id string, expectedVersion int) error
}

type ApprovalStore interface {
	FindApproval(ctx context.Context, id string) (domain.ApprovalTask, error)
	DeleteApprovalsForStage(ctx context.Context, initiativeID string, stage domain.StageKey) error
	InsertApprovals(ctx context.Context, tasks []domain.ApprovalTask) error
	ListApprovalsForStage(ctx context.Context, initiativeID string, stage domain.StageKey, round int) ([]domain.ApprovalTask, error)
	ListApprovalsForInitiative(ctx context.Context, initiativeID string) ([]domain.ApprovalTask, error)
	ListPendingApprovalsForAccount(ctx context.Context, accountID string) ([]domain.ApprovalTask, error)
	UpdateApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, comment *string, decidedAt string) error
	UpdateApprovalsForStage(ctx context.Context, initiativeID string, stage domain.StageKey, from []domain.ApprovalStatus, to domain.ApprovalStatus, comment *string, decidedAt string) error
	UpdateApprovalsForRole(ctx context.Context, initiativeID string, stage domain.StageKey, round int, role string, from []domain.ApprovalStatus, to domain.ApprovalStatus, comment *string, decidedAt string) error
}

type EventStore interface {
	InsertEvents(ctx context.Context, events []domain.ChangeEvent) error
	ListEvents(ctx context.Context, initiativeID string) ([]domain.ChangeEvent, error)
	ListWorkstreamEvents(ctx context.Context, workstreamID string, limit int) ([]domain.ChangeEvent, error)
}

type WorkstreamStore interface {
	FindWorkstream(ctx context.Context, id string) (domain.Workstream, error)
	ListWorkstreams(ctx context.Context) ([]domain.Workstream, error)
	CreateWorkstream(ctx context.Context, ws domain.Workstream) error
	UpdateWorkstreamGates(ctx context.Context, id string, gates map[domain.StageKey][]domain.ApprovalRound, updatedAt string) error
	ListAssignmentsByWorkstream(ctx context.Context, workstreamID string) ([]domain.RoleAssignment, error)
	AssignRole(ctx context.Context, a domain.RoleAssignment) error
	RevokeRole(ctx context.Context, workstreamID, accountID, role string) error
}

type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, s domain.Snapshot) error
	ListSnapshots(ctx context.Context, workstreamID string) ([]domain.Snapshot, error)
}

// Store is the full repository. Atomic runs fn against a store bound to a
// single transaction; fn's error rolls every write back.
type Store interface {
	InitiativeStore
	ApprovalStore
	EventStore
	WorkstreamStore
	SnapshotStore
	Atomic(ctx context.Context, fn func(Store) error) error
}
