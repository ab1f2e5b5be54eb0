package engine

import (
	"errors"
	"fmt"

	"stagegate/internal/domain"
)

// Kind is the closed set of workflow failures surfaced to callers.
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindVersionConflict      Kind = "VERSION_CONFLICT"
	KindStagePending         Kind = "STAGE_PENDING"
	KindStageAlreadyApproved Kind = "STAGE_ALREADY_APPROVED"
	KindMissingApprovers     Kind = "MISSING_APPROVERS"
	KindWorkstreamNotFound   Kind = "WORKSTREAM_NOT_FOUND"
	KindApprovalNotFound     Kind = "APPROVAL_NOT_FOUND"
	KindForbidden            Kind = "FORBIDDEN"
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindAlreadyExists        Kind = "ALREADY_EXISTS"
)

// Error is a typed workflow failure. Role is set for MISSING_APPROVERS, Stage
// for stage-state failures.
type Error struct {
	Kind    Kind
	Entity  string
	ID      string
	Role    string
	Stage   domain.StageKey
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	switch e.Kind {
	case KindMissingApprovers:
		return fmt.Sprintf("%s: no accounts assigned to role %q", e.Kind, e.Role)
	case KindStagePending, KindStageAlreadyApproved:
		return fmt.Sprintf("%s: stage %s", e.Kind, e.Stage)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Entity, e.ID)
	}
	return string(e.Kind)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrForbidden) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrVersionConflict      = &Error{Kind: KindVersionConflict}
	ErrStagePending         = &Error{Kind: KindStagePending}
	ErrStageAlreadyApproved = &Error{Kind: KindStageAlreadyApproved}
	ErrMissingApprovers     = &Error{Kind: KindMissingApprovers}
	ErrWorkstreamNotFound   = &Error{Kind: KindWorkstreamNotFound}
	ErrApprovalNotFound     = &Error{Kind: KindApprovalNotFound}
	ErrForbidden            = &Error{Kind: KindForbidden}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrAlreadyExists        = &Error{Kind: KindAlreadyExists}
)

// KindOf returns the workflow kind carried by err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}
