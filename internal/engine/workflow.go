package engine

import (
	"context"
	"errors"

	"stagegate/internal/domain"
	"stagegate/internal/logging"
	"stagegate/internal/ports"
)

// AutoApproveComment is stamped on sibling tasks closed because their role's
// rule was already met.
const AutoApproveComment = "Auto-approved (rule satisfied)"

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReturn  Decision = "return"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReturn, DecisionReject:
		return true
	}
	return false
}

type SubmitOptions struct {
	InitiativeID string
	Version      int
	Actor        domain.Actor
}

// SubmitStage opens the gate guarding the initiative's active stage. A stage
// without a configured gate is approved immediately.
func (e Engine) SubmitStage(ctx context.Context, opts SubmitOptions) (domain.Initiative, error) {
	if opts.Version <= 0 {
		return domain.Initiative{}, invalid("version is required")
	}
	var (
		result    domain.Initiative
		entries   []domain.ChangeEvent
		finalized bool
		stage     domain.StageKey
	)
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		ini, err := e.findInitiative(ctx, s, opts.InitiativeID)
		if err != nil {
			return err
		}
		stage = ini.ActiveStage
		switch ini.StageState[stage].Status {
		case domain.StagePending:
			return &Error{Kind: KindStagePending, Stage: stage}
		case domain.StageApproved:
			return &Error{Kind: KindStageAlreadyApproved, Stage: stage}
		}
		rounds, err := e.gateRounds(ctx, s, ini)
		if err != nil {
			return err
		}
		if len(rounds) == 0 {
			finalized = true
			result, entries, err = e.finalizeStage(ctx, s, ini, stage, 0, opts.Version, opts.Actor)
			return err
		}
		assignments, err := s.ListAssignmentsByWorkstream(ctx, ini.WorkstreamID)
		if err != nil {
			return err
		}
		tasks, err := ComposeRound(ini.ID, stage, 0, rounds[0], roleAccountsFrom(assignments), e.timestamp())
		if err != nil {
			return err
		}
		if err := s.DeleteApprovalsForStage(ctx, ini.ID, stage); err != nil {
			return err
		}
		if err := s.InsertApprovals(ctx, tasks); err != nil {
			return err
		}
		next := cloneInitiative(ini)
		next.StageState[stage] = domain.StageState{Status: domain.StagePending, RoundIndex: 0}
		result, entries, err = e.write(ctx, s, ini, next, opts.Version, opts.Actor)
		return err
	})
	if err != nil {
		e.Metrics.Submission(metricLabel(err))
		logging.Debug().Add(logging.InitiativeID(opts.InitiativeID), logging.Err(err)).Msg("stage submission rejected")
		return domain.Initiative{}, err
	}
	e.publish(ctx, entries)
	if finalized {
		e.Metrics.Submission("finalized")
		e.Metrics.StageFinalized(string(stage))
		logging.Info().Add(logging.InitiativeID(result.ID), logging.Stage(stage), logging.Str("next_stage", string(result.ActiveStage))).Msg("stage approved without gate")
	} else {
		e.Metrics.Submission("pending")
		logging.Info().Add(logging.InitiativeID(result.ID), logging.Stage(stage), logging.Round(0)).Msg("stage submitted")
	}
	return result, nil
}

// gateRounds resolves the rounds configured for the gate after the
// initiative's active stage. No gate, or a gate without rounds, yields nil.
func (e Engine) gateRounds(ctx context.Context, s ports.Store, ini domain.Initiative) ([]domain.ApprovalRound, error) {
	gate, ok := GateForStage(ini.ActiveStage)
	if !ok {
		return nil, nil
	}
	ws, err := e.findWorkstream(ctx, s, ini.WorkstreamID)
	if err != nil {
		return nil, err
	}
	return ws.Gates[gate], nil
}

type DecisionOptions struct {
	ApprovalID string
	// AccountID is the acting account; it must match the task's account.
	AccountID string
	Decision  Decision
	Comment   string
	Actor     domain.Actor
}

// DecideApproval records one vote. Votes on decided tasks or on stages the
// initiative already left return the current initiative unchanged.
func (e Engine) DecideApproval(ctx context.Context, opts DecisionOptions) (domain.Initiative, error) {
	if !opts.Decision.Valid() {
		return domain.Initiative{}, invalid("unknown decision %q", opts.Decision)
	}
	if opts.Actor.AccountID == "" {
		opts.Actor.AccountID = opts.AccountID
	}
	var (
		result  domain.Initiative
		entries []domain.ChangeEvent
		outcome string
		stage   domain.StageKey
	)
	err := e.Store.Atomic(ctx, func(s ports.Store) error {
		task, err := s.FindApproval(ctx, opts.ApprovalID)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return &Error{Kind: KindApprovalNotFound, Entity: "approval", ID: opts.ApprovalID}
			}
			return err
		}
		// Concurrent votes on one initiative queue on this lock, so each
		// tally below sees every vote committed before it.
		ini, err := s.LockInitiative(ctx, task.InitiativeID)
		if err != nil {
			return e.storeError(err, "initiative", task.InitiativeID)
		}
		if task, err = s.FindApproval(ctx, opts.ApprovalID); err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				outcome = "stale"
				result = ini
				return nil
			}
			return err
		}
		result = ini
		stage = task.StageKey
		if task.Status != domain.ApprovalPending {
			outcome = "noop"
			return nil
		}
		if task.AccountID != "" && task.AccountID != opts.AccountID {
			return &Error{Kind: KindForbidden, Entity: "approval", ID: task.ID, Message: "approval is assigned to another account"}
		}
		state := ini.StageState[task.StageKey]
		if ini.ActiveStage != task.StageKey || state.Status != domain.StagePending || state.RoundIndex != task.RoundIndex {
			outcome = "stale"
			return nil
		}
		now := e.timestamp()
		comment := optionalString(opts.Comment)

		if opts.Decision != DecisionApprove {
			status, stageStatus := domain.ApprovalReturned, domain.StageReturned
			if opts.Decision == DecisionReject {
				status, stageStatus = domain.ApprovalRejected, domain.StageRejected
			}
			if err := s.UpdateApprovalStatus(ctx, task.ID, status, comment, now); err != nil {
				return err
			}
			if err := s.UpdateApprovalsForStage(ctx, ini.ID, task.StageKey, []domain.ApprovalStatus{domain.ApprovalPending}, status, comment, now); err != nil {
				return err
			}
			next := cloneInitiative(ini)
			next.StageState[task.StageKey] = domain.StageState{Status: stageStatus, RoundIndex: task.RoundIndex, Comment: comment}
			outcome = string(stageStatus)
			result, entries, err = e.write(ctx, s, ini, next, ini.Version, opts.Actor)
			return err
		}

		if err := s.UpdateApprovalStatus(ctx, task.ID, domain.ApprovalApproved, comment, now); err != nil {
			return err
		}
		rows, err := s.ListApprovalsForStage(ctx, ini.ID, task.StageKey, task.RoundIndex)
		if err != nil {
			return err
		}
		tallies := tallyRound(rows)
		if t, ok := tallies[task.Role]; ok && t.satisfied() && t.pending > 0 {
			auto := AutoApproveComment
			if err := s.UpdateApprovalsForRole(ctx, ini.ID, task.StageKey, task.RoundIndex, task.Role,
				[]domain.ApprovalStatus{domain.ApprovalPending}, domain.ApprovalApproved, &auto, now); err != nil {
				return err
			}
			t.approved += t.pending
			t.pending = 0
		}
		if !roundSatisfied(tallies) {
			outcome = "recorded"
			return nil
		}

		rounds, err := e.gateRounds(ctx, s, ini)
		if err != nil {
			return err
		}
		nextRound := task.RoundIndex + 1
		if nextRound >= len(rounds) {
			outcome = "finalized"
			result, entries, err = e.finalizeStage(ctx, s, ini, task.StageKey, task.RoundIndex, ini.Version, opts.Actor)
			return err
		}
		assignments, err := s.ListAssignmentsByWorkstream(ctx, ini.WorkstreamID)
		if err != nil {
			return err
		}
		tasks, err := ComposeRound(ini.ID, task.StageKey, nextRound, rounds[nextRound], roleAccountsFrom(assignments), now)
		if err != nil {
			return err
		}
		if err := s.InsertApprovals(ctx, tasks); err != nil {
			return err
		}
		next := cloneInitiative(ini)
		next.StageState[task.StageKey] = domain.StageState{Status: domain.StagePending, RoundIndex: nextRound}
		outcome = "advanced"
		result, entries, err = e.write(ctx, s, ini, next, ini.Version, opts.Actor)
		return err
	})
	if err != nil {
		logging.Debug().Add(logging.ApprovalID(opts.ApprovalID), logging.Err(err)).Msg("decision rejected")
		return domain.Initiative{}, err
	}
	e.publish(ctx, entries)
	switch outcome {
	case "noop", "stale":
		logging.Debug().Add(logging.ApprovalID(opts.ApprovalID), logging.Str("outcome", outcome)).Msg("decision ignored")
		return result, nil
	case "finalized":
		e.Metrics.StageFinalized(string(stage))
	}
	e.Metrics.Decision(string(opts.Decision))
	logging.Info().Add(
		logging.ApprovalID(opts.ApprovalID),
		logging.InitiativeID(result.ID),
		logging.Decision(string(opts.Decision)),
		logging.Str("outcome", outcome),
	).Msg("approval decided")
	return result, nil
}

// finalizeStage approves stage at the completed round, carries its payload
// into the successor and makes the successor active. Approval rows for the
// stage are removed.
func (e Engine) finalizeStage(ctx context.Context, s ports.Store, ini domain.Initiative, stage domain.StageKey, round int, expectedVersion int, actor domain.Actor) (domain.Initiative, []domain.ChangeEvent, error) {
	next := cloneInitiative(ini)
	next.StageState[stage] = domain.StageState{Status: domain.StageApproved, RoundIndex: round}
	if succ, ok := NextStage(stage); ok {
		next.Stages[succ] = clonePayload(ini.Stages[stage])
		next.ActiveStage = succ
	}
	saved, entries, err := e.write(ctx, s, ini, next, expectedVersion, actor)
	if err != nil {
		return domain.Initiative{}, nil, err
	}
	if err := s.DeleteApprovalsForStage(ctx, ini.ID, stage); err != nil {
		return domain.Initiative{}, nil, err
	}
	return saved, entries, nil
}
