package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/metrics"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]domain.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, entries []domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, entries)
	return nil
}

type testEnv struct {
	Engine    engine.Engine
	Repo      repo.Repo
	Publisher *recordingPublisher
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn, dialect)
	pub := &recordingPublisher{}
	eng := engine.New(r)
	eng.Now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Metrics = metrics.New()
	eng.Notifier = pub
	return testEnv{Engine: eng, Repo: r, Publisher: pub, Ctx: context.Background()}
}

func req(role string, rule domain.Rule) domain.ApproverRequirement {
	return domain.ApproverRequirement{Role: role, Rule: rule}
}

func round(reqs ...domain.ApproverRequirement) domain.ApprovalRound {
	return domain.ApprovalRound{Approvers: reqs}
}

// workstream creates a workstream with the given gates and role -> accounts.
func (env testEnv) workstream(t *testing.T, gates map[domain.StageKey][]domain.ApprovalRound, roles map[string][]string) string {
	t.Helper()
	ws, err := env.Engine.CreateWorkstream(env.Ctx, engine.CreateWorkstreamOptions{Name: "Operations", Gates: gates})
	if err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	for role, accounts := range roles {
		for _, acc := range accounts {
			if _, err := env.Engine.AssignRole(env.Ctx, domain.RoleAssignment{WorkstreamID: ws.ID, AccountID: acc, Role: role}); err != nil {
				t.Fatalf("assign %s/%s: %v", role, acc, err)
			}
		}
	}
	return ws.ID
}

func (env testEnv) initiative(t *testing.T, wsID string, stage domain.StageKey) domain.Initiative {
	t.Helper()
	ini, err := env.Engine.CreateInitiative(env.Ctx, engine.CreateInitiativeOptions{
		WorkstreamID: wsID,
		Name:         "Warehouse automation",
		ActiveStage:  stage,
		Stages: map[domain.StageKey]domain.StagePayload{
			stage: {
				Commentary: "business case",
				Financials: []domain.FinancialEntry{
					{Label: "Labor savings", Kind: domain.FinancialBenefit, Amounts: map[string]float64{"2025": 500, "2026": 750}},
					{Label: "Robots", Kind: domain.FinancialCost, Amounts: map[string]float64{"2025": 400}},
				},
				KPIs: []domain.KPI{{Name: "Throughput", Baseline: 100, Target: 140}},
			},
		},
		Actor: domain.Actor{AccountID: "owner", Name: "Owner"},
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	return ini
}

func (env testEnv) submit(t *testing.T, ini domain.Initiative) domain.Initiative {
	t.Helper()
	out, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{InitiativeID: ini.ID, Version: ini.Version})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return out
}

func (env testEnv) approvals(t *testing.T, iniID string) []domain.ApprovalTask {
	t.Helper()
	rows, err := env.Engine.ListApprovals(env.Ctx, iniID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	return rows
}

// taskFor returns the row assigned to account in the initiative's current rows.
func (env testEnv) taskFor(t *testing.T, iniID, account string) domain.ApprovalTask {
	t.Helper()
	var found *domain.ApprovalTask
	for _, row := range env.approvals(t, iniID) {
		if row.AccountID == account {
			r := row
			found = &r
		}
	}
	if found == nil {
		t.Fatalf("no task for %s", account)
	}
	return *found
}

func (env testEnv) decide(t *testing.T, iniID, account string, d engine.Decision, comment string) domain.Initiative {
	t.Helper()
	task := env.taskFor(t, iniID, account)
	out, err := env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: task.ID, AccountID: account, Decision: d, Comment: comment})
	if err != nil {
		t.Fatalf("decide %s by %s: %v", d, account, err)
	}
	return out
}

func countStatus(rows []domain.ApprovalTask, status domain.ApprovalStatus) int {
	n := 0
	for _, r := range rows {
		if r.Status == status {
			n++
		}
	}
	return n
}

func TestEndToEndSingleRoundAny(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAny))}},
		map[string][]string{"finance": {"acc-a", "acc-b"}})
	ini := env.initiative(t, ws, "l1")

	ini = env.submit(t, ini)
	if st := ini.StageState["l1"]; st.Status != domain.StagePending || st.RoundIndex != 0 {
		t.Fatalf("stage state after submit = %+v", st)
	}
	rows := env.approvals(t, ini.ID)
	if len(rows) != 2 || countStatus(rows, domain.ApprovalPending) != 2 {
		t.Fatalf("expected 2 pending rows, got %+v", rows)
	}

	before := ini
	ini = env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "looks good")
	if ini.ActiveStage != "l2" {
		t.Fatalf("active stage = %s, want l2", ini.ActiveStage)
	}
	if st := ini.StageState["l1"]; st.Status != domain.StageApproved || st.RoundIndex != 0 || st.Comment != nil {
		t.Fatalf("l1 state = %+v", st)
	}
	l1, l2 := ini.Stages["l1"], ini.Stages["l2"]
	if l2.Commentary != l1.Commentary || len(l2.Financials) != len(l1.Financials) || len(l2.KPIs) != 1 {
		t.Fatalf("l2 payload not cloned from l1: %+v", l2)
	}
	if l2.Financials[0].Amounts["2026"] != 750 {
		t.Fatalf("amounts not carried forward: %+v", l2.Financials[0])
	}
	if ini.Version != before.Version+1 {
		t.Fatalf("version = %d, want %d", ini.Version, before.Version+1)
	}
	if rows := env.approvals(t, ini.ID); len(rows) != 0 {
		t.Fatalf("approval rows should be deleted, got %d", len(rows))
	}

	evts, err := env.Engine.ListEvents(env.Ctx, ini.ID)
	if err != nil {
		t.Fatal(err)
	}
	groups := map[string][]domain.ChangeEvent{}
	var order []string
	for _, e := range evts {
		if _, ok := groups[e.EventID]; !ok {
			order = append(order, e.EventID)
		}
		groups[e.EventID] = append(groups[e.EventID], e)
	}
	if len(order) != 3 {
		t.Fatalf("expected create, submit and finalize events, got %d", len(order))
	}
	last := groups[order[2]]
	fields := map[string]bool{}
	for _, e := range last {
		fields[e.Field] = true
		if e.ActorAccountID == nil || *e.ActorAccountID != "acc-a" {
			t.Fatalf("finalize event should be attributed to the voter: %+v", e)
		}
	}
	if !fields["activeStage"] || !fields["stageState.l1"] {
		t.Fatalf("finalize event missing fields: %v", fields)
	}
	if len(env.Publisher.batches) != 3 {
		t.Fatalf("published batches = %d, want 3", len(env.Publisher.batches))
	}
}

func TestSubmitWithoutGateFinalizesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	ini := env.initiative(t, ws, "l1")
	ini = env.submit(t, ini)
	if ini.ActiveStage != "l2" || ini.StageState["l1"].Status != domain.StageApproved {
		t.Fatalf("expected immediate finalize, got %s %+v", ini.ActiveStage, ini.StageState["l1"])
	}
	if ini.Stages["l2"].Commentary != "business case" {
		t.Fatalf("payload not cloned")
	}
	if rows := env.approvals(t, ini.ID); len(rows) != 0 {
		t.Fatalf("no rows expected, got %d", len(rows))
	}
}

func TestSubmitGateWithEmptyRoundsFinalizes(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {}}, nil)
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	if ini.ActiveStage != "l2" {
		t.Fatalf("active stage = %s", ini.ActiveStage)
	}
}

func TestSubmitPendingStageFails(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAll))}},
		map[string][]string{"finance": {"acc-a", "acc-b"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")

	current, _ := env.Engine.GetInitiative(env.Ctx, ini.ID)
	_, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{InitiativeID: ini.ID, Version: current.Version})
	if engine.KindOf(err) != engine.KindStagePending {
		t.Fatalf("expected STAGE_PENDING, got %v", err)
	}
	var werr *engine.Error
	if !errors.As(err, &werr) || werr.Stage != "l1" {
		t.Fatalf("error should carry the stage: %v", err)
	}
	rows := env.approvals(t, ini.ID)
	if countStatus(rows, domain.ApprovalApproved) != 1 || countStatus(rows, domain.ApprovalPending) != 1 {
		t.Fatalf("round progress must be untouched: %+v", rows)
	}
}

func TestSubmitApprovedTerminalStageFails(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	ini := env.submit(t, env.initiative(t, ws, "l5"))
	if ini.ActiveStage != "l5" || ini.StageState["l5"].Status != domain.StageApproved {
		t.Fatalf("terminal stage should approve in place: %+v", ini.StageState["l5"])
	}
	_, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{InitiativeID: ini.ID, Version: ini.Version})
	if !errors.Is(err, engine.ErrStageAlreadyApproved) {
		t.Fatalf("expected STAGE_ALREADY_APPROVED, got %v", err)
	}
}

func TestSubmitMissingApproversLeavesNoRows(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAny), req("legal", domain.RuleAny))}},
		map[string][]string{"finance": {"acc-a"}})
	ini := env.initiative(t, ws, "l1")
	_, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{InitiativeID: ini.ID, Version: ini.Version})
	var werr *engine.Error
	if !errors.As(err, &werr) || werr.Kind != engine.KindMissingApprovers || werr.Role != "legal" {
		t.Fatalf("expected MISSING_APPROVERS for legal, got %v", err)
	}
	if rows := env.approvals(t, ini.ID); len(rows) != 0 {
		t.Fatalf("no rows should persist, got %d", len(rows))
	}
	stored, _ := env.Engine.GetInitiative(env.Ctx, ini.ID)
	if stored.Version != ini.Version || stored.StageState["l1"].Status != domain.StageDraft {
		t.Fatalf("initiative changed: %+v", stored)
	}
}

func TestSubmitVersionConflictRollsBackRows(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAny))}},
		map[string][]string{"finance": {"acc-a"}})
	ini := env.initiative(t, ws, "l1")
	name := "Renamed"
	if _, err := env.Engine.UpdateInitiative(env.Ctx, engine.UpdateInitiativeOptions{ID: ini.ID, Version: ini.Version, Name: &name}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{InitiativeID: ini.ID, Version: ini.Version})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}
	if rows := env.approvals(t, ini.ID); len(rows) != 0 {
		t.Fatalf("rows inserted before the conflict must roll back, got %d", len(rows))
	}
}

func TestAutoApprovesSiblingsOnceRoleSatisfied(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAny), req("legal", domain.RuleAll))}},
		map[string][]string{"finance": {"acc-a", "acc-b"}, "legal": {"acc-c"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))

	after := env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")
	if after.Version != ini.Version || after.StageState["l1"].Status != domain.StagePending {
		t.Fatalf("partial satisfaction must not write the initiative: %+v", after.StageState["l1"])
	}
	sibling := env.taskFor(t, ini.ID, "acc-b")
	if sibling.Status != domain.ApprovalApproved || sibling.Comment == nil || *sibling.Comment != engine.AutoApproveComment {
		t.Fatalf("sibling not auto-approved: %+v", sibling)
	}
	if legal := env.taskFor(t, ini.ID, "acc-c"); legal.Status != domain.ApprovalPending {
		t.Fatalf("other role must stay pending: %+v", legal)
	}

	final := env.decide(t, ini.ID, "acc-c", engine.DecisionApprove, "")
	if final.ActiveStage != "l2" {
		t.Fatalf("expected finalize after last role, got %s", final.ActiveStage)
	}
}

func TestAllRuleNeedsEveryAccount(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("legal", domain.RuleAll))}},
		map[string][]string{"legal": {"acc-a", "acc-b", "acc-c"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")
	mid := env.decide(t, ini.ID, "acc-b", engine.DecisionApprove, "")
	if mid.ActiveStage != "l1" || mid.StageState["l1"].Status != domain.StagePending {
		t.Fatalf("all rule satisfied too early: %+v", mid.StageState["l1"])
	}
	if pending := countStatus(env.approvals(t, ini.ID), domain.ApprovalPending); pending != 1 {
		t.Fatalf("pending rows = %d, want 1", pending)
	}
	final := env.decide(t, ini.ID, "acc-c", engine.DecisionApprove, "")
	if final.ActiveStage != "l2" {
		t.Fatalf("expected l2, got %s", final.ActiveStage)
	}
}

func TestMajorityRuleThreshold(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("board", domain.RuleMajority))}},
		map[string][]string{"board": {"acc-a", "acc-b", "acc-c", "acc-d"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")
	mid := env.decide(t, ini.ID, "acc-b", engine.DecisionApprove, "")
	if mid.ActiveStage != "l1" {
		t.Fatalf("2 of 4 must not satisfy majority")
	}
	final := env.decide(t, ini.ID, "acc-c", engine.DecisionApprove, "")
	if final.ActiveStage != "l2" {
		t.Fatalf("3 of 4 should satisfy majority, active = %s", final.ActiveStage)
	}
}

func TestRejectAbortsRound(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAll), req("legal", domain.RuleAny))}},
		map[string][]string{"finance": {"acc-a", "acc-b"}, "legal": {"acc-c"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")

	out := env.decide(t, ini.ID, "acc-c", engine.DecisionReject, "contract risk")
	st := out.StageState["l1"]
	if st.Status != domain.StageRejected || st.RoundIndex != 0 || st.Comment == nil || *st.Comment != "contract risk" {
		t.Fatalf("stage state = %+v", st)
	}
	rows := env.approvals(t, ini.ID)
	if countStatus(rows, domain.ApprovalPending) != 0 || countStatus(rows, domain.ApprovalRejected) != 2 || countStatus(rows, domain.ApprovalApproved) != 1 {
		t.Fatalf("unexpected row statuses: %+v", rows)
	}
	sibling := env.taskFor(t, ini.ID, "acc-b")
	if sibling.Comment == nil || *sibling.Comment != "contract risk" {
		t.Fatalf("aborted sibling should carry the comment: %+v", sibling)
	}

	// A late vote on an aborted task is a no-op.
	late, err := env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: sibling.ID, AccountID: "acc-b", Decision: engine.DecisionApprove})
	if err != nil || late.Version != out.Version {
		t.Fatalf("late vote should be ignored: %v %+v", err, late.StageState["l1"])
	}

	resubmitted := env.submit(t, out)
	if st := resubmitted.StageState["l1"]; st.Status != domain.StagePending || st.RoundIndex != 0 || st.Comment != nil {
		t.Fatalf("resubmission state = %+v", st)
	}
	rows = env.approvals(t, ini.ID)
	if len(rows) != 3 || countStatus(rows, domain.ApprovalPending) != 3 {
		t.Fatalf("resubmission should compose fresh rows: %+v", rows)
	}
}

func TestMultiRoundGate(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {
			round(req("finance", domain.RuleAny)),
			round(req("exec", domain.RuleAll)),
		}},
		map[string][]string{"finance": {"acc-a"}, "exec": {"acc-x", "acc-y"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))

	advanced := env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")
	if st := advanced.StageState["l1"]; st.Status != domain.StagePending || st.RoundIndex != 1 {
		t.Fatalf("expected round 1, got %+v", st)
	}
	if advanced.ActiveStage != "l1" {
		t.Fatalf("stage must not advance between rounds")
	}
	rows := env.approvals(t, ini.ID)
	round1 := 0
	for _, r := range rows {
		if r.RoundIndex == 1 {
			round1++
			if r.Role != "exec" || r.Status != domain.ApprovalPending || r.Rule != domain.RuleAll {
				t.Fatalf("unexpected round 1 row %+v", r)
			}
		}
	}
	if round1 != 2 {
		t.Fatalf("round 1 rows = %d, want 2", round1)
	}

	returned := env.decide(t, ini.ID, "acc-x", engine.DecisionReturn, "needs numbers")
	if st := returned.StageState["l1"]; st.Status != domain.StageReturned || st.RoundIndex != 1 {
		t.Fatalf("return should keep round index, got %+v", st)
	}

	again := env.submit(t, returned)
	if st := again.StageState["l1"]; st.RoundIndex != 0 || st.Status != domain.StagePending {
		t.Fatalf("resubmission must restart at round 0: %+v", st)
	}
	rows = env.approvals(t, ini.ID)
	if len(rows) != 1 || rows[0].Role != "finance" || rows[0].RoundIndex != 0 {
		t.Fatalf("old rows should be replaced: %+v", rows)
	}

	env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")
	env.decide(t, ini.ID, "acc-x", engine.DecisionApprove, "")
	final := env.decide(t, ini.ID, "acc-y", engine.DecisionApprove, "")
	if final.ActiveStage != "l2" || final.StageState["l1"].RoundIndex != 1 {
		t.Fatalf("expected finalize at round 1, got %s %+v", final.ActiveStage, final.StageState["l1"])
	}
}

func TestNextRoundMissingApproversRollsBackVote(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {
			round(req("finance", domain.RuleAny)),
			round(req("exec", domain.RuleAny)),
		}},
		map[string][]string{"finance": {"acc-a"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	task := env.taskFor(t, ini.ID, "acc-a")
	_, err := env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: task.ID, AccountID: "acc-a", Decision: engine.DecisionApprove})
	if !errors.Is(err, engine.ErrMissingApprovers) {
		t.Fatalf("expected MISSING_APPROVERS, got %v", err)
	}
	if got := env.taskFor(t, ini.ID, "acc-a"); got.Status != domain.ApprovalPending {
		t.Fatalf("vote should roll back, got %+v", got)
	}
	stored, _ := env.Engine.GetInitiative(env.Ctx, ini.ID)
	if stored.Version != ini.Version || stored.StageState["l1"].RoundIndex != 0 {
		t.Fatalf("initiative changed: %+v", stored.StageState["l1"])
	}
}

func TestDecisionErrors(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAny))}},
		map[string][]string{"finance": {"acc-a"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	task := env.taskFor(t, ini.ID, "acc-a")

	_, err := env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: task.ID, AccountID: "intruder", Decision: engine.DecisionApprove})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: "missing", AccountID: "acc-a", Decision: engine.DecisionApprove})
	if engine.KindOf(err) != engine.KindApprovalNotFound {
		t.Fatalf("expected APPROVAL_NOT_FOUND, got %v", err)
	}
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: task.ID, AccountID: "acc-a", Decision: "maybe"})
	if engine.KindOf(err) != engine.KindInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}

	first := env.decide(t, ini.ID, "acc-a", engine.DecisionApprove, "")
	// The row is gone after finalize; re-deciding reports it missing.
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: task.ID, AccountID: "acc-a", Decision: engine.DecisionApprove})
	if engine.KindOf(err) != engine.KindApprovalNotFound {
		t.Fatalf("expected APPROVAL_NOT_FOUND after finalize, got %v", err)
	}
	if first.ActiveStage != "l2" {
		t.Fatalf("active = %s", first.ActiveStage)
	}
}

func TestStaleVoteIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	ini := env.initiative(t, ws, "l1")
	// A leftover pending row for a stage the initiative is no longer on.
	stale := domain.ApprovalTask{
		ID: "stale-1", InitiativeID: ini.ID, StageKey: "l0", Role: "finance", Rule: domain.RuleAny,
		AccountID: "acc-a", Status: domain.ApprovalPending, CreatedAt: "2025-01-01T00:00:00Z",
	}
	if err := env.Repo.InsertApprovals(env.Ctx, []domain.ApprovalTask{stale}); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: "stale-1", AccountID: "acc-a", Decision: engine.DecisionReject})
	if err != nil {
		t.Fatalf("stale vote should not error: %v", err)
	}
	if out.Version != ini.Version || out.ActiveStage != "l1" {
		t.Fatalf("stale vote changed the initiative: %+v", out)
	}
	if got, _ := env.Repo.FindApproval(env.Ctx, "stale-1"); got.Status != domain.ApprovalPending {
		t.Fatalf("stale row should stay untouched: %+v", got)
	}
}

func TestUpdateInitiativeAudit(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	ini := env.initiative(t, ws, "l1")

	evts, _ := env.Engine.ListEvents(env.Ctx, ini.ID)
	if len(evts) != 1 || evts[0].Field != "created" || evts[0].EventType != domain.ChangeCreate || evts[0].Previous != nil {
		t.Fatalf("create should log one created entry: %+v", evts)
	}

	same, err := env.Engine.UpdateInitiative(env.Ctx, engine.UpdateInitiativeOptions{ID: ini.ID, Version: ini.Version})
	if err != nil {
		t.Fatal(err)
	}
	if same.Version != ini.Version+1 {
		t.Fatalf("no-op update still bumps the version, got %d", same.Version)
	}
	evts, _ = env.Engine.ListEvents(env.Ctx, ini.ID)
	if len(evts) != 2 || evts[1].Field != "updated" || evts[1].EventType != domain.ChangeUpdate {
		t.Fatalf("no-op update should log a single updated entry: %+v", evts)
	}

	status, date := "at risk", "2025-09-30"
	changed, err := env.Engine.UpdateInitiative(env.Ctx, engine.UpdateInitiativeOptions{
		ID: ini.ID, Version: same.Version, Status: &status, L4Date: &date,
		Actor: domain.Actor{AccountID: "pm", Name: "PM"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if changed.L4Date == nil || *changed.L4Date != date || changed.Status != status {
		t.Fatalf("update not applied: %+v", changed)
	}
	evts, _ = env.Engine.ListEvents(env.Ctx, ini.ID)
	var last []domain.ChangeEvent
	for _, e := range evts {
		if e.Version == changed.Version {
			last = append(last, e)
		}
	}
	if len(last) != 2 || last[0].EventID != last[1].EventID {
		t.Fatalf("expected two grouped entries, got %+v", last)
	}

	_, err = env.Engine.UpdateInitiative(env.Ctx, engine.UpdateInitiativeOptions{ID: ini.ID, Version: same.Version, Status: &status})
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}
	stored, _ := env.Engine.GetInitiative(env.Ctx, ini.ID)
	if stored.Version != changed.Version {
		t.Fatalf("conflict must leave version untouched, got %d", stored.Version)
	}
}

func TestCreateInitiativeValidation(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	cases := map[string]engine.CreateInitiativeOptions{
		"missing name": {WorkstreamID: ws},
		"gate stage":   {WorkstreamID: ws, Name: "x", ActiveStage: "l2-gate"},
		"bad kind": {WorkstreamID: ws, Name: "x", Stages: map[domain.StageKey]domain.StagePayload{
			"l0": {Financials: []domain.FinancialEntry{{Label: "a", Kind: "revenue"}}},
		}},
		"unknown stage": {WorkstreamID: ws, Name: "x", Stages: map[domain.StageKey]domain.StagePayload{"l9": {}}},
		"bad progress":  {WorkstreamID: ws, Name: "x", Plan: domain.PlanModel{Tasks: []domain.PlanTask{{Name: "t", Progress: 120}}}},
		"bad date":      {WorkstreamID: ws, Name: "x", Plan: domain.PlanModel{Tasks: []domain.PlanTask{{Name: "t", StartDate: "01/02/2025"}}}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.Engine.CreateInitiative(env.Ctx, opts); engine.KindOf(err) != engine.KindInvalidInput {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
	_, err := env.Engine.CreateInitiative(env.Ctx, engine.CreateInitiativeOptions{WorkstreamID: "nope", Name: "x"})
	if !errors.Is(err, engine.ErrWorkstreamNotFound) {
		t.Fatalf("expected WORKSTREAM_NOT_FOUND, got %v", err)
	}
}

func TestCreateFillsEveryStage(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	ini, err := env.Engine.CreateInitiative(env.Ctx, engine.CreateInitiativeOptions{WorkstreamID: ws, Name: "Bare"})
	if err != nil {
		t.Fatal(err)
	}
	if ini.ActiveStage != "l0" || ini.Version != 1 {
		t.Fatalf("unexpected defaults %+v", ini)
	}
	for _, k := range engine.StageKeys {
		if ini.StageState[k].Status != domain.StageDraft {
			t.Fatalf("stage %s state = %+v", k, ini.StageState[k])
		}
		if _, ok := ini.Stages[k]; !ok {
			t.Fatalf("stage %s payload missing", k)
		}
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	ini := env.initiative(t, ws, "l1")
	if err := env.Engine.DeleteInitiative(env.Ctx, ini.ID, ini.Version+3); !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := env.Engine.DeleteInitiative(env.Ctx, ini.ID, ini.Version); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.GetInitiative(env.Ctx, ini.ID)
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := env.Engine.SubmitStage(env.Ctx, engine.SubmitOptions{InitiativeID: ini.ID, Version: 1}); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND on submit, got %v", err)
	}
}

func TestWorkstreamGateValidation(t *testing.T) {
	env := newTestEnv(t)
	bad := []map[domain.StageKey][]domain.ApprovalRound{
		{"l2": {round(req("finance", domain.RuleAny))}},
		{"l2-gate": {round()}},
		{"l2-gate": {round(req("", domain.RuleAny))}},
		{"l2-gate": {round(req("finance", "most"))}},
		{"l2-gate": {round(req("finance", domain.RuleAny), req("finance", domain.RuleAll))}},
	}
	for i, gates := range bad {
		if _, err := env.Engine.CreateWorkstream(env.Ctx, engine.CreateWorkstreamOptions{Name: "x", Gates: gates}); engine.KindOf(err) != engine.KindInvalidInput {
			t.Fatalf("case %d: expected INVALID_INPUT, got %v", i, err)
		}
	}
	ws := env.workstream(t, nil, nil)
	updated, err := env.Engine.UpdateWorkstreamGates(env.Ctx, ws, map[domain.StageKey][]domain.ApprovalRound{"l1-gate": {round(req("pm", domain.RuleAny))}})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Gates["l1-gate"]) != 1 {
		t.Fatalf("gates not stored: %+v", updated.Gates)
	}
	if _, err := env.Engine.UpdateWorkstreamGates(env.Ctx, "missing", nil); !errors.Is(err, engine.ErrWorkstreamNotFound) {
		t.Fatalf("expected WORKSTREAM_NOT_FOUND, got %v", err)
	}
}

func TestSeedWorkstreamIsRepeatable(t *testing.T) {
	env := newTestEnv(t)
	ws := domain.Workstream{ID: "ops", Name: "Operations", Gates: map[domain.StageKey][]domain.ApprovalRound{
		"l2-gate": {round(req("finance", domain.RuleAny))},
	}}
	assignments := []domain.RoleAssignment{{AccountID: "acc-a", Role: "finance"}}
	for i := 0; i < 2; i++ {
		if err := env.Engine.SeedWorkstream(env.Ctx, ws, assignments); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
	list, err := env.Engine.ListAssignments(env.Ctx, "ops")
	if err != nil || len(list) != 1 {
		t.Fatalf("assignments = %v, %v", list, err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "ops", "acc-a", "finance"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "ops", "acc-a", "finance"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestPendingApprovalsAndActivity(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("finance", domain.RuleAny))}},
		map[string][]string{"finance": {"acc-a"}})
	ini := env.submit(t, env.initiative(t, ws, "l1"))
	pending, err := env.Engine.PendingApprovalsFor(env.Ctx, "acc-a")
	if err != nil || len(pending) != 1 || pending[0].InitiativeID != ini.ID {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
	activity, err := env.Engine.WorkstreamActivity(env.Ctx, ws, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(activity) != 2 || activity[0].Version != 2 {
		t.Fatalf("activity = %+v", activity)
	}
}

func TestCaptureSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ws := env.workstream(t, nil, nil)
	env.initiative(t, ws, "l1")
	second := env.initiative(t, ws, "l1")
	env.submit(t, second)

	snap, err := env.Engine.CaptureSnapshot(env.Ctx, ws, domain.Actor{Name: "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	s := snap.Summary
	if s.Initiatives != 2 || s.ByStage["l1"] != 1 || s.ByStage["l2"] != 1 {
		t.Fatalf("by stage = %+v", s.ByStage)
	}
	if s.ByStageStatus["l1"]["draft"] != 1 || s.ByStageStatus["l2"]["draft"] != 1 {
		t.Fatalf("by status = %+v", s.ByStageStatus)
	}
	if s.Benefits["l1"] != 1250 || s.Costs["l2"] != 400 {
		t.Fatalf("totals = %+v %+v", s.Benefits, s.Costs)
	}
	list, err := env.Engine.ListSnapshots(env.Ctx, ws)
	if err != nil || len(list) != 1 || list[0].CapturedBy != "Ada" {
		t.Fatalf("snapshots = %+v, %v", list, err)
	}
}

func TestDuplicateIDsAlreadyExist(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateWorkstream(env.Ctx, engine.CreateWorkstreamOptions{ID: "ops", Name: "Operations"}); err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	_, err := env.Engine.CreateWorkstream(env.Ctx, engine.CreateWorkstreamOptions{ID: "ops", Name: "Operations again"})
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("duplicate workstream: expected ALREADY_EXISTS, got %v", err)
	}

	opts := engine.CreateInitiativeOptions{ID: "ini-1", WorkstreamID: "ops", Name: "Dock scheduling"}
	if _, err := env.Engine.CreateInitiative(env.Ctx, opts); err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	_, err = env.Engine.CreateInitiative(env.Ctx, opts)
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("duplicate initiative: expected ALREADY_EXISTS, got %v", err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, "ini-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("failed duplicate must not log events, got %d", len(evts))
	}
}

func TestConcurrentApprovalsFinalize(t *testing.T) {
	env := newTestEnv(t)
	accounts := []string{"acc-a", "acc-b", "acc-c", "acc-d"}
	ws := env.workstream(t,
		map[domain.StageKey][]domain.ApprovalRound{"l2-gate": {round(req("legal", domain.RuleAll))}},
		map[string][]string{"legal": accounts})
	ini := env.submit(t, env.initiative(t, ws, "l1"))

	tasks := make(map[string]string, len(accounts))
	for _, acc := range accounts {
		tasks[acc] = env.taskFor(t, ini.ID, acc).ID
	}
	start := make(chan struct{})
	errs := make(chan error, len(accounts))
	var wg sync.WaitGroup
	for acc, taskID := range tasks {
		wg.Add(1)
		go func(acc, taskID string) {
			defer wg.Done()
			<-start
			_, err := env.Engine.DecideApproval(env.Ctx, engine.DecisionOptions{ApprovalID: taskID, AccountID: acc, Decision: engine.DecisionApprove})
			errs <- err
		}(acc, taskID)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent decision: %v", err)
		}
	}

	got, err := env.Engine.GetInitiative(env.Ctx, ini.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveStage != "l2" || got.StageState["l1"].Status != domain.StageApproved {
		t.Fatalf("stage not finalized after every vote: active=%s state=%+v", got.ActiveStage, got.StageState["l1"])
	}
	if rows := env.approvals(t, ini.ID); len(rows) != 0 {
		t.Fatalf("expected approval rows removed, got %d", len(rows))
	}
}
