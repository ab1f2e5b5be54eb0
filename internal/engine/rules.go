package engine

import "stagegate/internal/domain"

// IsSatisfied reports whether approved votes out of total assigned accounts
// meet the rule. A role with no accounts can never be satisfied.
func IsSatisfied(rule domain.Rule, approved, total int) bool {
	if total <= 0 {
		return false
	}
	switch rule {
	case domain.RuleAny:
		return approved >= 1
	case domain.RuleAll:
		return approved >= total
	case domain.RuleMajority:
		return approved >= total/2+1
	default:
		return false
	}
}

type roleTally struct {
	rule     domain.Rule
	approved int
	total    int
	pending  int
}

// tallyRound groups a round's persisted rows by role. Every evaluation is
// recomputed from rows so concurrent voters converge on the same answer.
func tallyRound(tasks []domain.ApprovalTask) map[string]*roleTally {
	out := map[string]*roleTally{}
	for _, t := range tasks {
		tl, ok := out[t.Role]
		if !ok {
			tl = &roleTally{rule: t.Rule}
			out[t.Role] = tl
		}
		tl.total++
		switch t.Status {
		case domain.ApprovalApproved:
			tl.approved++
		case domain.ApprovalPending:
			tl.pending++
		}
	}
	return out
}

func (t *roleTally) satisfied() bool {
	return IsSatisfied(t.rule, t.approved, t.total)
}

func roundSatisfied(tallies map[string]*roleTally) bool {
	if len(tallies) == 0 {
		return false
	}
	for _, t := range tallies {
		if !t.satisfied() {
			return false
		}
	}
	return true
}
