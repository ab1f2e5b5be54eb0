package engine

import (
	"sort"

	"github.com/google/uuid"

	"stagegate/internal/domain"
)

// RoleAccounts maps a role name to the accounts holding it.
type RoleAccounts map[string][]string

func roleAccountsFrom(assignments []domain.RoleAssignment) RoleAccounts {
	out := RoleAccounts{}
	seen := map[string]bool{}
	for _, a := range assignments {
		key := a.Role + "\x00" + a.AccountID
		if seen[key] {
			continue
		}
		seen[key] = true
		out[a.Role] = append(out[a.Role], a.AccountID)
	}
	for role := range out {
		sort.Strings(out[role])
	}
	return out
}

// ComposeRound materializes one pending task per (role, account) for the
// round. A role without any assigned account fails with MISSING_APPROVERS.
func ComposeRound(initiativeID string, stage domain.StageKey, roundIndex int, round domain.ApprovalRound, accounts RoleAccounts, now string) ([]domain.ApprovalTask, error) {
	var tasks []domain.ApprovalTask
	for _, req := range round.Approvers {
		ids := accounts[req.Role]
		if len(ids) == 0 {
			return nil, &Error{Kind: KindMissingApprovers, Role: req.Role, Stage: stage}
		}
		for _, accountID := range ids {
			tasks = append(tasks, domain.ApprovalTask{
				ID:           uuid.NewString(),
				InitiativeID: initiativeID,
				StageKey:     stage,
				RoundIndex:   roundIndex,
				Role:         req.Role,
				Rule:         req.Rule,
				AccountID:    accountID,
				Status:       domain.ApprovalPending,
				CreatedAt:    now,
			})
		}
	}
	return tasks, nil
}
