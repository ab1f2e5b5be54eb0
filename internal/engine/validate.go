package engine

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/domain"
)

const dateLayout = "2006-01-02"

func validDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// sanitizeStages validates caller-supplied payloads and returns a copy with
// generated ids for entries that lack one.
func sanitizeStages(in map[domain.StageKey]domain.StagePayload) (map[domain.StageKey]domain.StagePayload, error) {
	out := make(map[domain.StageKey]domain.StagePayload, len(in))
	for k, p := range in {
		if !IsStageKey(k) {
			return nil, invalid("unknown stage key %q", k)
		}
		clean, err := sanitizePayload(k, p)
		if err != nil {
			return nil, err
		}
		out[k] = clean
	}
	return out, nil
}

func sanitizePayload(stage domain.StageKey, p domain.StagePayload) (domain.StagePayload, error) {
	p = clonePayload(p)
	p.Commentary = strings.TrimSpace(p.Commentary)
	for i := range p.Financials {
		f := &p.Financials[i]
		switch f.Kind {
		case domain.FinancialBenefit, domain.FinancialCost:
		default:
			return p, invalid("stage %s: financial entry %d has unknown kind %q", stage, i, f.Kind)
		}
		if strings.TrimSpace(f.Label) == "" && strings.TrimSpace(f.Category) == "" {
			return p, invalid("stage %s: financial entry %d needs a label or category", stage, i)
		}
		for period, v := range f.Amounts {
			if strings.TrimSpace(period) == "" {
				return p, invalid("stage %s: financial entry %d has an empty period", stage, i)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return p, invalid("stage %s: financial entry %d has a non-finite amount", stage, i)
			}
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
	}
	for i, k := range p.KPIs {
		if strings.TrimSpace(k.Name) == "" {
			return p, invalid("stage %s: kpi %d has no name", stage, i)
		}
	}
	for i, d := range p.Documents {
		if strings.TrimSpace(d.URL) == "" {
			return p, invalid("stage %s: document %d has no url", stage, i)
		}
	}
	return p, nil
}

func sanitizePlan(in domain.PlanModel) (domain.PlanModel, error) {
	out := domain.PlanModel{Tasks: make([]domain.PlanTask, 0, len(in.Tasks))}
	for i, t := range in.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return out, invalid("plan task %d has no name", i)
		}
		if t.Progress < 0 || t.Progress > 100 {
			return out, invalid("plan task %q progress %d outside 0-100", t.Name, t.Progress)
		}
		if t.StartDate != "" && !validDate(t.StartDate) {
			return out, invalid("plan task %q start date %q is not YYYY-MM-DD", t.Name, t.StartDate)
		}
		if t.EndDate != "" && !validDate(t.EndDate) {
			return out, invalid("plan task %q end date %q is not YYYY-MM-DD", t.Name, t.EndDate)
		}
		if t.StartDate != "" && t.EndDate != "" && t.EndDate < t.StartDate {
			return out, invalid("plan task %q ends before it starts", t.Name)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		out.Tasks = append(out.Tasks, t)
	}
	return out, nil
}

func sanitizeL4Date(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil, nil
	}
	if !validDate(v) {
		return nil, invalid("l4 date %q is not YYYY-MM-DD", v)
	}
	return &v, nil
}

// fillStages ensures every stage key has a payload and a state entry.
func fillStages(ini *domain.Initiative) {
	if ini.Stages == nil {
		ini.Stages = map[domain.StageKey]domain.StagePayload{}
	}
	if ini.StageState == nil {
		ini.StageState = map[domain.StageKey]domain.StageState{}
	}
	for _, k := range StageKeys {
		if _, ok := ini.Stages[k]; !ok {
			ini.Stages[k] = domain.StagePayload{}
		}
		if _, ok := ini.StageState[k]; !ok {
			ini.StageState[k] = domain.StageState{Status: domain.StageDraft}
		}
	}
}

// ValidateGates checks a workstream gate configuration.
func ValidateGates(gates map[domain.StageKey][]domain.ApprovalRound) error {
	for key, rounds := range gates {
		if !IsStageKey(key) || !IsGate(key) {
			return invalid("%q is not a gate key", key)
		}
		for i, r := range rounds {
			if len(r.Approvers) == 0 {
				return invalid("gate %s round %d has no approvers", key, i)
			}
			seen := map[string]bool{}
			for _, a := range r.Approvers {
				if strings.TrimSpace(a.Role) == "" {
					return invalid("gate %s round %d has an empty role", key, i)
				}
				if !a.Rule.Valid() {
					return invalid("gate %s round %d role %s has unknown rule %q", key, i, a.Role, a.Rule)
				}
				if seen[a.Role] {
					return invalid("gate %s round %d lists role %s twice", key, i, a.Role)
				}
				seen[a.Role] = true
			}
		}
	}
	return nil
}
