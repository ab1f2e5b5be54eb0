package events

import (
	"encoding/json"
	"sort"

	"stagegate/internal/domain"
)

// Change is one field-level difference. Values are JSON text; nil means absent.
type Change struct {
	Field    string
	Previous *string
	Next     *string
}

type stageDigest struct {
	Benefits   float64 `json:"benefits"`
	Costs      float64 `json:"costs"`
	Entries    int     `json:"entries"`
	KPIs       int     `json:"kpis"`
	Documents  int     `json:"documents"`
	Commentary string  `json:"commentary,omitempty"`
}

type planDigest struct {
	Tasks    int    `json:"tasks"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Progress int    `json:"progress"`
}

func digestStage(p domain.StagePayload) stageDigest {
	d := stageDigest{
		Entries:    len(p.Financials),
		KPIs:       len(p.KPIs),
		Documents:  len(p.Documents),
		Commentary: p.Commentary,
	}
	for _, f := range p.Financials {
		switch f.Kind {
		case domain.FinancialBenefit:
			d.Benefits += f.Total()
		case domain.FinancialCost:
			d.Costs += f.Total()
		}
	}
	return d
}

// Totals returns the summed benefit and cost amounts of a stage payload.
func Totals(p domain.StagePayload) (benefits, costs float64) {
	d := digestStage(p)
	return d.Benefits, d.Costs
}

// digestPlan summarizes the timeline: task count, earliest start, latest end
// and mean progress.
func digestPlan(p domain.PlanModel) planDigest {
	d := planDigest{Tasks: len(p.Tasks)}
	total := 0
	for _, t := range p.Tasks {
		if t.StartDate != "" && (d.Start == "" || t.StartDate < d.Start) {
			d.Start = t.StartDate
		}
		if t.EndDate != "" && t.EndDate > d.End {
			d.End = t.EndDate
		}
		total += t.Progress
	}
	if len(p.Tasks) > 0 {
		d.Progress = total / len(p.Tasks)
	}
	return d
}

func encode(v any) *string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func encodeString(s string) *string {
	if s == "" {
		return nil
	}
	return encode(s)
}

func encodeOptional(s *string) *string {
	if s == nil {
		return nil
	}
	return encode(*s)
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// stageOrder returns the canonical keys followed by any unknown keys present
// in either map, sorted.
func stageOrder[V any](a, b map[domain.StageKey]V) []domain.StageKey {
	known := map[domain.StageKey]bool{}
	out := append([]domain.StageKey(nil), domain.StageKeys...)
	for _, k := range out {
		known[k] = true
	}
	var extra []domain.StageKey
	for _, m := range []map[domain.StageKey]V{a, b} {
		for k := range m {
			if !known[k] {
				known[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Diff compares two versions of an initiative field by field. Stage payloads
// and the plan are compared through digests rather than raw JSON.
func Diff(before, after domain.Initiative) []Change {
	var out []Change
	add := func(field string, prev, next *string) {
		if !sameValue(prev, next) {
			out = append(out, Change{Field: field, Previous: prev, Next: next})
		}
	}
	add("name", encodeString(before.Name), encodeString(after.Name))
	add("description", encodeString(before.Description), encodeString(after.Description))
	add("ownerAccountId", encodeOptional(before.OwnerAccountID), encodeOptional(after.OwnerAccountID))
	add("ownerName", encodeString(before.OwnerName), encodeString(after.OwnerName))
	add("status", encodeString(before.Status), encodeString(after.Status))
	add("l4Date", encodeOptional(before.L4Date), encodeOptional(after.L4Date))
	add("activeStage", encodeString(string(before.ActiveStage)), encodeString(string(after.ActiveStage)))

	for _, k := range stageOrder(before.Stages, after.Stages) {
		prev, okPrev := before.Stages[k]
		next, okNext := after.Stages[k]
		var p, n *string
		if okPrev {
			p = encode(digestStage(prev))
		}
		if okNext {
			n = encode(digestStage(next))
		}
		add("stages."+string(k), p, n)
	}
	for _, k := range stageOrder(before.StageState, after.StageState) {
		prev, okPrev := before.StageState[k]
		next, okNext := after.StageState[k]
		var p, n *string
		if okPrev {
			p = encode(prev)
		}
		if okNext {
			n = encode(next)
		}
		add("stageState."+string(k), p, n)
	}
	add("plan", encode(digestPlan(before.Plan)), encode(digestPlan(after.Plan)))
	return out
}
