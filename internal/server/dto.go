package server

import (
	"stagegate/internal/domain"
)

// Request payloads

type ApproverRequest struct {
	Role string `json:"role" minLength:"1"`
	Rule string `json:"rule" enum:"any,all,majority"`
}

type GateRoundRequest struct {
	Name      string            `json:"name,omitempty"`
	Approvers []ApproverRequest `json:"approvers"`
}

type CreateWorkstreamRequest struct {
	ID          string                        `json:"id,omitempty"`
	Name        string                        `json:"name"`
	Description string                        `json:"description,omitempty"`
	Gates       map[string][]GateRoundRequest `json:"gates,omitempty"`
}

type UpdateGatesRequest struct {
	Gates map[string][]GateRoundRequest `json:"gates"`
}

type AssignRoleRequest struct {
	AccountID   string `json:"account_id" minLength:"1"`
	AccountName string `json:"account_name,omitempty"`
	Role        string `json:"role" minLength:"1"`
}

type FinancialEntryRequest struct {
	ID       string             `json:"id,omitempty"`
	Category string             `json:"category,omitempty"`
	Label    string             `json:"label"`
	Kind     string             `json:"kind" enum:"benefit,cost"`
	Amounts  map[string]float64 `json:"amounts,omitempty"`
}

type KPIRequest struct {
	Name     string  `json:"name"`
	Unit     string  `json:"unit,omitempty"`
	Baseline float64 `json:"baseline,omitempty"`
	Target   float64 `json:"target,omitempty"`
}

type DocumentRequest struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

type StagePayloadRequest struct {
	Financials []FinancialEntryRequest `json:"financials,omitempty"`
	KPIs       []KPIRequest            `json:"kpis,omitempty"`
	Documents  []DocumentRequest       `json:"documents,omitempty"`
	Commentary string                  `json:"commentary,omitempty"`
}

type PlanTaskRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Responsible string `json:"responsible,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	Progress    int    `json:"progress,omitempty"`
}

type PlanRequest struct {
	Tasks []PlanTaskRequest `json:"tasks"`
}

type CreateInitiativeRequest struct {
	ID             string                         `json:"id,omitempty"`
	WorkstreamID   string                         `json:"workstream_id"`
	Name           string                         `json:"name"`
	Description    string                         `json:"description,omitempty"`
	OwnerAccountID string                         `json:"owner_account_id,omitempty"`
	OwnerName      string                         `json:"owner_name,omitempty"`
	Status         string                         `json:"status,omitempty"`
	L4Date         *string                        `json:"l4_date,omitempty"`
	ActiveStage    string                         `json:"active_stage,omitempty"`
	Stages         map[string]StagePayloadRequest `json:"stages,omitempty"`
	Plan           *PlanRequest                   `json:"plan,omitempty"`
}

type UpdateInitiativeRequest struct {
	Version        int                            `json:"version" minimum:"1"`
	Name           *string                        `json:"name,omitempty"`
	Description    *string                        `json:"description,omitempty"`
	OwnerAccountID *string                        `json:"owner_account_id,omitempty"`
	OwnerName      *string                        `json:"owner_name,omitempty"`
	Status         *string                        `json:"status,omitempty"`
	L4Date         *string                        `json:"l4_date,omitempty"`
	Stages         map[string]StagePayloadRequest `json:"stages,omitempty"`
	Plan           *PlanRequest                   `json:"plan,omitempty"`
}

type VersionRequest struct {
	Version int `json:"version" minimum:"1"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,return,reject"`
	Comment  string `json:"comment,omitempty"`
}

// Responses

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

func listOf[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items}
}

// Mapping

func gatesFromRequest(in map[string][]GateRoundRequest) map[domain.StageKey][]domain.ApprovalRound {
	if in == nil {
		return nil
	}
	out := make(map[domain.StageKey][]domain.ApprovalRound, len(in))
	for key, rounds := range in {
		mapped := make([]domain.ApprovalRound, 0, len(rounds))
		for _, r := range rounds {
			round := domain.ApprovalRound{Name: r.Name}
			for _, a := range r.Approvers {
				round.Approvers = append(round.Approvers, domain.ApproverRequirement{Role: a.Role, Rule: domain.Rule(a.Rule)})
			}
			mapped = append(mapped, round)
		}
		out[domain.StageKey(key)] = mapped
	}
	return out
}

func payloadFromRequest(in StagePayloadRequest) domain.StagePayload {
	out := domain.StagePayload{Commentary: in.Commentary}
	for _, f := range in.Financials {
		out.Financials = append(out.Financials, domain.FinancialEntry{
			ID:       f.ID,
			Category: f.Category,
			Label:    f.Label,
			Kind:     domain.FinancialKind(f.Kind),
			Amounts:  f.Amounts,
		})
	}
	for _, k := range in.KPIs {
		out.KPIs = append(out.KPIs, domain.KPI{Name: k.Name, Unit: k.Unit, Baseline: k.Baseline, Target: k.Target})
	}
	for _, d := range in.Documents {
		out.Documents = append(out.Documents, domain.Document{Name: d.Name, URL: d.URL})
	}
	return out
}

func stagesFromRequest(in map[string]StagePayloadRequest) map[domain.StageKey]domain.StagePayload {
	if in == nil {
		return nil
	}
	out := make(map[domain.StageKey]domain.StagePayload, len(in))
	for key, p := range in {
		out[domain.StageKey(key)] = payloadFromRequest(p)
	}
	return out
}

func planFromRequest(in *PlanRequest) *domain.PlanModel {
	if in == nil {
		return nil
	}
	plan := domain.PlanModel{Tasks: []domain.PlanTask{}}
	for _, t := range in.Tasks {
		plan.Tasks = append(plan.Tasks, domain.PlanTask{
			ID:          t.ID,
			Name:        t.Name,
			Responsible: t.Responsible,
			StartDate:   t.StartDate,
			EndDate:     t.EndDate,
			Progress:    t.Progress,
		})
	}
	return &plan
}
