package domain

// StageKey names one entry of the fixed stage order (working stages and gates).
type StageKey string

// StageKeys is the fixed total order of stages and gates.
var StageKeys = []StageKey{
	"l0", "l1-gate", "l1", "l2-gate", "l2", "l3-gate", "l3", "l4-gate", "l4", "l5-gate", "l5",
}

type StageStatus string

const (
	StageDraft    StageStatus = "draft"
	StagePending  StageStatus = "pending"
	StageApproved StageStatus = "approved"
	StageReturned StageStatus = "returned"
	StageRejected StageStatus = "rejected"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalReturned ApprovalStatus = "returned"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Rule decides how many of a role's assigned accounts must approve.
type Rule string

const (
	RuleAny      Rule = "any"
	RuleAll      Rule = "all"
	RuleMajority Rule = "majority"
)

func (r Rule) Valid() bool {
	switch r {
	case RuleAny, RuleAll, RuleMajority:
		return true
	}
	return false
}

type Initiative struct {
	ID             string                    `json:"id"`
	WorkstreamID   string                    `json:"workstream_id"`
	Name           string                    `json:"name"`
	Description    string                    `json:"description,omitempty"`
	OwnerAccountID *string                   `json:"owner_account_id,omitempty"`
	OwnerName      string                    `json:"owner_name,omitempty"`
	Status         string                    `json:"status,omitempty"`
	L4Date         *string                   `json:"l4_date,omitempty" format:"date"`
	ActiveStage    StageKey                  `json:"active_stage"`
	Stages         map[StageKey]StagePayload `json:"stages"`
	StageState     map[StageKey]StageState   `json:"stage_state"`
	Plan           PlanModel                 `json:"plan"`
	Version        int                       `json:"version"`
	CreatedAt      string                    `json:"created_at" format:"date-time"`
	UpdatedAt      string                    `json:"updated_at" format:"date-time"`
}

type StageState struct {
	Status     StageStatus `json:"status" enum:"draft,pending,approved,returned,rejected"`
	RoundIndex int         `json:"round_index"`
	Comment    *string     `json:"comment,omitempty"`
}

type StagePayload struct {
	Financials []FinancialEntry `json:"financials,omitempty"`
	KPIs       []KPI            `json:"kpis,omitempty"`
	Documents  []Document       `json:"documents,omitempty"`
	Commentary string           `json:"commentary,omitempty"`
}

type FinancialKind string

const (
	FinancialBenefit FinancialKind = "benefit"
	FinancialCost    FinancialKind = "cost"
)

type FinancialEntry struct {
	ID       string             `json:"id"`
	Category string             `json:"category"`
	Label    string             `json:"label"`
	Kind     FinancialKind      `json:"kind" enum:"benefit,cost"`
	Amounts  map[string]float64 `json:"amounts,omitempty"`
}

// Total sums every period amount of the entry.
func (f FinancialEntry) Total() float64 {
	var sum float64
	for _, v := range f.Amounts {
		sum += v
	}
	return sum
}

type KPI struct {
	Name     string  `json:"name"`
	Unit     string  `json:"unit,omitempty"`
	Baseline float64 `json:"baseline"`
	Target   float64 `json:"target"`
}

type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type PlanModel struct {
	Tasks []PlanTask `json:"tasks"`
}

type PlanTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Responsible string `json:"responsible,omitempty"`
	StartDate   string `json:"start_date,omitempty" format:"date"`
	EndDate     string `json:"end_date,omitempty" format:"date"`
	Progress    int    `json:"progress"`
}

type ApprovalTask struct {
	ID           string         `json:"id"`
	InitiativeID string         `json:"initiative_id"`
	StageKey     StageKey       `json:"stage_key"`
	RoundIndex   int            `json:"round_index"`
	Role         string         `json:"role"`
	Rule         Rule           `json:"rule" enum:"any,all,majority"`
	AccountID    string         `json:"account_id,omitempty"`
	Status       ApprovalStatus `json:"status" enum:"pending,approved,returned,rejected"`
	Comment      *string        `json:"comment,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	DecidedAt    *string        `json:"decided_at,omitempty" format:"date-time"`
}

type Workstream struct {
	ID          string                       `json:"id"`
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	Gates       map[StageKey][]ApprovalRound `json:"gates"`
	CreatedAt   string                       `json:"created_at" format:"date-time"`
	UpdatedAt   string                       `json:"updated_at" format:"date-time"`
}

type ApprovalRound struct {
	Name      string                `json:"name,omitempty" yaml:"name"`
	Approvers []ApproverRequirement `json:"approvers" yaml:"approvers"`
}

type ApproverRequirement struct {
	Role string `json:"role" yaml:"role"`
	Rule Rule   `json:"rule" yaml:"rule" enum:"any,all,majority"`
}

type RoleAssignment struct {
	WorkstreamID string `json:"workstream_id"`
	AccountID    string `json:"account_id"`
	AccountName  string `json:"account_name,omitempty"`
	Role         string `json:"role"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type ChangeEventType string

const (
	ChangeCreate ChangeEventType = "create"
	ChangeUpdate ChangeEventType = "update"
)

// ChangeEvent is one field-level entry; entries of one mutation share EventID.
type ChangeEvent struct {
	ID             string          `json:"id"`
	EventID        string          `json:"event_id"`
	InitiativeID   string          `json:"initiative_id"`
	EventType      ChangeEventType `json:"event_type" enum:"create,update"`
	Field          string          `json:"field"`
	Previous       *string         `json:"previous,omitempty"`
	Next           *string         `json:"next,omitempty"`
	ActorAccountID *string         `json:"actor_account_id,omitempty"`
	ActorName      string          `json:"actor_name,omitempty"`
	// Version is the initiative version the mutation produced.
	Version   int    `json:"version"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor identifies who performed a mutation. Both fields are optional.
type Actor struct {
	AccountID string `json:"account_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Snapshot struct {
	ID           string          `json:"id"`
	WorkstreamID string          `json:"workstream_id"`
	CapturedBy   string          `json:"captured_by,omitempty"`
	Summary      SnapshotSummary `json:"summary"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type SnapshotSummary struct {
	Initiatives   int                         `json:"initiatives"`
	ByStage       map[StageKey]int            `json:"by_stage"`
	ByStageStatus map[StageKey]map[string]int `json:"by_stage_status"`
	Benefits      map[StageKey]float64        `json:"benefits"`
	Costs         map[StageKey]float64        `json:"costs"`
}
