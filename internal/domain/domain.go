package domain

type Stage string

const (
	StageInTreatment Stage = "in_treatment"
	StageOnHold      Stage = "on_hold"
	StageEstimation  Stage = "estimation"
	StageReady       Stage = "ready"
)

// Stages lists the pipeline stages in pipeline order.
var Stages = []Stage{StageInTreatment, StageOnHold, StageEstimation, StageReady}

func (s Stage) Valid() bool {
	switch s {
	case StageInTreatment, StageOnHold, StageEstimation, StageReady:
		return true
	}
	return false
}

type RequestType string

const (
	TypeBug           RequestType = "bug"
	TypeFeature       RequestType = "feature"
	TypeEnhancement   RequestType = "enhancement"
	TypeChangeRequest RequestType = "change_request"
	TypeSupport       RequestType = "support"
	TypeOther         RequestType = "other"
)

func (t RequestType) Valid() bool {
	switch t {
	case TypeBug, TypeFeature, TypeEnhancement, TypeChangeRequest, TypeSupport, TypeOther:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// ConvertTarget is the entity kind a ready request turns into.
type ConvertTarget string

const (
	ConvertToProject ConvertTarget = "project"
	ConvertToTicket  ConvertTarget = "ticket"
)

func (c ConvertTarget) Valid() bool {
	return c == ConvertToProject || c == ConvertToTicket
}

type Request struct {
	ID                    string         `json:"id"`
	RequestNumber         string         `json:"request_number"`
	Title                 string         `json:"title"`
	Description           string         `json:"description"`
	Type                  RequestType    `json:"type" enum:"bug,feature,enhancement,change_request,support,other"`
	Priority              Priority       `json:"priority" enum:"low,medium,high,critical"`
	Stage                 Stage          `json:"stage" enum:"in_treatment,on_hold,estimation,ready"`
	StageEnteredAt        string         `json:"stage_entered_at" format:"date-time"`
	BusinessJustification *string        `json:"business_justification,omitempty"`
	DesiredDeliveryDate   *string        `json:"desired_delivery_date,omitempty"`
	StepsToReproduce      *string        `json:"steps_to_reproduce,omitempty"`
	Dependencies          *string        `json:"dependencies,omitempty"`
	AdditionalNotes       *string        `json:"additional_notes,omitempty"`
	Tags                  []string       `json:"tags,omitempty"`
	StoryPoints           *int           `json:"story_points,omitempty"`
	Confidence            *Confidence    `json:"confidence,omitempty"`
	EstimationNotes       *string        `json:"estimation_notes,omitempty"`
	EstimatedAt           *string        `json:"estimated_at,omitempty" format:"date-time"`
	HoldReason            *string        `json:"hold_reason,omitempty"`
	HoldStartedAt         *string        `json:"hold_started_at,omitempty" format:"date-time"`
	IsConverted           bool           `json:"is_converted"`
	ConvertedToType       *ConvertTarget `json:"converted_to_type,omitempty"`
	ConvertedToID         *string        `json:"converted_to_id,omitempty"`
	ConvertedAt           *string        `json:"converted_at,omitempty" format:"date-time"`
	IsCancelled           bool           `json:"is_cancelled"`
	CancelledReason       *string        `json:"cancelled_reason,omitempty"`
	CancelledAt           *string        `json:"cancelled_at,omitempty" format:"date-time"`
	RequesterID           string         `json:"requester_id"`
	AssignedPMID          *string        `json:"assigned_pm_id,omitempty"`
	EstimatorID           *string        `json:"estimator_id,omitempty"`
	ClientID              *string        `json:"client_id,omitempty"`
	RelatedProjectID      *string        `json:"related_project_id,omitempty"`
	CreatedAt             string         `json:"created_at" format:"date-time"`
	UpdatedAt             string         `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the request is converted or cancelled.
func (r Request) Terminal() bool {
	return r.IsConverted || r.IsCancelled
}

type HistoryEntry struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	ActorID   string         `json:"actor_id"`
	Action    HistoryAction  `json:"action"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,pm,developer,client"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority" enum:"low,medium,high,urgent"`
	ClientID    string `json:"client_id"`
	OwnerID     string `json:"owner_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Ticket struct {
	ID           string  `json:"id"`
	TicketNumber string  `json:"ticket_number"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Type         string  `json:"type" enum:"bug,task"`
	Status       string  `json:"status"`
	Priority     string  `json:"priority"`
	ClientID     string  `json:"client_id"`
	ProjectID    *string `json:"project_id,omitempty"`
	StoryPoints  *int    `json:"story_points,omitempty"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

// AgingRequest is a request that has stayed in its stage past the alert threshold.
type AgingRequest struct {
	Request     Request `json:"request"`
	DaysInStage int     `json:"days_in_stage"`
	Threshold   int     `json:"threshold"`
	Severity    string  `json:"severity" enum:"info,warning,critical"`
}
