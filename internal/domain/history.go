package domain

type HistoryAction string

const (
	ActionCreated           HistoryAction = "created"
	ActionStageChanged      HistoryAction = "stage_changed"
	ActionPriorityChanged   HistoryAction = "priority_changed"
	ActionAssignedPM        HistoryAction = "assigned_pm"
	ActionAssignedEstimator HistoryAction = "assigned_estimator"
	ActionEstimated         HistoryAction = "estimated"
	ActionConverted         HistoryAction = "converted"
	ActionPutOnHold         HistoryAction = "put_on_hold"
	ActionResumed           HistoryAction = "resumed"
	ActionCancelled         HistoryAction = "cancelled"
	ActionUpdated           HistoryAction = "updated"
)

// Metadata is the action-specific payload of a history entry. Each action
// has exactly one metadata type.
type Metadata interface {
	Action() HistoryAction
}

type CreatedMeta struct {
	RequestNumber string      `json:"request_number"`
	Type          RequestType `json:"type"`
	Priority      Priority    `json:"priority"`
}

type StageChangedMeta struct {
	OldStage      Stage  `json:"old_stage"`
	NewStage      Stage  `json:"new_stage"`
	Reason        string `json:"reason,omitempty"`
	BulkOperation bool   `json:"bulk_operation,omitempty"`
}

type PutOnHoldMeta struct {
	OldStage      Stage  `json:"old_stage"`
	HoldReason    string `json:"hold_reason"`
	BulkOperation bool   `json:"bulk_operation,omitempty"`
}

type ResumedMeta struct {
	HoldReason string  `json:"hold_reason,omitempty"`
	HoldHours  float64 `json:"hold_hours"`
}

type PriorityChangedMeta struct {
	OldPriority Priority `json:"old_priority"`
	NewPriority Priority `json:"new_priority"`
}

type AssignedPMMeta struct {
	OldPMID       string `json:"old_pm_id,omitempty"`
	NewPMID       string `json:"new_pm_id"`
	BulkOperation bool   `json:"bulk_operation,omitempty"`
}

type AssignedEstimatorMeta struct {
	OldEstimatorID string `json:"old_estimator_id,omitempty"`
	NewEstimatorID string `json:"new_estimator_id"`
}

type EstimatedMeta struct {
	StoryPoints    int           `json:"story_points"`
	Confidence     Confidence    `json:"confidence"`
	Recommendation ConvertTarget `json:"recommendation"`
}

type ConvertedMeta struct {
	ConvertedToType   ConvertTarget `json:"converted_to_type"`
	ConvertedToID     string        `json:"converted_to_id"`
	Recommended       ConvertTarget `json:"recommended,omitempty"`
	RoutingOverridden bool          `json:"routing_overridden"`
}

type CancelledMeta struct {
	Reason string `json:"reason,omitempty"`
	Stage  Stage  `json:"stage"`
}

type UpdatedMeta struct {
	Fields []string `json:"fields"`
}

func (CreatedMeta) Action() HistoryAction           { return ActionCreated }
func (StageChangedMeta) Action() HistoryAction      { return ActionStageChanged }
func (PutOnHoldMeta) Action() HistoryAction         { return ActionPutOnHold }
func (ResumedMeta) Action() HistoryAction           { return ActionResumed }
func (PriorityChangedMeta) Action() HistoryAction   { return ActionPriorityChanged }
func (AssignedPMMeta) Action() HistoryAction        { return ActionAssignedPM }
func (AssignedEstimatorMeta) Action() HistoryAction { return ActionAssignedEstimator }
func (EstimatedMeta) Action() HistoryAction         { return ActionEstimated }
func (ConvertedMeta) Action() HistoryAction         { return ActionConverted }
func (CancelledMeta) Action() HistoryAction         { return ActionCancelled }
func (UpdatedMeta) Action() HistoryAction           { return ActionUpdated }
