package server

import (
	"intakeline/internal/domain"
)

// Request payloads

type CreateRequestRequest struct {
	Title                 string   `json:"title" maxLength:"500"`
	Description           string   `json:"description"`
	Type                  string   `json:"type" enum:"bug,feature,enhancement,change_request,support,other"`
	Priority              string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	BusinessJustification *string  `json:"business_justification,omitempty"`
	DesiredDeliveryDate   *string  `json:"desired_delivery_date,omitempty"`
	StepsToReproduce      *string  `json:"steps_to_reproduce,omitempty"`
	Dependencies          *string  `json:"dependencies,omitempty"`
	AdditionalNotes       *string  `json:"additional_notes,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	ClientID              *string  `json:"client_id,omitempty"`
	RelatedProjectID      *string  `json:"related_project_id,omitempty"`
	RequesterID           *string  `json:"requester_id,omitempty"`
}

type UpdateRequestRequest struct {
	Title                 *string   `json:"title,omitempty" maxLength:"500"`
	Description           *string   `json:"description,omitempty"`
	Type                  *string   `json:"type,omitempty" enum:"bug,feature,enhancement,change_request,support,other"`
	Priority              *string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	BusinessJustification *string   `json:"business_justification,omitempty"`
	DesiredDeliveryDate   *string   `json:"desired_delivery_date,omitempty"`
	StepsToReproduce      *string   `json:"steps_to_reproduce,omitempty"`
	Dependencies          *string   `json:"dependencies,omitempty"`
	AdditionalNotes       *string   `json:"additional_notes,omitempty"`
	Tags                  *[]string `json:"tags,omitempty"`
	ClientID              *string   `json:"client_id,omitempty"`
	RelatedProjectID      *string   `json:"related_project_id,omitempty"`
}

type TransitionRequest struct {
	ToStage string `json:"to_stage" enum:"in_treatment,on_hold,estimation,ready"`
	Reason  string `json:"reason,omitempty"`
}

type HoldRequest struct {
	Reason string `json:"reason"`
}

type EstimateRequest struct {
	StoryPoints int    `json:"story_points" minimum:"1" maximum:"100"`
	Confidence  string `json:"confidence" enum:"low,medium,high"`
	Notes       string `json:"notes,omitempty"`
}

type ConvertRequest struct {
	DestinationType string `json:"destination_type" enum:"project,ticket"`
	ProjectID       string `json:"project_id,omitempty"`
	OverrideRouting bool   `json:"override_routing,omitempty"`
}

type AssignPMRequest struct {
	PMID string `json:"pm_id"`
}

type AssignEstimatorRequest struct {
	EstimatorID string `json:"estimator_id"`
}

type BulkTransitionRequest struct {
	IDs     []string `json:"ids"`
	ToStage string   `json:"to_stage" enum:"in_treatment,on_hold,estimation,ready"`
	Reason  string   `json:"reason,omitempty"`
}

type BulkAssignRequest struct {
	IDs  []string `json:"ids"`
	PMID string   `json:"pm_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type paginatedRequests struct {
	Items      []domain.Request `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	Items []domain.HistoryEntry `json:"items"`
}

type AgingResponse struct {
	Items []domain.AgingRequest `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Internal    bool     `json:"internal"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
