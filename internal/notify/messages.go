package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"intakeline/internal/domain"
	"intakeline/internal/pipeline"
)

// Broadcast event kinds.
const (
	KindCreated      = "intake:created"
	KindUpdated      = "intake:updated"
	KindStageChanged = "intake:stage-changed"
	KindEstimated    = "intake:estimated"
	KindConverted    = "intake:converted"
	KindAssigned     = "intake:assigned"
	KindAlert        = "alert"
)

const roomAll = "intake:all"

func stageRoom(s domain.Stage) string {
	return "intake:stage:" + string(s)
}

// RequestURL links to a request in the web app.
func RequestURL(appURL, requestID string) string {
	return strings.TrimRight(appURL, "/") + "/dashboard/business-center/intake/" + requestID
}

func convertedURL(appURL string, target domain.ConvertTarget, id string) string {
	base := strings.TrimRight(appURL, "/")
	if target == domain.ConvertToProject {
		return base + "/dashboard/business-center/projects/" + id
	}
	return base + "/dashboard/business-center/intake-queue/" + id
}

func displayName(u domain.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func requestPayload(r domain.Request) map[string]any {
	p := map[string]any{
		"id":            r.ID,
		"requestNumber": r.RequestNumber,
		"title":         r.Title,
		"type":          r.Type,
		"priority":      r.Priority,
		"stage":         r.Stage,
		"requesterId":   r.RequesterID,
		"createdAt":     r.CreatedAt,
	}
	if r.AssignedPMID != nil {
		p["assignedPmId"] = *r.AssignedPMID
	}
	if r.ClientID != nil {
		p["clientId"] = *r.ClientID
	}
	if r.StoryPoints != nil {
		p["storyPoints"] = *r.StoryPoints
	}
	if r.Confidence != nil {
		p["confidence"] = *r.Confidence
	}
	return p
}

func CreatedEvent(r domain.Request, actorID string) Event {
	return Event{
		Kind:          KindCreated,
		Payload:       requestPayload(r),
		Rooms:         []string{roomAll, stageRoom(r.Stage)},
		ExcludeUserID: actorID,
	}
}

func UpdatedEvent(r domain.Request, actorID string) Event {
	return Event{
		Kind:          KindUpdated,
		Payload:       requestPayload(r),
		Rooms:         []string{roomAll, stageRoom(r.Stage)},
		ExcludeUserID: actorID,
	}
}

func StageChangedEvent(r domain.Request, from domain.Stage, actorID string, at time.Time) Event {
	p := map[string]any{
		"requestId":    r.ID,
		"requestTitle": r.Title,
		"fromStage":    from,
		"toStage":      r.Stage,
		"actorId":      actorID,
		"timestamp":    at.UTC().Format(time.RFC3339),
	}
	if r.HoldReason != nil {
		p["holdReason"] = *r.HoldReason
	}
	return Event{
		Kind:          KindStageChanged,
		Payload:       p,
		Rooms:         []string{roomAll, stageRoom(from), stageRoom(r.Stage)},
		ExcludeUserID: actorID,
	}
}

func EstimatedEvent(r domain.Request, recommendation domain.ConvertTarget, actorID string, at time.Time) Event {
	p := map[string]any{
		"requestId":             r.ID,
		"requestTitle":          r.Title,
		"estimatorId":           actorID,
		"routingRecommendation": recommendation,
		"timestamp":             at.UTC().Format(time.RFC3339),
	}
	if r.StoryPoints != nil {
		p["storyPoints"] = *r.StoryPoints
	}
	if r.Confidence != nil {
		p["confidence"] = *r.Confidence
	}
	return Event{
		Kind:          KindEstimated,
		Payload:       p,
		Rooms:         []string{roomAll, stageRoom(domain.StageEstimation), stageRoom(domain.StageReady)},
		ExcludeUserID: actorID,
	}
}

func ConvertedEvent(r domain.Request, target domain.ConvertTarget, targetID, actorID string, at time.Time) Event {
	return Event{
		Kind: KindConverted,
		Payload: map[string]any{
			"requestId":       r.ID,
			"requestTitle":    r.Title,
			"convertedToType": target,
			"convertedToId":   targetID,
			"actorId":         actorID,
			"timestamp":       at.UTC().Format(time.RFC3339),
		},
		Rooms:         []string{roomAll, stageRoom(domain.StageReady)},
		ExcludeUserID: actorID,
	}
}

func AssignedEvent(r domain.Request, pmID, actorID string, at time.Time) Event {
	return Event{
		Kind: KindAssigned,
		Payload: map[string]any{
			"requestId":    r.ID,
			"requestTitle": r.Title,
			"assignedPmId": pmID,
			"actorId":      actorID,
			"timestamp":    at.UTC().Format(time.RFC3339),
		},
		Rooms:         []string{roomAll},
		UserIDs:       []string{pmID},
		ExcludeUserID: actorID,
	}
}

// AgingAlertEvent is the dashboard alert for a request stuck in its stage.
// It goes to admins and PMs.
func AgingAlertEvent(a domain.AgingRequest, appURL string, at time.Time) Event {
	r := a.Request
	return Event{
		Kind: KindAlert,
		Payload: map[string]any{
			"type":       a.Severity,
			"title":      fmt.Sprintf("Request Aging: %s", r.RequestNumber),
			"message":    fmt.Sprintf("\"%s\" has been in %s for %d days", r.Title, pipeline.StageLabel(r.Stage), a.DaysInStage),
			"entityType": "system",
			"entityId":   r.ID,
			"entityName": r.Title,
			"actionUrl":  RequestURL(appURL, r.ID),
			"createdAt":  at.UTC().Format(time.RFC3339),
		},
		Roles: []string{"admin", "pm"},
	}
}

func textAndHTML(lines ...string) (string, string) {
	text := strings.Join(lines, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(l))
		b.WriteString("</p>\n")
	}
	return text, b.String()
}

func StageChangedEmail(u domain.User, r domain.Request, from domain.Stage, actorName, appURL string) Message {
	lines := []string{
		fmt.Sprintf("Hi %s,", displayName(u)),
		"",
		fmt.Sprintf("%s moved %s (%s) from %s to %s.", actorName, r.RequestNumber, r.Title, pipeline.StageLabel(from), pipeline.StageLabel(r.Stage)),
	}
	if r.HoldReason != nil {
		lines = append(lines, fmt.Sprintf("Reason: %s", *r.HoldReason))
	}
	lines = append(lines, "", RequestURL(appURL, r.ID))
	text, body := textAndHTML(lines...)
	return Message{
		Subject: fmt.Sprintf("Request %s moved to %s", r.RequestNumber, pipeline.StageLabel(r.Stage)),
		Text:    text,
		HTML:    body,
	}
}

func EstimatedEmail(u domain.User, r domain.Request, recommendation domain.ConvertTarget, estimatorName, appURL string) Message {
	points, confidence := 0, ""
	if r.StoryPoints != nil {
		points = *r.StoryPoints
	}
	if r.Confidence != nil {
		confidence = string(*r.Confidence)
	}
	text, body := textAndHTML(
		fmt.Sprintf("Hi %s,", displayName(u)),
		"",
		fmt.Sprintf("%s estimated %s (%s) at %d story points with %s confidence.", estimatorName, r.RequestNumber, r.Title, points, confidence),
		fmt.Sprintf("Recommended conversion: %s.", recommendation),
		"",
		RequestURL(appURL, r.ID),
	)
	return Message{
		Subject: fmt.Sprintf("Request %s has been estimated", r.RequestNumber),
		Text:    text,
		HTML:    body,
	}
}

func ConvertedEmail(u domain.User, r domain.Request, target domain.ConvertTarget, targetID, actorName, appURL string) Message {
	text, body := textAndHTML(
		fmt.Sprintf("Hi %s,", displayName(u)),
		"",
		fmt.Sprintf("%s converted your request %s (%s) to a %s.", actorName, r.RequestNumber, r.Title, target),
		"",
		convertedURL(appURL, target, targetID),
	)
	return Message{
		Subject: fmt.Sprintf("Your request %s has been converted to a %s", r.RequestNumber, target),
		Text:    text,
		HTML:    body,
	}
}

func AgingAlertEmail(u domain.User, a domain.AgingRequest, requesterName, appURL string) Message {
	r := a.Request
	if requesterName == "" {
		requesterName = "Unknown"
	}
	name := u.Name
	if name == "" {
		name = "Project Manager"
	}
	text, body := textAndHTML(
		fmt.Sprintf("Hi %s,", name),
		"",
		"REQUEST AGING ALERT",
		"",
		fmt.Sprintf("The following intake request has been in the %s stage for %d days and requires attention:", pipeline.StageLabel(r.Stage), a.DaysInStage),
		fmt.Sprintf("Request: %s - %s", r.RequestNumber, r.Title),
		fmt.Sprintf("Priority: %s", r.Priority),
		fmt.Sprintf("Requester: %s", requesterName),
		"",
		RequestURL(appURL, r.ID),
	)
	return Message{
		Subject: fmt.Sprintf("[Action Required] Request %s aging alert", r.RequestNumber),
		Text:    text,
		HTML:    body,
	}
}
