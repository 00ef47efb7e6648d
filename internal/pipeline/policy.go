// Package pipeline holds the side-effect free rules of the intake pipeline:
// the stage graph, hold bookkeeping, conversion routing and alert severity.
package pipeline

import (
	"strings"

	"intakeline/internal/domain"
)

// DefaultTicketMaxPoints is the largest estimate that still routes to a ticket.
const DefaultTicketMaxPoints = 8

var transitions = map[domain.Stage][]domain.Stage{
	domain.StageInTreatment: {domain.StageOnHold, domain.StageEstimation},
	domain.StageOnHold:      {domain.StageInTreatment, domain.StageEstimation},
	domain.StageEstimation:  {domain.StageInTreatment, domain.StageOnHold, domain.StageReady},
	domain.StageReady:       {domain.StageInTreatment, domain.StageOnHold, domain.StageEstimation},
}

// CanTransition reports whether from -> to is an edge of the stage graph.
// Same-stage moves are not edges.
func CanTransition(from, to domain.Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a stage move including the hold reason rule.
func CheckTransition(from, to domain.Stage, reason string) error {
	if !to.Valid() {
		return Invalidf("invalid stage %q", to)
	}
	if !CanTransition(from, to) {
		return Invalidf("invalid transition from %s to %s", from, to)
	}
	if to == domain.StageOnHold && strings.TrimSpace(reason) == "" {
		return Invalidf("reason is required when moving to on_hold stage")
	}
	return nil
}

// CheckActive rejects converted and cancelled requests. verb completes the
// sentence "cannot <verb> a converted request".
func CheckActive(r domain.Request, verb string) error {
	if r.IsConverted {
		return Conflictf("cannot %s a converted request", verb)
	}
	if r.IsCancelled {
		return Conflictf("cannot %s a cancelled request", verb)
	}
	return nil
}

// ApplyStage moves r to the target stage at now (RFC3339). Entering on_hold
// records the reason and start time, any other stage clears them.
func ApplyStage(r *domain.Request, to domain.Stage, reason, now string) {
	r.Stage = to
	r.StageEnteredAt = now
	r.UpdatedAt = now
	if to == domain.StageOnHold {
		reason = strings.TrimSpace(reason)
		r.HoldReason = &reason
		r.HoldStartedAt = &now
		return
	}
	r.HoldReason = nil
	r.HoldStartedAt = nil
}

// Route picks the conversion destination for a request.
// change_request always becomes a ticket; otherwise the estimate decides.
func Route(t domain.RequestType, storyPoints, ticketMax int) domain.ConvertTarget {
	if ticketMax <= 0 {
		ticketMax = DefaultTicketMaxPoints
	}
	if t == domain.TypeChangeRequest || storyPoints <= ticketMax {
		return domain.ConvertToTicket
	}
	return domain.ConvertToProject
}

// ProjectPriority maps a request priority onto the project scale, whose top
// value is "urgent" rather than "critical".
func ProjectPriority(p domain.Priority) string {
	if p == domain.PriorityCritical {
		return "urgent"
	}
	return string(p)
}

// TicketType maps a request type onto the ticket types.
func TicketType(t domain.RequestType) string {
	if t == domain.TypeBug {
		return "bug"
	}
	return "task"
}

// Severity classifies an aging request by how many days it is past threshold.
func Severity(daysInStage, threshold int) string {
	over := daysInStage - threshold
	switch {
	case over >= 4:
		return "critical"
	case over >= 2:
		return "warning"
	default:
		return "info"
	}
}

// StageLabel renders a stage for humans, e.g. "in treatment".
func StageLabel(s domain.Stage) string {
	return strings.ReplaceAll(string(s), "_", " ")
}
