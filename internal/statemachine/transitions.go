// Package statemachine owns every task status change.
package statemachine

import (
	"slices"
	"strings"

	"github.com/CookPiu/Bot/internal/domain"
)

// Trigger names an input to the state machine.
type Trigger string

const (
	TriggerCreate   Trigger = "create"
	TriggerAssign   Trigger = "assign"
	TriggerStart    Trigger = "start"
	TriggerSubmit   Trigger = "submit"
	TriggerEvaluate Trigger = "evaluate"
	TriggerPass     Trigger = "pass"
	TriggerFail     Trigger = "fail"
	TriggerCancel   Trigger = "cancel"
)

// sources lists, per trigger, the statuses it may fire from.
var sources = map[Trigger][]domain.Status{
	TriggerAssign:   {domain.StatusPending},
	TriggerStart:    {domain.StatusAssigned},
	TriggerSubmit:   {domain.StatusInProgress},
	TriggerEvaluate: {domain.StatusSubmitted},
	TriggerPass:     {domain.StatusReviewing},
	TriggerFail:     {domain.StatusReviewing},
	TriggerCancel: {
		domain.StatusPending, domain.StatusAssigned, domain.StatusInProgress,
		domain.StatusSubmitted, domain.StatusReviewing,
	},
}

// CanFire reports whether trigger is allowed from status.
func CanFire(from domain.Status, trigger Trigger) bool {
	return slices.Contains(sources[trigger], from)
}

// Allowed returns the triggers that may fire from status, in table order.
func Allowed(from domain.Status) []Trigger {
	var out []Trigger
	for _, t := range []Trigger{TriggerAssign, TriggerStart, TriggerSubmit, TriggerEvaluate, TriggerPass, TriggerFail, TriggerCancel} {
		if CanFire(from, t) {
			out = append(out, t)
		}
	}
	return out
}

// invalid builds the error for a refused trigger. Without a reason it lists
// what the current status does allow.
func invalid(t *domain.Task, trigger Trigger, reason string) error {
	if reason == "" {
		reason = allowedReason(t.Status)
	}
	return &domain.InvalidTransitionError{TaskID: t.ID, From: t.Status, Trigger: string(trigger), Reason: reason}
}

func allowedReason(from domain.Status) string {
	allowed := Allowed(from)
	if len(allowed) == 0 {
		return "status is terminal"
	}
	names := make([]string, len(allowed))
	for i, t := range allowed {
		names[i] = string(t)
	}
	return "allowed: " + strings.Join(names, ", ")
}
