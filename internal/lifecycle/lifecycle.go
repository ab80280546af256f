// Package lifecycle holds the legal status transitions of a transaction and
// builds the record mutations that go with them.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"CFABridge/internal/models"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// Actor identifies who drives a transition.
type Actor string

const (
	ActorSystem  Actor = "system"
	ActorGateway Actor = "gateway"
	ActorRetry   Actor = "retry"
	ActorAdmin   Actor = "admin"
	ActorWorker  Actor = "worker"
)

type edge struct {
	from models.Status
	to   models.Status
}

// transitions maps every legal edge to the actors allowed to take it.
var transitions = map[edge]map[Actor]bool{
	{models.StatusPending, models.StatusProcessing}: {ActorSystem: true},
	// Initiation failed or timed out before the gateway accepted anything.
	{models.StatusPending, models.StatusFailed}: {ActorSystem: true, ActorWorker: true},

	// Only the provider's report moves a transaction out of processing.
	{models.StatusProcessing, models.StatusCompleted}:              {ActorGateway: true},
	{models.StatusProcessing, models.StatusFailed}:                 {ActorGateway: true},
	{models.StatusProcessing, models.StatusPendingAdminValidation}: {ActorGateway: true},

	{models.StatusPendingAdminValidation, models.StatusCompleted}: {ActorAdmin: true},
	{models.StatusPendingAdminValidation, models.StatusRejected}:  {ActorAdmin: true},

	{models.StatusFailed, models.StatusProcessing}:               {ActorRetry: true},
	{models.StatusFailed, models.StatusPendingAdminValidation}:   {ActorRetry: true},
	{models.StatusRejected, models.StatusProcessing}:             {ActorRetry: true},
	{models.StatusRejected, models.StatusPendingAdminValidation}: {ActorRetry: true},
}

// Check reports whether actor may move a transaction from one status to
// another.
func Check(from, to models.Status, actor Actor) error {
	actors, ok := transitions[edge{from, to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if !actors[actor] {
		return fmt.Errorf("%w: %s -> %s not allowed for %s", ErrIllegalTransition, from, to, actor)
	}
	return nil
}

// Allowed reports whether the edge exists for any actor.
func Allowed(from, to models.Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// IsRetryable reports whether status is one a retry may start from.
func IsRetryable(s models.Status) bool {
	return s == models.StatusFailed || s == models.StatusRejected
}

// IsTerminal reports whether no further transition can happen, given the
// attempt budget.
func IsTerminal(t *models.Transaction, maxAttempts int) bool {
	switch t.Status {
	case models.StatusCompleted:
		return true
	case models.StatusFailed, models.StatusRejected:
		return maxAttempts > 0 && t.Attempts >= maxAttempts
	}
	return false
}

// Transition describes one requested status change.
type Transition struct {
	To      models.Status
	Actor   Actor
	AdminID string
	Reason  models.FailureReason
	Notes   string
	At      time.Time
}

// Apply validates the transition against t's current status and returns the
// mutation that performs it. t is not modified.
func Apply(t *models.Transaction, tr Transition) (models.Mutation, error) {
	if err := Check(t.Status, tr.To, tr.Actor); err != nil {
		return models.Mutation{}, err
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	to := tr.To
	m := models.Mutation{
		Status:    &to,
		UpdatedAt: at,
		Actor:     string(tr.Actor),
	}

	switch to {
	case models.StatusFailed, models.StatusRejected, models.StatusPendingAdminValidation:
		reason := tr.Reason
		m.FailureReason = &reason
	case models.StatusProcessing, models.StatusCompleted:
		none := models.ReasonNone
		m.FailureReason = &none
	}

	if tr.Notes != "" {
		m.Note = NoteLine(at, tr.Notes)
	}
	// Leaving rejected undoes the admin decision.
	if t.Status == models.StatusRejected && to != models.StatusRejected {
		m.ClearProcessed = true
	}

	if tr.Actor == ActorAdmin {
		if tr.AdminID == "" {
			return models.Mutation{}, fmt.Errorf("%w: admin transition without admin id", ErrIllegalTransition)
		}
		if to == models.StatusCompleted || to == models.StatusRejected {
			admin := tr.AdminID
			m.ProcessedBy = &admin
			m.ProcessedAt = &at
		}
		m.Actor = string(ActorAdmin) + ":" + tr.AdminID
	}
	return m, nil
}

// NoteLine formats a timestamped admin note.
func NoteLine(at time.Time, note string) string {
	return at.UTC().Format(time.RFC3339) + " " + note
}
