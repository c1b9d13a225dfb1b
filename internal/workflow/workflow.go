// Package workflow enforces the bug status lifecycle.
package workflow

import (
	"errors"
	"fmt"

	"github.com/joescharf/testhub/internal/models"
)

// ErrInvalidTransition is matched by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	From models.BugStatus
	To   models.BugStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions lists the allowed targets per status. closed is terminal.
var transitions = map[models.BugStatus][]models.BugStatus{
	models.BugStatusOpen:       {models.BugStatusInProgress, models.BugStatusResolved},
	models.BugStatusInProgress: {models.BugStatusResolved},
	models.BugStatusResolved:   {models.BugStatusClosed, models.BugStatusInProgress},
	models.BugStatusClosed:     {},
}

// IsAllowed reports whether a bug may move from current to requested.
// Unknown states and self-transitions are never allowed.
func IsAllowed(current, requested models.BugStatus) bool {
	for _, s := range transitions[current] {
		if s == requested {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from current, in table order.
func Next(current models.BugStatus) []models.BugStatus {
	allowed := transitions[current]
	out := make([]models.BugStatus, len(allowed))
	copy(out, allowed)
	return out
}

// Valid reports whether s is one of the known bug statuses.
func Valid(s models.BugStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Apply moves bug to requested if the transition is allowed.
// On rejection the bug is left unchanged.
func Apply(bug *models.Bug, requested models.BugStatus) (*models.Bug, error) {
	if !IsAllowed(bug.Status, requested) {
		return bug, &InvalidTransitionError{From: bug.Status, To: requested}
	}
	bug.Status = requested
	return bug, nil
}
