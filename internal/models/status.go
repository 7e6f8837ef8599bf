package models

import (
	"fmt"
)

// Status enumerates document lifecycle states persisted in Postgres.
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusUploaded, StatusPending, StatusProcessing, StatusDone, StatusFailed}

// transitions maps each state to the states it may move to.
// DONE -> PENDING exists only for explicit re-ingestion; workers never take it.
var transitions = map[Status][]Status{
	StatusUploaded:   {StatusPending},
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusDone, StatusFailed},
	StatusDone:       {StatusPending},
	StatusFailed:     {StatusPending},
}

// ParseStatus converts a persisted or user-supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown document status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors returns the states that may legally move to target.
func Predecessors(target Status) []Status {
	var out []Status
	for _, from := range Statuses {
		if from.CanTransitionTo(target) {
			out = append(out, from)
		}
	}
	return out
}

// TransitionError describes an illegal status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid document status transition %s -> %s", e.From, e.To)
}

// MustTransition panics when from -> to is not a legal edge. Callers use it to
// assert a transition they are about to persist; reaching the panic is a bug.
func MustTransition(from, to Status) {
	if !from.CanTransitionTo(to) {
		panic(&TransitionError{From: from, To: to})
	}
}
