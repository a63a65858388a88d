// Package computation carries the lifecycle model of one plugin invocation:
// status states, the deduplication key, the cache-epoch arithmetic and the
// record types shared by store, broker and gateway.
package computation

// Status is the lifecycle state of a computation. Values follow the task
// backend convention of upper-case state names.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRevoked Status = "REVOKED"
)

var statusRank = map[Status]int{
	StatusPending: 0,
	StatusStarted: 1,
	StatusSuccess: 2,
	StatusFailure: 2,
	StatusRevoked: 2,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// CanTransition reports whether a computation may move from one state to
// another. Transitions are monotone: a state never moves backwards, repeats
// of the same state are allowed for retry idempotence, and terminal states
// absorb everything but themselves.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from == "" {
		return true
	}
	if !from.Valid() {
		return false
	}
	if from.Terminal() {
		return from == to
	}
	return statusRank[to] >= statusRank[from]
}
