package catalog

import "fmt"

// Status is the persisted lifecycle state of a Task.
type Status int

const (
	// StatusFailed marks a task that failed and still awaits cleanup.
	StatusFailed Status = -1
	// StatusPending marks a freshly created task whose input archive exists
	// but has not been posted.
	StatusPending Status = 0
	// StatusPosted marks a task accepted by its inference server.
	StatusPosted Status = 1
	// StatusRetrieved marks a task whose output archive is on disk.
	StatusRetrieved Status = 2
	// StatusForwarded marks a task whose output was dispatched to every
	// destination.
	StatusForwarded Status = 3
	// StatusSucceeded is terminal: forwarded and cleaned up.
	StatusSucceeded Status = 10
	// StatusFailedCleaned is terminal: failed and cleaned up.
	StatusFailedCleaned Status = 11
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "FAILED"
	case StatusPending:
		return "PENDING"
	case StatusPosted:
		return "POSTED"
	case StatusRetrieved:
		return "RETRIEVED"
	case StatusForwarded:
		return "FORWARDED"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailedCleaned:
		return "FAILED_CLEANED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedCleaned
}

// transitions is the table of legal status advances.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPosted, StatusFailed},
	StatusPosted:    {StatusRetrieved, StatusFailed},
	StatusRetrieved: {StatusForwarded, StatusFailed},
	StatusForwarded: {StatusSucceeded, StatusFailed},
	StatusFailed:    {StatusFailedCleaned},
}

// CanTransition reports whether a task may move from one status to the next.
// A no-op transition (from == next) is always legal.
func CanTransition(from, next Status) bool {
	if from == next {
		return true
	}
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}
