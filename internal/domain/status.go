package domain

import "fmt"

type TaskStatus string

const (
	StatusUploadError   TaskStatus = "UPERR"
	StatusWaiting       TaskStatus = "WT"
	StatusTransferError TaskStatus = "WTERR"
	StatusPending       TaskStatus = "PENDING"
	StatusPublished     TaskStatus = "RES"
	StatusRejected      TaskStatus = "REJ"
)

var AllStatuses = []TaskStatus{
	StatusUploadError,
	StatusWaiting,
	StatusTransferError,
	StatusPending,
	StatusPublished,
	StatusRejected,
}

// engine-driven edges; resubmission is handled separately by CanResubmit
var transitions = map[TaskStatus][]TaskStatus{
	StatusWaiting: {StatusPending, StatusTransferError},
	StatusPending: {StatusPublished, StatusRejected},
}

func ParseStatus(s string) (TaskStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusUploadError, StatusTransferError, StatusPublished, StatusRejected:
		return true
	}
	return false
}

func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatus returns the status a task in stage moves to after its device
// operation finished with ok. The second result is false for non-stage
// statuses.
func NextStatus(stage TaskStatus, ok bool) (TaskStatus, bool) {
	switch stage {
	case StatusWaiting:
		if ok {
			return StatusPending, true
		}
		return StatusTransferError, true
	case StatusPending:
		if ok {
			return StatusPublished, true
		}
		return StatusRejected, true
	}
	return "", false
}

// CanResubmit reports whether an explicit resubmission may reset a task in s
// back to WT. Tasks still in a stage are owned by the engine.
func CanResubmit(s TaskStatus) bool {
	return s.Terminal()
}
