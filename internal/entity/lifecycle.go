package entity

var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusQueued, StatusSubmitted, StatusProcessing, StatusFailed},
	StatusQueued:     {StatusSubmitted, StatusProcessing, StatusFailed},
	StatusSubmitted:  {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in a non-terminal status is allowed so field-only updates can still
// be expressed as compare-and-set on status. Terminal statuses never move.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
