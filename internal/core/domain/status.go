package domain

var allowedTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusScraped:  true,
		StatusCanceled: true,
	},
	StatusScraped: {
		StatusProcessing: true,
		StatusCanceled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusCanceled:  true,
		StatusFailed:    true,
	},
	StatusCompleted: {
		StatusProcessing: true,
	},
	StatusFailed: {
		StatusProcessing: true,
		StatusCanceled:   true,
	},
	StatusCanceled: {},
}

// CanTransition reports whether a Job may move from one status to another.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves the job to the given status or returns an
// InvalidTransitionError leaving the job untouched.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return &InvalidTransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	return nil
}

// IsTerminal reports whether no further work is expected for the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}
