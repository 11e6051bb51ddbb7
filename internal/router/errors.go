package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackendUnavailable means the backend is marked unavailable, its circuit
	// is open, or it is not registered.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrCostLimitExceeded means the estimated cost would break the daily or per-task limit.
	ErrCostLimitExceeded = errors.New("cost limit exceeded")
	// ErrAllBackendsExhausted means every candidate failed or was skipped.
	ErrAllBackendsExhausted = errors.New("all backends exhausted")
	// ErrNoBackends means nothing is registered.
	ErrNoBackends = errors.New("no backends registered")
)

// ExhaustedError reports every candidate the router tried and why each was
// skipped or failed. It matches both ErrAllBackendsExhausted and the last
// underlying error with errors.Is.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllBackendsExhausted.Error())
	if len(e.Attempts) > 0 {
		b.WriteString(": ")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s %s", a.Backend, a.Outcome)
			if a.Error != "" {
				fmt.Fprintf(&b, " (%s)", a.Error)
			}
		}
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllBackendsExhausted}
	}
	return []error{ErrAllBackendsExhausted, e.Last}
}
