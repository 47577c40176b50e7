package cache

import (
	"errors"

	"github.com/google/uuid"
)

// Status is the outcome class of a cache operation.
type Status string

const (
	// StatusDone means the operation did what it was asked to.
	StatusDone Status = "done"
	// StatusNoop means there was nothing to do; not an error.
	StatusNoop Status = "noop"
	// StatusFailed means the operation aborted.
	StatusFailed Status = "failed"
)

// Result is returned by every Manager operation instead of printing
// messages for later display. Callers decide how to render it.
type Result struct {
	ID      uuid.UUID `json:"id"`
	Op      string    `json:"op"`
	Status  Status    `json:"status"`
	Count   int       `json:"count"`
	Err     error     `json:"-"`
	Message string    `json:"message,omitempty"`
}

// OK reports whether the operation completed and changed something. Noop and
// failed results are not OK.
func (r Result) OK() bool {
	return r.Status == StatusDone
}

// Kind returns the error message of r.Err for serialization, or "".
func (r Result) Kind() string {
	if r.Err == nil {
		return ""
	}
	for _, sentinel := range []error{
		ErrMissingCacheRoot,
		ErrNoSourceURL,
		ErrUndeterminedPattern,
		ErrNothingMatched,
		ErrMetaKeyUnset,
		ErrNoMetaStore,
		ErrUnknownAction,
	} {
		if errors.Is(r.Err, sentinel) {
			return sentinel.Error()
		}
	}
	return r.Err.Error()
}

func done(count int, msg string) Result {
	return Result{Status: StatusDone, Count: count, Message: msg}
}

func noop(err error, msg string) Result {
	return Result{Status: StatusNoop, Err: err, Message: msg}
}

func failed(err error, msg string) Result {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return Result{Status: StatusFailed, Err: err, Message: msg}
}
