// Package errors defines the error taxonomy shared by all components.
// Handlers map these kinds onto HTTP status codes; internal components
// never surface errors outside this set.
package errors

type ValidationError struct {
	Msg string // description of error
}

func (e *ValidationError) Error() string { return e.Msg }

type NotFoundError struct {
	Msg string // description of error
}

func (e *NotFoundError) Error() string { return e.Msg }

// ConflictError indicates an illegal state transition, for example
// cancelling an execution that already reached a terminal status.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// StoreUnavailableError indicates the persistence layer is not ready.
type StoreUnavailableError struct {
	Msg string
}

func (e *StoreUnavailableError) Error() string { return e.Msg }

// IOError indicates a disk problem while writing logs or artifacts.
type IOError struct {
	Msg string
}

func (e *IOError) Error() string { return e.Msg }

// ChildProcessError indicates the child could not be spawned or was
// killed by a signal. It is recorded on the execution, never returned
// to HTTP callers.
type ChildProcessError struct {
	Msg string
}

func (e *ChildProcessError) Error() string { return e.Msg }

// OverloadError indicates a subscriber exceeded its outbound queue
// high-water mark and was disconnected.
type OverloadError struct {
	Msg string
}

func (e *OverloadError) Error() string { return e.Msg }

// TimeoutError indicates the wall-clock limit for an execution was
// exceeded. Treated as a cancel whose reason is "timeout".
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string { return e.Msg }
