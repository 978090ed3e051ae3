package stm

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted matches every *AbortError.
	ErrAborted = errors.New("stm: transaction aborted")

	// ErrNotInTransaction is returned by methods of a finished Tx.
	ErrNotInTransaction = errors.New("stm: not in a transaction")

	// ErrThreadBusy is returned when a thread already runs a transaction.
	ErrThreadBusy = errors.New("stm: thread already in a transaction")

	// ErrUnregistered is returned for a ThreadLocal that is not registered.
	ErrUnregistered = errors.New("stm: thread not registered")

	// ErrClosed is returned once the runtime is closed.
	ErrClosed = errors.New("stm: runtime closed")

	// ErrInvalidRef is returned for a Ref outside the heap.
	ErrInvalidRef = errors.New("stm: invalid reference")
)

// internal wait outcomes
var (
	errDoomed      = errors.New("stm: rolled back by another segment")
	errWaitTimeout = errors.New("stm: contention wait timed out")
)

// AbortKind says why a transaction was rolled back.
type AbortKind int

const (
	AbortExplicit AbortKind = iota
	AbortWriteWrite
	AbortWriteRead
	AbortInevitable
	AbortCanceled
)

func (k AbortKind) String() string {
	switch k {
	case AbortExplicit:
		return "explicit"
	case AbortWriteWrite:
		return "write-write"
	case AbortWriteRead:
		return "write-read"
	case AbortInevitable:
		return "inevitable"
	case AbortCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("AbortKind(%d)", int(k))
	}
}

// AbortError reports a rolled-back transaction.
type AbortError struct {
	Kind    AbortKind
	Reason  string
	Attempt int
	cause   error
}

func (e *AbortError) Error() string {
	msg := "stm: transaction aborted (" + e.Kind.String() + ")"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrAborted) hold.
func (e *AbortError) Is(target error) bool { return target == ErrAborted }

// Unwrap returns the context error of AbortCanceled aborts.
func (e *AbortError) Unwrap() error { return e.cause }

// IsAbort reports whether err is an *AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// FatalError is the panic value for unrecoverable conditions.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "stm: fatal: " + e.Op + ": " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }
