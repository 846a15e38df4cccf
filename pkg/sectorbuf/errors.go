package sectorbuf

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by sectorbuf operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, sectorbuf.ErrFreed) {
//	    // a handle outlived its buffer
//	}
var (
	// ErrFreed indicates the buffer was used after [Buffer.Free].
	//
	// Every operation on a freed buffer returns this, including a second
	// Free. The concrete error is a [*FreedError] carrying the call site
	// of the Free that invalidated the buffer.
	//
	// This is a programming error in the caller, not a recoverable
	// runtime condition.
	ErrFreed = errors.New("sectorbuf: use after free")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// Common causes: negative offset, negative truncation size.
	// The buffer is left exactly as it was before the failed call.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("sectorbuf: invalid input")
)

// FreedError is returned by every operation on a freed [Buffer].
//
// It satisfies errors.Is(err, ErrFreed) and records where Free was called,
// so a use-after-free failure points back at the release that caused it.
type FreedError struct {
	// FreedAt is the call site of the Free call, as "file:line".
	FreedAt string
}

func (e *FreedError) Error() string {
	if e.FreedAt == "" {
		return ErrFreed.Error()
	}

	return fmt.Sprintf("%v (freed at %s)", ErrFreed, e.FreedAt)
}

func (e *FreedError) Unwrap() error {
	return ErrFreed
}
