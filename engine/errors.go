// engine/errors.go
//
// Error taxonomy for the runtime. Recoverable conditions are sentinel errors
// wrapped with fmt.Errorf("%w"); callers classify with errors.Is.

package engine

import "errors"

var (
	// ErrInvalidConfig is returned by constructors when configuration
	// parameters are out of range. Aborts initialization.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidSamplingParams rejects a request at submission time.
	ErrInvalidSamplingParams = errors.New("invalid sampling parameters")

	// ErrAllocatorOOM means no contiguous free run of the requested size
	// exists. Local to one admission attempt.
	ErrAllocatorOOM = errors.New("no contiguous free block region")

	// ErrCacheCapacity means a sequence would exceed its allocated token
	// capacity. Terminates that request with a "capacity" stop.
	ErrCacheCapacity = errors.New("sequence kv capacity exhausted")

	// ErrBackendFailure wraps any fault raised by the backend during
	// Prefill or Decode, including recovered panics.
	ErrBackendFailure = errors.New("backend failure")

	// ErrDoubleFree reports a Free on a block range that is not fully
	// allocated. Always a logic error in the caller.
	ErrDoubleFree = errors.New("block range already free")
)
