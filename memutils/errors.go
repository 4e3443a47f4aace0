package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOpenFailure marks errors produced while opening or mapping a backing file
var ErrOpenFailure error = errors.New("backing region could not be opened")

// ErrCorruption marks errors produced when an allocator's persisted structure is found to be
// inconsistent, such as a free of a pointer that was never allocated or a free-list entry
// that is out of range
var ErrCorruption error = errors.New("allocator structure is corrupt")

// ErrCapacityExceeded marks allocation failures caused by a request that is larger than the
// allocator can ever satisfy, or that cannot be satisfied without growth the caller has disabled
var ErrCapacityExceeded error = errors.New("allocation capacity exceeded")
