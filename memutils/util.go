package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// MaxPow2 is the largest power of two a uint64 holds. NextPow2 wraps to zero above it.
const MaxPow2 uint64 = 1 << 63

// NextPow2 returns the smallest power of two that is greater than or equal to value. Values
// above MaxPow2 have no such power and return 0.
func NextPow2(value uint64) uint64 {
	if value <= 1 {
		return 1
	}

	value--
	value |= value >> 1
	value |= value >> 2
	value |= value >> 4
	value |= value >> 8
	value |= value >> 16
	value |= value >> 32
	return value + 1
}
