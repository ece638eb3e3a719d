// Package utils holds small helpers shared across packages.
package utils

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrorIsAnyOf reports whether errors.Is matches err against any of targets.
func ErrorIsAnyOf(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func ToZeroLogArray[T fmt.Stringer](arr []T) (ret *zerolog.Array) {
	ret = zerolog.Arr()

	for _, elem := range arr {
		ret = ret.Str(elem.String())
	}

	return ret
}

// Reverse returns a reversed copy of s.
func Reverse[S ~[]E, E any](s S) S {
	out := make(S, len(s))

	for i, v := range s {
		out[len(s)-1-i] = v
	}

	return out
}
