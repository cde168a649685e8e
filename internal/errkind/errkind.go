// Package errkind classifies run failures. Every error that reaches the
// process boundary wraps exactly one of the sentinels below.
package errkind

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks unsupported identifiers, shapes or settings,
	// surfaced at construction time.
	ErrConfiguration = errors.New("configuration error")
	// ErrResource marks network, storage and corrupt-data failures.
	ErrResource = errors.New("resource error")
	// ErrNumerical marks shape mismatches and non-finite values found while
	// running the model.
	ErrNumerical = errors.New("numerical error")
)

// Configf returns a formatted error wrapping ErrConfiguration.
func Configf(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// Resourcef returns a formatted error wrapping ErrResource.
func Resourcef(format string, args ...any) error {
	return wrap(ErrResource, format, args...)
}

// Numericalf returns a formatted error wrapping ErrNumerical.
func Numericalf(format string, args ...any) error {
	return wrap(ErrNumerical, format, args...)
}

// Kind reports which sentinel err wraps, or nil when it wraps none.
func Kind(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrResource, ErrNumerical} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
