package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDefaultDevice is returned when the OS has no default endpoint for the requested flow and role
	ErrNoDefaultDevice = errors.New("no default audio device found")

	// ErrSessionNotFound is returned when no active audio session belongs to the requested process.
	// this is a normal condition (the process simply isn't playing anything right now)
	ErrSessionNotFound = errors.New("no audio session for process")

	// ErrUnavailable marks a master volume operation that could not resolve its control
	ErrUnavailable = errors.New("volume control unavailable")

	// ErrUnsupportedVariantKind matches any *UnsupportedVariantKindError
	ErrUnsupportedVariantKind = errors.New("unsupported property variant kind")

	// ErrActivationFailed matches any *ActivationError
	ErrActivationFailed = errors.New("endpoint activation failed")

	// ErrForeignCallFailed matches any *ForeignCallError
	ErrForeignCallFailed = errors.New("foreign call failed")
)

// UnsupportedVariantKindError carries the type tag of a property variant we refuse to guess at
type UnsupportedVariantKindError struct {
	Tag VarType
}

func (e *UnsupportedVariantKindError) Error() string {
	return fmt.Sprintf("unsupported property variant kind %d", uint16(e.Tag))
}

func (e *UnsupportedVariantKindError) Is(target error) bool {
	return target == ErrUnsupportedVariantKind
}

// ActivationError is returned when an endpoint refuses to hand out a capability
type ActivationError struct {
	EndpointID string
	Capability string
	Err        error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate %s on endpoint %q: %v", e.Capability, e.EndpointID, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

func (e *ActivationError) Is(target error) bool {
	return target == ErrActivationFailed
}

// ForeignCallError wraps a non-zero status code from an OS call that isn't otherwise classified
type ForeignCallError struct {
	Op   string
	Code uint32
}

func (e *ForeignCallError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%08X", e.Op, e.Code)
}

func (e *ForeignCallError) Is(target error) bool {
	return target == ErrForeignCallFailed
}

// unavailable wraps a resolution failure so callers can match both ErrUnavailable and the root cause
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
