package authcore

import (
	"errors"
	"fmt"
)

// Infrastructure faults. They are the only conditions returned as errors;
// authentication rejections are reported through result types.
var (
	// ErrStoreUnavailable wraps failures of Redis or the identity store.
	ErrStoreUnavailable = errors.New("authcore: store unavailable")
	// ErrDeliveryUnavailable is returned when the delivery collaborator did
	// not accept a one-time code or verification link.
	ErrDeliveryUnavailable = errors.New("authcore: delivery unavailable")
	// ErrInternal covers faults that are neither storage nor delivery, such
	// as exhausted token issuance retries or a signing failure.
	ErrInternal = errors.New("authcore: internal error")
	// ErrEngineNotReady is returned by a nil or half-built Engine.
	ErrEngineNotReady = errors.New("authcore: engine not initialized")
)

// ErrAccessTokenInvalid is returned by [Engine.ValidateAccess] for a token
// that is malformed, expired, wrongly signed or whose session is gone.
var ErrAccessTokenInvalid = errors.New("authcore: invalid access token")

// Second-factor lifecycle errors.
var (
	// ErrSecondFactorEnrolled is returned when enrolment starts for an
	// identity that already has an active second factor.
	ErrSecondFactorEnrolled = errors.New("authcore: second factor already enrolled")
	// ErrSecondFactorNotEnrolled is returned when no active or pending
	// enrolment exists.
	ErrSecondFactorNotEnrolled = errors.New("authcore: second factor not enrolled")
)

// ValidationError reports malformed input. Field and Reason are safe to show
// to the end user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("authcore: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a [ValidationError].
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
