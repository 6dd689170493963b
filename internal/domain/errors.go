package domain

// ErrorKind classifies failures surfaced to the UI layer.
type ErrorKind string

const (
	ErrKindTierDenied           ErrorKind = "tier_denied"
	ErrKindBusy                 ErrorKind = "busy"
	ErrKindProviderFailure      ErrorKind = "provider_failure"
	ErrKindBackendFailure       ErrorKind = "backend_failure"
	ErrKindInsufficientBalance  ErrorKind = "insufficient_balance"
	ErrKindAmbiguousGiftOutcome ErrorKind = "ambiguous_gift_outcome"
	ErrKindValidationFailure    ErrorKind = "validation_failure"
)

// KindError pairs an ErrorKind with the underlying error for UI propagation.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}
