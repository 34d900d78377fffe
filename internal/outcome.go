package internal

import "fmt"

// OutcomeKind tags a FetchOutcome
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotFound
	OutcomeAlreadyRemoved
	OutcomeBadStatus
	OutcomeTransportError
)

// String returns the string representation of OutcomeKind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeNotFound:
		return "NotFound"
	case OutcomeAlreadyRemoved:
		return "AlreadyRemoved"
	case OutcomeBadStatus:
		return "BadStatus"
	case OutcomeTransportError:
		return "TransportError"
	default:
		return "Unknown"
	}
}

// FetchOutcome is the per-item result of a batch fetch. Exactly one variant is populated:
// Value for Success, StatusCode for BadStatus, Err for TransportError.
type FetchOutcome[R any] struct {
	Kind       OutcomeKind
	Value      R
	StatusCode int
	Err        error
}

// Success wraps a fetched value
func Success[R any](value R) FetchOutcome[R] {
	return FetchOutcome[R]{Kind: OutcomeSuccess, Value: value}
}

// NotFound marks a target the server no longer has
func NotFound[R any]() FetchOutcome[R] {
	return FetchOutcome[R]{Kind: OutcomeNotFound, StatusCode: 404}
}

// AlreadyRemoved marks a target deleted locally while its fetch was pending
func AlreadyRemoved[R any]() FetchOutcome[R] {
	return FetchOutcome[R]{Kind: OutcomeAlreadyRemoved}
}

// BadStatus carries a non-2xx, non-404 status code
func BadStatus[R any](code int) FetchOutcome[R] {
	return FetchOutcome[R]{Kind: OutcomeBadStatus, StatusCode: code}
}

// TransportFailure carries the cause of a failed fetch
func TransportFailure[R any](cause error) FetchOutcome[R] {
	return FetchOutcome[R]{Kind: OutcomeTransportError, Err: cause}
}

// OutcomeFromError maps the error taxonomy onto outcome variants. Anything that is not a
// server status or a local removal becomes TransportError.
func OutcomeFromError[R any](err error) FetchOutcome[R] {
	switch ErrorTypeOf(err) {
	case ErrNotFoundOnServer:
		return NotFound[R]()
	case ErrAlreadyRemoved:
		return AlreadyRemoved[R]()
	case ErrBadStatus:
		return BadStatus[R](StatusCodeOf(err))
	default:
		return TransportFailure[R](err)
	}
}

// IsSuccess reports whether the outcome carries a value
func (o FetchOutcome[R]) IsSuccess() bool {
	return o.Kind == OutcomeSuccess
}

// String returns a short description of the outcome
func (o FetchOutcome[R]) String() string {
	switch o.Kind {
	case OutcomeBadStatus:
		return fmt.Sprintf("BadStatus(%d)", o.StatusCode)
	case OutcomeTransportError:
		return fmt.Sprintf("TransportError(%v)", o.Err)
	default:
		return o.Kind.String()
	}
}
