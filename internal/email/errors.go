package email

import "errors"

// Failure classes. Errors returned by this module wrap one of these so
// callers can branch with errors.Is.
var (
	ErrPrecondition    = errors.New("precondition failed")
	ErrResource        = errors.New("resource unavailable")
	ErrConnection      = errors.New("connection failed")
	ErrProtocol        = errors.New("smtp protocol error")
	ErrTLS             = errors.New("tls negotiation failed")
	ErrAuthConfig      = errors.New("authentication misconfigured")
	ErrLocalSubmission = errors.New("local submission failed")
	ErrTimeout         = errors.New("timeout")
	ErrConfig          = errors.New("invalid configuration")
)
