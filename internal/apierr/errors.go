// Package apierr defines the error taxonomy shared by the OAuth server,
// upstream client and orchestrator. Each kind carries the OAuth 2.1 error
// code and HTTP status that handlers translate it into at the edge.
package apierr

import "fmt"

// Kind identifies the category of a bridge error.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindInvalidGrant        Kind = "invalid_grant"
	KindInvalidClient       Kind = "invalid_client"
	KindInvalidScope        Kind = "invalid_scope"
	KindUnsupportedGrant    Kind = "unsupported_grant_type"
	KindInvalidToken        Kind = "invalid_token"
	KindInsufficientScope   Kind = "insufficient_scope"
	KindUpstreamTokenInvalid Kind = "upstream_token_invalid"
	KindUpstreamError       Kind = "upstream_error"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindStorageError        Kind = "storage_error"
	KindServerError         Kind = "server_error"
)

// httpStatus maps each kind to the HTTP status code it is written with.
var httpStatus = map[Kind]int{
	KindInvalidRequest:      400,
	KindInvalidGrant:        400,
	KindInvalidClient:       400,
	KindInvalidScope:        400,
	KindUnsupportedGrant:    400,
	KindInvalidToken:        401,
	KindInsufficientScope:   403,
	KindUpstreamTokenInvalid: 401,
	KindUpstreamError:       502,
	KindUpstreamTimeout:     504,
	KindStorageError:        500,
	KindServerError:         500,
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code conventionally associated with e.Kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NewInvalidRequest(message string, cause error) *Error {
	return New(KindInvalidRequest, message, cause)
}

func NewInvalidGrant(message string, cause error) *Error {
	return New(KindInvalidGrant, message, cause)
}

func NewInvalidClient(message string, cause error) *Error {
	return New(KindInvalidClient, message, cause)
}

func NewInvalidScope(message string, cause error) *Error {
	return New(KindInvalidScope, message, cause)
}

func NewUnsupportedGrant(message string, cause error) *Error {
	return New(KindUnsupportedGrant, message, cause)
}

func NewInvalidToken(message string, cause error) *Error {
	return New(KindInvalidToken, message, cause)
}

func NewInsufficientScope(message string, cause error) *Error {
	return New(KindInsufficientScope, message, cause)
}

func NewUpstreamTokenInvalid(message string, cause error) *Error {
	return New(KindUpstreamTokenInvalid, message, cause)
}

func NewUpstreamError(message string, cause error) *Error {
	return New(KindUpstreamError, message, cause)
}

func NewUpstreamTimeout(message string, cause error) *Error {
	return New(KindUpstreamTimeout, message, cause)
}

func NewStorageError(message string, cause error) *Error {
	return New(KindStorageError, message, cause)
}

func NewServerError(message string, cause error) *Error {
	return New(KindServerError, message, cause)
}

func isKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == kind
}

func IsInvalidRequest(err error) bool      { return isKind(err, KindInvalidRequest) }
func IsInvalidGrant(err error) bool        { return isKind(err, KindInvalidGrant) }
func IsInvalidClient(err error) bool       { return isKind(err, KindInvalidClient) }
func IsInvalidScope(err error) bool        { return isKind(err, KindInvalidScope) }
func IsUnsupportedGrant(err error) bool    { return isKind(err, KindUnsupportedGrant) }
func IsInvalidToken(err error) bool        { return isKind(err, KindInvalidToken) }
func IsInsufficientScope(err error) bool   { return isKind(err, KindInsufficientScope) }
func IsUpstreamTokenInvalid(err error) bool { return isKind(err, KindUpstreamTokenInvalid) }
func IsUpstreamError(err error) bool       { return isKind(err, KindUpstreamError) }
func IsUpstreamTimeout(err error) bool     { return isKind(err, KindUpstreamTimeout) }
func IsStorageError(err error) bool        { return isKind(err, KindStorageError) }
func IsServerError(err error) bool         { return isKind(err, KindServerError) }

// As extracts *Error from err if present.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
