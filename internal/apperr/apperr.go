package apperr

import (
	"errors"
	"net/http"
)

// Kind is the error taxonomy shared by every component. Handlers use it to
// pick an HTTP status or websocket error code; callers use it to decide
// whether a retry makes sense.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "state_conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Wire error codes carried by the "error" envelope.
const (
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeConversationDisabled = "CONVERSATION_DISABLED"
	CodeSendFailed           = "SEND_FAILED"
	CodeUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeStateConflict        = "STATE_CONFLICT"
	CodeCallNotFound         = "CALL_NOT_FOUND"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInternal             = "INTERNAL"
)

// Error is a classified sentinel. Packages declare their sentinels with New
// and wrap them with fmt.Errorf("...: %w", err) as usual.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string { return e.Msg }

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the wire code of the first classified error in the chain,
// or fallback when the chain carries none.
func CodeOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return fallback
}

// HTTPStatus maps an error to the status code the REST handlers reply with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
