// Package apierr defines the gateway's typed error kinds and the HTTP
// status/JSON body each one renders as. Grounded on the ServerError enum
// in the original implementation (prompt_gateway/src and llm_gateway/src
// error.rs-equivalent modules): every place that can fail classifies the
// failure into one of a small fixed set of kinds, rather than returning
// an arbitrary wrapped error up to the HTTP layer.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error into the handful of outcomes the HTTP
// layer needs to distinguish.
type Kind int

const (
	// KindBadRequest is a malformed or semantically invalid client
	// request: unparseable JSON, an unknown model with no default
	// provider, a prompt target referencing an undeclared parameter.
	KindBadRequest Kind = iota
	// KindDeserialization is a failure to parse an upstream response
	// body (the function-calling model, a prompt-target endpoint, or
	// the resolved LLM provider all returned something this gateway
	// doesn't understand).
	KindDeserialization
	// KindUpstream is a well-formed-but-failing call to an upstream
	// dependency: non-2xx from the LLM provider or from a developer
	// endpoint.
	KindUpstream
	// KindExceededRatelimit means the request would push a model/selector
	// pair over its configured token budget.
	KindExceededRatelimit
	// KindHTTPDispatch is a transport-level failure dispatching an
	// outbound call (DNS, connect, timeout) rather than the remote end
	// replying with an error status.
	KindHTTPDispatch
	// KindLogic is an internal invariant violation: a callout token with
	// no matching StreamCallContext, a prompt target resolved to a
	// handler type it doesn't support. These indicate a bug in the
	// gateway itself, not a bad request or a flaky upstream.
	KindLogic
)

// Error is the gateway's standard error type. Every package that can
// fail in a way the HTTP layer must render returns one of these instead
// of a bare error, so the final response body and status code are
// determined once, in one place.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, if any; not serialized to the client
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps a Kind to the HTTP status the gateway replies with.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindBadRequest, KindDeserialization:
		return http.StatusBadRequest
	case KindExceededRatelimit:
		return http.StatusTooManyRequests
	case KindUpstream, KindHTTPDispatch:
		return http.StatusBadGateway
	case KindLogic:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// BadRequest is a convenience constructor for the common case.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// As-style helper: returns the *Error in the chain, defaulting to an
// internal KindLogic wrapper if err isn't already one of ours. Handlers
// use this so any stray error returned from deep inside a call chain
// still renders as a well-formed response instead of leaking a 500 with
// no body.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindLogic, Message: "internal error", Err: err}
}

// body is the JSON shape every gateway error response shares.
type body struct {
	Error string `json:"error"`
}

// WriteJSON renders err as the gateway's standard error response: the
// status code its Kind maps to, and a single "error" string field. The
// wrapped cause (if any) is never included in the response body — it's
// for server-side logs only.
func WriteJSON(w http.ResponseWriter, err error) {
	e := Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	json.NewEncoder(w).Encode(body{Error: e.Message})
}
