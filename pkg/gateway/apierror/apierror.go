// Package apierror renders errors from the book and state endpoints as {"error": {...}} envelopes.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/store"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// rule maps a recognizable error to a canonical one. The first matching rule wins.
type rule struct {
	match  func(error) bool
	status int
	err    core.Error
}

var rules = []rule{
	{
		match:  func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
		status: http.StatusGatewayTimeout,
		err:    core.Error{Type: core.ErrUpstream, Message: "timed out waiting for the model", Code: "timeout"},
	},
	{
		match:  func(err error) bool { return errors.Is(err, context.Canceled) },
		status: http.StatusRequestTimeout,
		err:    core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"},
	},
	{
		match:  func(err error) bool { return errors.Is(err, store.ErrNotFound) },
		status: http.StatusNotFound,
		err:    core.Error{Type: core.ErrNotFound, Message: "nothing stored under this key"},
	},
	{
		match: func(err error) bool {
			var tooBig *http.MaxBytesError
			return errors.As(err, &tooBig)
		},
		status: http.StatusRequestEntityTooLarge,
		err:    core.Error{Type: core.ErrInvalidRequest, Message: "request body too large", Code: "body_too_large"},
	},
	{
		match: func(err error) bool {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
		},
		status: http.StatusBadRequest,
		err:    core.Error{Type: core.ErrInvalidRequest, Message: "request body is not valid JSON"},
	},
}

// FromError returns the envelope error and HTTP status for err. Errors nothing recognizes become
// an opaque internal error.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFromType(coreErr.Type)
	}

	for _, r := range rules {
		if r.match(err) {
			out := r.err
			out.RequestID = requestID
			return &out, r.status
		}
	}

	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Write renders err as a JSON envelope.
func Write(w http.ResponseWriter, requestID string, err error) {
	coreErr, status := FromError(err, requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: coreErr})
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest, core.ErrTool, core.ErrProtocol:
		return http.StatusBadRequest
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrInvalidState:
		return http.StatusConflict
	case core.ErrConnection, core.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
