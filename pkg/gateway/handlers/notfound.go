package handlers

import (
	"net/http"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeError(w, reqID, &core.Error{Type: core.ErrNotFound, Message: "not found"}, http.StatusNotFound)
}

type MethodNotAllowedHandler struct{}

func (h MethodNotAllowedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	methodNotAllowed(w, r)
}
