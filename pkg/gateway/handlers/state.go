package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/gateway/apierror"
	"github.com/vango-go/voicebook/pkg/gateway/config"
	"github.com/vango-go/voicebook/pkg/gateway/mw"
	"github.com/vango-go/voicebook/pkg/store"
)

// StateBody is the JSON shape of GET and PUT /api/state/{key}.
type StateBody struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// StateHandler serves persisted transcript, book and memory values.
type StateHandler struct {
	Config config.Config
	Store  store.Store
}

func (h StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	key := mux.Vars(r)["key"]
	if !store.ValidKey(key) {
		apierror.Write(w, reqID, core.NewNotFoundError("unknown state key "+key))
		return
	}

	switch r.Method {
	case http.MethodGet:
		v, err := h.Store.Get(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			apierror.Write(w, reqID, core.NewNotFoundError("nothing stored under "+key))
			return
		}
		if err != nil {
			apierror.Write(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, StateBody{Key: key, Value: v})
	case http.MethodPut:
		var body StateBody
		if err := decodeBody(w, r, h.Config.MaxBodyBytes, &body); err != nil {
			apierror.Write(w, reqID, err)
			return
		}
		if err := h.Store.Put(r.Context(), key, body.Value); err != nil {
			apierror.Write(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, StateBody{Key: key, Value: body.Value})
	default:
		methodNotAllowed(w, r)
	}
}
