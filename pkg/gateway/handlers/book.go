package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/voicebook/pkg/book"
	"github.com/vango-go/voicebook/pkg/gateway/apierror"
	"github.com/vango-go/voicebook/pkg/gateway/config"
	"github.com/vango-go/voicebook/pkg/gateway/metrics"
	"github.com/vango-go/voicebook/pkg/gateway/mw"
)

// BookHandler serves POST /api/book.
type BookHandler struct {
	Config    config.Config
	Generator book.Generator
	Logger    *slog.Logger
}

func (h BookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}

	var req book.Request
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req); err != nil {
		apierror.Write(w, reqID, err)
		return
	}
	kind := "chat"
	if req.IsBookGeneration {
		kind = "book"
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}
	resp, err := h.Generator.Generate(ctx, req)
	if err != nil {
		metrics.BookRequests.WithLabelValues(kind, "error").Inc()
		if h.Logger != nil {
			h.Logger.Warn("book generation failed", "request_id", reqID, "kind", kind, "error", err)
		}
		apierror.Write(w, reqID, err)
		return
	}
	metrics.BookRequests.WithLabelValues(kind, "ok").Inc()
	writeJSON(w, http.StatusOK, resp)
}
