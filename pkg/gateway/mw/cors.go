package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/voicebook/pkg/core"
)

// CORSPolicy is the browser access policy for the book and state endpoints. Origins holds exact
// origins, or "*" to accept any. An empty policy sends no CORS headers at all.
type CORSPolicy struct {
	Origins map[string]struct{}
	MaxAge  time.Duration
}

const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, X-Request-ID"
	corsExposed = "X-Request-ID"
)

func (p CORSPolicy) enabled() bool { return len(p.Origins) > 0 }

func (p CORSPolicy) allows(origin string) bool {
	if origin == "" || !p.enabled() {
		return false
	}
	if _, ok := p.Origins["*"]; ok {
		return true
	}
	_, ok := p.Origins[origin]
	return ok
}

func CORS(p CORSPolicy, next http.Handler) http.Handler {
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		if !p.allows(origin) {
			if preflight {
				reqID, _ := RequestIDFrom(r.Context())
				writeJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrInvalidRequest,
					Message:   "origin not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if preflight {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", strconv.Itoa(int(maxAge/time.Second)))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.Set("Access-Control-Expose-Headers", corsExposed)
		next.ServeHTTP(w, r)
	})
}
