package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/voicebook/pkg/core"
)

// HTTP reads and writes state through a gateway's /api/state/{key} endpoints.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTP(baseURL string, httpClient *http.Client) *HTTP {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type stateBody struct {
	Value string `json:"value"`
}

func (h *HTTP) Get(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(key), nil)
	if err != nil {
		return "", err
	}
	var body stateBody
	if err := h.do(req, &body); err != nil {
		return "", err
	}
	return body.Value, nil
}

func (h *HTTP) Put(ctx context.Context, key, value string) error {
	payload, err := json.Marshal(stateBody{Value: value})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.url(key), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, nil)
}

func (h *HTTP) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

func (h *HTTP) url(key string) string {
	return h.baseURL + "/api/state/" + url.PathEscape(key)
}

func (h *HTTP) do(req *http.Request, out any) error {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return core.NewConnectionError("state request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		var env struct {
			Error *core.Error `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			return env.Error
		}
		return core.NewAPIError(fmt.Sprintf("state request returned status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewAPIError("invalid state response: " + err.Error())
	}
	return nil
}
