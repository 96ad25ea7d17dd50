package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

const (
	ToolSetMemory  = "set_memory"
	ToolGetWeather = "get_weather"

	DefaultWeatherBaseURL = "https://api.open-meteo.com"
)

type setMemoryArgs struct {
	Key   string `json:"key" jsonschema:"description=Memory key to set. Lowercase with underscores only."`
	Value string `json:"value" jsonschema:"description=Value to store. Any string."`
}

type getWeatherArgs struct {
	Lat      float64 `json:"lat" jsonschema:"description=Latitude"`
	Lng      float64 `json:"lng" jsonschema:"description=Longitude"`
	Location string  `json:"location" jsonschema:"description=Name of the location"`
}

// ReflectParameters builds a JSON schema object from an argument struct. Fields without omitempty
// are required.
func ReflectParameters(v any) (map[string]any, error) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	raw, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// Memory is the key/value store behind set_memory. OnChange receives a copy after every write.
type Memory struct {
	mu       sync.Mutex
	values   map[string]string
	OnChange func(map[string]string)
}

func NewMemory(initial map[string]string) *Memory {
	m := &Memory{values: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	snap := m.snapshotLocked()
	onChange := m.OnChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(snap)
	}
}

func (m *Memory) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Memory) snapshotLocked() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// RegisterMemory installs set_memory backed by mem.
func RegisterMemory(d *Dispatcher, mem *Memory) error {
	params, err := ReflectParameters(&setMemoryArgs{})
	if err != nil {
		return err
	}
	return d.Register(ToolSetMemory, Schema{
		Description: "Saves important data about the user into memory.",
		Parameters:  params,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		key, _ := args["key"].(string)
		value, _ := args["value"].(string)
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("key must be non-empty")
		}
		mem.Set(key, value)
		return map[string]bool{"ok": true}, nil
	})
}

// WeatherClient fetches current conditions from an Open-Meteo compatible endpoint.
type WeatherClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Current returns the decoded "current" block for the coordinates.
func (c WeatherClient) Current(ctx context.Context, lat, lng float64) (map[string]any, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = DefaultWeatherBaseURL
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("current", "temperature_2m,wind_speed_10m")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather endpoint returned %d", resp.StatusCode)
	}
	var decoded struct {
		Current map[string]any `json:"current"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	return decoded.Current, nil
}

// RegisterWeather installs get_weather.
func RegisterWeather(d *Dispatcher, client WeatherClient) error {
	params, err := ReflectParameters(&getWeatherArgs{})
	if err != nil {
		return err
	}
	return d.Register(ToolGetWeather, Schema{
		Description: "Retrieves the weather for a given lat, lng coordinate pair. Specify a label for the location.",
		Parameters:  params,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		lat, _ := args["lat"].(float64)
		lng, _ := args["lng"].(float64)
		location, _ := args["location"].(string)
		current, err := client.Current(ctx, lat, lng)
		if err != nil {
			return nil, err
		}
		return map[string]any{"location": location, "current": current}, nil
	})
}
