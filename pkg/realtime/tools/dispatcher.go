// Package tools maps function-call names from the realtime endpoint to local handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vango-go/voicebook/pkg/core"
	"github.com/vango-go/voicebook/pkg/realtime/protocol"
)

// Handler executes one tool call. The returned value is JSON-encoded into the result output.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Schema describes a tool for the endpoint. Parameters is a JSON schema object.
type Schema struct {
	Description string
	Parameters  map[string]any
}

// Call is a function-call request issued by the endpoint.
type Call struct {
	CallID    string
	Name      string
	Arguments string
}

// Result is posted back upstream tagged with the originating call id.
type Result struct {
	CallID string
	Name   string
	Output string
	Err    *core.Error
}

type entry struct {
	name     string
	schema   Schema
	compiled *gojsonschema.Schema
	handler  Handler
}

// Dispatcher is the tool registry. Registering an existing name replaces it.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	byName map[string]*entry
	issued map[string]struct{}

	wg sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger,
		byName: make(map[string]*entry),
		issued: make(map[string]struct{}),
	}
}

// Register adds or replaces a tool.
func (d *Dispatcher) Register(name string, schema Schema, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.NewInvalidRequestErrorWithParam("tool name must be non-empty", "name")
	}
	if handler == nil {
		return core.NewInvalidRequestErrorWithParam("tool handler must be non-nil", "handler")
	}
	if schema.Parameters == nil {
		schema.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema.Parameters))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	d.mu.Lock()
	d.byName[name] = &entry{name: name, schema: schema, compiled: compiled, handler: handler}
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.byName))
	for name := range d.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns the registered tools in name order, ready for session.update.
func (d *Dispatcher) Definitions() []protocol.ToolDefinition {
	names := d.Names()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.ToolDefinition, 0, len(names))
	for _, name := range names {
		e, ok := d.byName[name]
		if !ok {
			continue
		}
		out = append(out, protocol.ToolDefinition{
			Type:        "function",
			Name:        e.name,
			Description: e.schema.Description,
			Parameters:  e.schema.Parameters,
		})
	}
	return out
}

// Reset drops every registration and the issued call ids.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.byName = make(map[string]*entry)
	d.issued = make(map[string]struct{})
	d.mu.Unlock()
}

// Dispatch runs the call on its own goroutine and hands exactly one Result to post. A call id seen
// before is ignored and Dispatch returns false.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, post func(Result)) bool {
	callID := strings.TrimSpace(call.CallID)
	if callID == "" || post == nil {
		return false
	}

	d.mu.Lock()
	if _, dup := d.issued[callID]; dup {
		d.mu.Unlock()
		return false
	}
	d.issued[callID] = struct{}{}
	e := d.byName[call.Name]
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		post(d.execute(ctx, e, call))
	}()
	return true
}

// Wait blocks until every dispatched call has posted its result.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, e *entry, call Call) (res Result) {
	res = Result{CallID: call.CallID, Name: call.Name}
	if e == nil {
		return failed(res, core.NewToolError(fmt.Sprintf("unknown tool %q", call.Name), nil))
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return failed(res, core.NewToolError("arguments are not a JSON object", err))
		}
	}
	if err := validateArgs(e.compiled, args); err != nil {
		return failed(res, err)
	}

	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("tool handler panic", "tool", call.Name, "call_id", call.CallID, "panic", v)
			res = failed(Result{CallID: call.CallID, Name: call.Name}, core.NewToolError(fmt.Sprintf("tool %q failed", call.Name), nil))
		}
	}()

	out, err := e.handler(ctx, args)
	if err != nil {
		d.logger.Warn("tool handler failed", "tool", call.Name, "call_id", call.CallID, "error", err)
		return failed(res, core.NewToolError(err.Error(), err))
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return failed(res, core.NewToolError("tool output is not JSON encodable", err))
	}
	res.Output = string(encoded)
	return res
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) *core.Error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return core.NewToolError("validate arguments", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	param := ""
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
		if param == "" && re.Type() == "required" {
			if p, ok := re.Details()["property"].(string); ok {
				param = p
			}
		}
	}
	e := core.NewToolError("invalid arguments: "+strings.Join(msgs, "; "), nil)
	e.Param = param
	return e
}

func failed(res Result, err *core.Error) Result {
	res.Err = err
	payload, _ := json.Marshal(map[string]string{"error": err.Message})
	res.Output = string(payload)
	return res
}
