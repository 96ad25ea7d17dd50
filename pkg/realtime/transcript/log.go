// Package transcript holds the ordered conversation log and the diagnostic event log.
package transcript

import (
	"strings"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
)

type ItemType string

const (
	TypeMessage            ItemType = "message"
	TypeFunctionCall       ItemType = "function_call"
	TypeFunctionCallOutput ItemType = "function_call_output"
)

// ToolCall carries the function-call fields of an item.
type ToolCall struct {
	Name      string
	CallID    string
	Arguments string
	Output    string
}

// Item is one conversation entry. Audio is PCM16 mono and is shared read-only between snapshots;
// callers must not modify it.
type Item struct {
	ID         string
	Type       ItemType
	Role       Role
	Status     Status
	Text       string
	Transcript string
	Audio      []byte
	SampleRate int
	Tool       *ToolCall
}

// Samples returns the number of PCM16 samples held by the item.
func (it Item) Samples() int {
	return len(it.Audio) / 2
}

// Content returns the text a reader would see for the item.
func (it Item) Content() string {
	if it.Transcript != "" {
		return it.Transcript
	}
	if it.Text != "" {
		return it.Text
	}
	if it.Tool != nil {
		if it.Tool.Output != "" {
			return it.Tool.Output
		}
		return it.Tool.Name + "(" + it.Tool.Arguments + ")"
	}
	return ""
}

// Delta is one incremental update applied to an in-progress item.
type Delta struct {
	Text       string
	Transcript string
	Audio      []byte
	Arguments  string
}

func (d Delta) Empty() bool {
	return d.Text == "" && d.Transcript == "" && len(d.Audio) == 0 && d.Arguments == ""
}

// Log is an ordered, append-and-patch store of conversation items.
type Log struct {
	mu         sync.Mutex
	order      []string
	items      map[string]*Item
	sampleRate int
}

func New(sampleRate int) *Log {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Log{items: make(map[string]*Item), sampleRate: sampleRate}
}

func (l *Log) getOrCreateLocked(id string) (*Item, bool) {
	if it, ok := l.items[id]; ok {
		return it, false
	}
	it := &Item{ID: id, Type: TypeMessage, Status: StatusInProgress, SampleRate: l.sampleRate}
	l.items[id] = it
	l.order = append(l.order, id)
	return it, true
}

// Upsert records an item announced by the endpoint. Unseen items are appended; known items keep
// their accumulated content and take the announced metadata.
func (l *Log) Upsert(in Item) (Item, bool) {
	if in.ID == "" {
		return Item{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	it, created := l.getOrCreateLocked(in.ID)
	if in.Type != "" {
		it.Type = in.Type
	}
	if in.Role != "" {
		it.Role = in.Role
	}
	if in.Status != "" && it.Status != StatusCompleted {
		it.Status = in.Status
	}
	if created || it.Text == "" {
		it.Text = in.Text
	}
	if created || it.Transcript == "" {
		it.Transcript = in.Transcript
	}
	if in.Tool != nil {
		if it.Tool == nil {
			it.Tool = &ToolCall{}
		}
		if in.Tool.Name != "" {
			it.Tool.Name = in.Tool.Name
		}
		if in.Tool.CallID != "" {
			it.Tool.CallID = in.Tool.CallID
		}
		if in.Tool.Arguments != "" {
			it.Tool.Arguments = in.Tool.Arguments
		}
		if in.Tool.Output != "" {
			it.Tool.Output = in.Tool.Output
		}
	}
	return snapshot(it), created
}

// ApplyDelta merges an incremental update into the item, creating it when unseen. Deltas for a
// completed item are ignored so a replay never duplicates content.
func (l *Log) ApplyDelta(id string, d Delta) (Item, bool) {
	if id == "" {
		return Item{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	it, _ := l.getOrCreateLocked(id)
	if it.Status == StatusCompleted {
		return snapshot(it), false
	}
	it.Text += d.Text
	it.Transcript += d.Transcript
	if len(d.Audio) > 0 {
		it.Audio = append(it.Audio, d.Audio...)
	}
	if d.Arguments != "" {
		if it.Tool == nil {
			it.Tool = &ToolCall{}
		}
		it.Tool.Arguments += d.Arguments
	}
	return snapshot(it), true
}

// Complete marks the item completed.
func (l *Log) Complete(id string) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return Item{}, false
	}
	it.Status = StatusCompleted
	return snapshot(it), true
}

// SetTranscript replaces the transcript, used for input audio transcription which arrives whole.
func (l *Log) SetTranscript(id, transcript string) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return Item{}, false
	}
	it.Transcript = transcript
	return snapshot(it), true
}

// Truncate drops audio past endSample and completes the item.
func (l *Log) Truncate(id string, endSample int) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return Item{}, false
	}
	if endSample < 0 {
		endSample = 0
	}
	if end := endSample * 2; end < len(it.Audio) {
		it.Audio = it.Audio[:end:end]
	}
	it.Status = StatusCompleted
	return snapshot(it), true
}

// Delete removes the item permanently.
func (l *Log) Delete(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[id]; !ok {
		return false
	}
	delete(l.items, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

func (l *Log) Get(id string) (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return Item{}, false
	}
	return snapshot(it), true
}

// Items returns the items in insertion order.
func (l *Log) Items() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, snapshot(l.items[id]))
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// InProgress returns the in-progress items with the given role.
func (l *Log) InProgress(role Role) []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Item
	for _, id := range l.order {
		it := l.items[id]
		if it.Role == role && it.Status == StatusInProgress {
			out = append(out, snapshot(it))
		}
	}
	return out
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = nil
	l.items = make(map[string]*Item)
}

// Format renders the conversation as "role: text" lines, skipping items without readable content.
// The output is the book-generation context and the persisted transcript.
func (l *Log) Format() string {
	var b strings.Builder
	for _, it := range l.Items() {
		if it.Type != TypeMessage {
			continue
		}
		text := strings.TrimSpace(it.Content())
		if text == "" {
			continue
		}
		role := it.Role
		if role == "" {
			role = RoleAssistant
		}
		b.WriteString(string(role))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func snapshot(it *Item) Item {
	out := *it
	out.Audio = it.Audio[:len(it.Audio):len(it.Audio)]
	if it.Tool != nil {
		tc := *it.Tool
		out.Tool = &tc
	}
	return out
}
