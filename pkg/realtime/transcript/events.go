package transcript

import (
	"encoding/json"
	"sync"
	"time"
)

type Source string

const (
	SourceClient Source = "client"
	SourceServer Source = "server"
)

// EventRecord is one diagnostic entry. Consecutive events of the same source and type collapse
// into the first record and bump Count.
type EventRecord struct {
	Time   time.Time
	Source Source
	Type   string
	Event  json.RawMessage
	Count  int
}

// EventLog keeps a bounded list of realtime events for display.
type EventLog struct {
	mu      sync.Mutex
	now     func() time.Time
	max     int
	records []EventRecord
}

func NewEventLog(max int, now func() time.Time) *EventLog {
	if max <= 0 {
		max = 500
	}
	if now == nil {
		now = time.Now
	}
	return &EventLog{max: max, now: now}
}

// Record appends an event and returns the record as stored (collapsed or new).
func (l *EventLog) Record(src Source, typ string, raw []byte) EventRecord {
	if l == nil {
		return EventRecord{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.records); n > 0 {
		last := &l.records[n-1]
		if last.Source == src && last.Type == typ {
			last.Count++
			return *last
		}
	}

	payload := make(json.RawMessage, len(raw))
	copy(payload, raw)
	rec := EventRecord{Time: l.now(), Source: src, Type: typ, Event: payload, Count: 1}
	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = append(l.records[:0:0], l.records[len(l.records)-l.max:]...)
	}
	return rec
}

func (l *EventLog) Records() []EventRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventRecord, len(l.records))
	copy(out, l.records)
	return out
}

func (l *EventLog) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.records = nil
	l.mu.Unlock()
}
