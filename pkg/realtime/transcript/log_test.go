package transcript

import (
	"strings"
	"testing"
	"time"
)

func TestApplyDelta_CreatesUnseenItem(t *testing.T) {
	l := New(24000)
	it, applied := l.ApplyDelta("item_1", Delta{Transcript: "Hel"})
	if !applied {
		t.Fatalf("expected delta to apply")
	}
	if it.Status != StatusInProgress || it.Transcript != "Hel" {
		t.Fatalf("item=%+v", it)
	}
	if l.Len() != 1 {
		t.Fatalf("len=%d, want 1", l.Len())
	}
}

func TestApplyDelta_CumulativeWhileInProgress(t *testing.T) {
	l := New(24000)
	l.Upsert(Item{ID: "a", Role: RoleAssistant, Status: StatusInProgress})
	l.ApplyDelta("a", Delta{Transcript: "Hel", Audio: []byte{1, 0}})
	l.ApplyDelta("a", Delta{Transcript: "Hel", Audio: []byte{1, 0}})

	it, _ := l.Get("a")
	if it.Transcript != "HelHel" {
		t.Fatalf("transcript=%q, want HelHel", it.Transcript)
	}
	if it.Samples() != 2 {
		t.Fatalf("samples=%d, want 2", it.Samples())
	}
}

func TestApplyDelta_IdempotentAfterComplete(t *testing.T) {
	l := New(24000)
	l.ApplyDelta("a", Delta{Text: "done"})
	l.Complete("a")

	_, applied := l.ApplyDelta("a", Delta{Text: "done"})
	if applied {
		t.Fatalf("delta on completed item applied")
	}
	it, _ := l.Get("a")
	if it.Text != "done" {
		t.Fatalf("text=%q, want done", it.Text)
	}
}

func TestUpsert_KeepsAccumulatedContent(t *testing.T) {
	l := New(24000)
	l.ApplyDelta("a", Delta{Transcript: "partial"})
	it, created := l.Upsert(Item{ID: "a", Role: RoleAssistant, Status: StatusInProgress})
	if created {
		t.Fatalf("expected existing item")
	}
	if it.Transcript != "partial" || it.Role != RoleAssistant {
		t.Fatalf("item=%+v", it)
	}
}

func TestUpsert_DoesNotReopenCompleted(t *testing.T) {
	l := New(24000)
	l.Upsert(Item{ID: "a", Status: StatusInProgress})
	l.Complete("a")
	it, _ := l.Upsert(Item{ID: "a", Status: StatusInProgress})
	if it.Status != StatusCompleted {
		t.Fatalf("status=%q, want completed", it.Status)
	}
}

func TestSnapshotAudioIsStable(t *testing.T) {
	l := New(24000)
	first, _ := l.ApplyDelta("a", Delta{Audio: []byte{1, 2}})
	l.ApplyDelta("a", Delta{Audio: []byte{3, 4}})
	if len(first.Audio) != 2 || first.Audio[0] != 1 {
		t.Fatalf("first snapshot changed: %v", first.Audio)
	}
}

func TestTruncate_DropsTailAndCompletes(t *testing.T) {
	l := New(24000)
	l.ApplyDelta("a", Delta{Audio: make([]byte, 20)})
	it, ok := l.Truncate("a", 4)
	if !ok {
		t.Fatalf("truncate missing item")
	}
	if it.Samples() != 4 || it.Status != StatusCompleted {
		t.Fatalf("item samples=%d status=%q", it.Samples(), it.Status)
	}
	it, _ = l.Truncate("a", 100)
	if it.Samples() != 4 {
		t.Fatalf("truncate past end grew audio: %d", it.Samples())
	}
}

func TestDelete_PreservesOrder(t *testing.T) {
	l := New(24000)
	for _, id := range []string{"a", "b", "c"} {
		l.Upsert(Item{ID: id, Role: RoleUser})
	}
	if !l.Delete("b") {
		t.Fatalf("delete returned false")
	}
	if l.Delete("b") {
		t.Fatalf("second delete returned true")
	}
	items := l.Items()
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "c" {
		t.Fatalf("items=%+v", items)
	}
}

func TestInProgress_FiltersRole(t *testing.T) {
	l := New(24000)
	l.Upsert(Item{ID: "u", Role: RoleUser, Status: StatusInProgress})
	l.Upsert(Item{ID: "a", Role: RoleAssistant, Status: StatusInProgress})
	l.Upsert(Item{ID: "b", Role: RoleAssistant, Status: StatusCompleted})
	got := l.InProgress(RoleAssistant)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("in progress=%+v", got)
	}
}

func TestFormat(t *testing.T) {
	l := New(24000)
	l.Upsert(Item{ID: "1", Type: TypeMessage, Role: RoleUser, Text: "Hello there"})
	l.Upsert(Item{ID: "2", Type: TypeFunctionCall, Tool: &ToolCall{Name: "get_weather"}})
	l.Upsert(Item{ID: "3", Type: TypeMessage, Role: RoleAssistant})
	l.ApplyDelta("3", Delta{Transcript: "Tell me about your childhood."})

	got := l.Format()
	want := "user: Hello there\nassistant: Tell me about your childhood.\n"
	if got != want {
		t.Fatalf("Format()=%q, want %q", got, want)
	}
}

func TestEventLog_CollapsesConsecutiveSameType(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewEventLog(10, func() time.Time { return now })

	l.Record(SourceClient, "input_audio_buffer.append", []byte(`{"n":1}`))
	l.Record(SourceClient, "input_audio_buffer.append", []byte(`{"n":2}`))
	rec := l.Record(SourceClient, "input_audio_buffer.append", []byte(`{"n":3}`))
	if rec.Count != 3 {
		t.Fatalf("count=%d, want 3", rec.Count)
	}
	l.Record(SourceServer, "input_audio_buffer.append", nil)
	l.Record(SourceClient, "response.create", nil)

	records := l.Records()
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
	if !strings.Contains(string(records[0].Event), `"n":1`) {
		t.Fatalf("collapsed record should keep first payload, got %s", records[0].Event)
	}
}

func TestEventLog_Bounded(t *testing.T) {
	l := NewEventLog(2, nil)
	l.Record(SourceServer, "a", nil)
	l.Record(SourceServer, "b", nil)
	l.Record(SourceServer, "c", nil)
	records := l.Records()
	if len(records) != 2 || records[0].Type != "b" || records[1].Type != "c" {
		t.Fatalf("records=%+v", records)
	}
}
