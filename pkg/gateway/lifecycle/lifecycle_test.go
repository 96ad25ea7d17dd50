package lifecycle

import "testing"

func TestLifecycle_Draining(t *testing.T) {
	var nilLC *Lifecycle
	if nilLC.IsDraining() || !nilLC.DrainingSince().IsZero() {
		t.Fatalf("nil lifecycle should never drain")
	}
	nilLC.SetDraining(true)

	l := &Lifecycle{}
	if l.IsDraining() {
		t.Fatalf("new lifecycle draining")
	}
	l.SetDraining(true)
	if !l.IsDraining() || l.DrainingSince().IsZero() {
		t.Fatalf("draining=%v since=%v", l.IsDraining(), l.DrainingSince())
	}
	first := l.DrainingSince()
	l.SetDraining(true)
	if !l.DrainingSince().Equal(first) {
		t.Fatalf("repeated SetDraining moved the transition time")
	}
	l.SetDraining(false)
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("expected not draining")
	}
}
