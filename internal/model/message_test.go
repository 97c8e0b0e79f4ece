package model

import (
	"testing"
	"time"
)

func TestStatus_Terminal(t *testing.T) {
	cases := map[Status]bool{
		Pending:   false,
		Claimed:   false,
		Sent:      true,
		Failed:    true,
		Cancelled: true,
	}
	for s, want := range cases {
		if got := s.Terminal(); got != want {
			t.Fatalf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
	if Status("bogus").Valid() {
		t.Fatalf("expected unknown status to be invalid")
	}
}

func TestWindow_Contains(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := Window{From: base, To: base.Add(time.Hour)}

	if !w.Contains(base) {
		t.Fatalf("expected From to be inclusive")
	}
	if w.Contains(base.Add(time.Hour)) {
		t.Fatalf("expected To to be exclusive")
	}
	if w.Contains(base.Add(-time.Second)) {
		t.Fatalf("expected time before From to be excluded")
	}
	if !(Window{}).Contains(base) {
		t.Fatalf("expected open window to contain everything")
	}
}

func TestCursor_After(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := ScheduledMessage{ID: "a", FireAt: base, CreatedAt: base.Add(-time.Hour)}
	b := ScheduledMessage{ID: "b", FireAt: base, CreatedAt: base.Add(-time.Hour)}
	c := ScheduledMessage{ID: "c", FireAt: base, CreatedAt: base.Add(-time.Minute)}

	cur := CursorOf(a)
	if cur.After(a) {
		t.Fatalf("cursor must not sort after itself")
	}
	if !cur.After(b) {
		t.Fatalf("expected id tie-break")
	}
	if !cur.After(c) {
		t.Fatalf("expected createdAt tie-break")
	}
	if !(Cursor{}).After(a) {
		t.Fatalf("zero cursor precedes everything")
	}
}
