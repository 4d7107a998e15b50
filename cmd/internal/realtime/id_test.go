package realtime

import "testing"

func TestNewEventID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := NewEventID()
		if len(id) != 20 {
			t.Fatalf("event id %q: want 20 hex chars", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate event id %q", id)
		}
		seen[id] = struct{}{}
	}
}
