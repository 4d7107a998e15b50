package realtime

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(sessionID string) *Client {
	return NewClient(sessionID, 8)
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	c := newTestClient("s1")
	c.UserID = "alice"

	if first := r.Register("alice", c); !first {
		t.Fatalf("expected first=true for alice's first connection")
	}
	if got := r.ActiveUsers(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("active users=%v want [alice]", got)
	}

	// Idempotent per handle.
	if first := r.Register("alice", c); first {
		t.Fatalf("re-registering the same session must not be first")
	}
	if got := len(r.ConnectionsFor("alice")); got != 1 {
		t.Fatalf("connections=%d want 1", got)
	}

	userID, last := r.Unregister(c)
	if userID != "alice" || !last {
		t.Fatalf("unregister=(%q,%v) want (alice,true)", userID, last)
	}
	if got := r.ActiveUsers(); len(got) != 0 {
		t.Fatalf("active users=%v want empty", got)
	}

	// Unknown handle: a no-op, not an error.
	if userID, last := r.Unregister(c); userID != "" || last {
		t.Fatalf("double unregister=(%q,%v) want no-op", userID, last)
	}
}

// Not parallel: it reads the package-level connection gauge.
func TestRegistry_ReRegisterCountsConnectionOnce(t *testing.T) {
	r := NewRegistry(testLogger())

	c := newTestClient("s1")
	c.UserID = "alice"

	before := testutil.ToFloat64(metricOpenConnections)

	r.Register("alice", c)
	r.Register("alice", c)

	if got := testutil.ToFloat64(metricOpenConnections) - before; got != 1 {
		t.Fatalf("open connections delta=%v want 1 after idempotent re-register", got)
	}

	r.Unregister(c)

	if got := testutil.ToFloat64(metricOpenConnections) - before; got != 0 {
		t.Fatalf("open connections delta=%v want 0 after unregister", got)
	}
}

func TestRegistry_MultiDevice(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	phone := newTestClient("s-phone")
	phone.UserID = "bob"
	laptop := newTestClient("s-laptop")
	laptop.UserID = "bob"

	if first := r.Register("bob", phone); !first {
		t.Fatalf("first device should be first")
	}
	if first := r.Register("bob", laptop); first {
		t.Fatalf("second device must not be first")
	}

	if got := r.ActiveUsers(); len(got) != 1 {
		t.Fatalf("active users=%v want exactly one entry", got)
	}
	if got := len(r.ConnectionsFor("bob")); got != 2 {
		t.Fatalf("connections=%d want 2", got)
	}

	if _, last := r.Unregister(phone); last {
		t.Fatalf("user must stay online while a device remains")
	}
	if !r.Online("bob") {
		t.Fatalf("bob should still be online")
	}

	userID, last := r.Unregister(laptop)
	if userID != "bob" || !last {
		t.Fatalf("unregister=(%q,%v) want (bob,true)", userID, last)
	}
	if r.Online("bob") {
		t.Fatalf("bob should be offline")
	}
}

func TestRegistry_ActivityLifecycle(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	// Offline user: no observable effect.
	if r.UpdateActivity("ghost", "Playing") {
		t.Fatalf("offline activity update must be rejected")
	}

	c := newTestClient("s1")
	c.UserID = "carol"
	r.Register("carol", c)

	acts := r.Activities()
	if len(acts) != 1 || acts[0].Activity != DefaultActivity {
		t.Fatalf("activities=%v want [{carol %s}]", acts, DefaultActivity)
	}

	if !r.UpdateActivity("carol", "Playing") {
		t.Fatalf("online activity update must succeed")
	}
	acts = r.Activities()
	if len(acts) != 1 || acts[0].Activity != "Playing" {
		t.Fatalf("activities=%v want Playing", acts)
	}

	r.Unregister(c)
	if got := r.Activities(); len(got) != 0 {
		t.Fatalf("activities=%v want empty after disconnect", got)
	}
}

func TestRegistry_NoLeaksNoPhantomsUnderConcurrency(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	const users = 8
	const connsPerUser = 16

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()

				userID := fmt.Sprintf("user-%d", u)
				cl := newTestClient(fmt.Sprintf("s-%d-%d", u, c))
				cl.UserID = userID

				r.Register(userID, cl)
				r.UpdateActivity(userID, "Listening")

				// Half the connections disconnect immediately.
				if c%2 == 0 {
					r.Unregister(cl)
				}
			}(u, c)
		}
	}
	wg.Wait()

	// Every user kept half its connections, so all must still be online.
	if got := len(r.ActiveUsers()); got != users {
		t.Fatalf("active users=%d want %d", got, users)
	}
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		if got := len(r.ConnectionsFor(userID)); got != connsPerUser/2 {
			t.Fatalf("%s connections=%d want %d", userID, got, connsPerUser/2)
		}
	}

	// Drain the rest; the registry must end empty.
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("user-%d", u)
		for _, cl := range r.ConnectionsFor(userID) {
			r.Unregister(cl)
		}
	}
	if got := r.ActiveUsers(); len(got) != 0 {
		t.Fatalf("active users=%v want empty", got)
	}
	if got := r.Connections(); len(got) != 0 {
		t.Fatalf("connections=%v want empty", got)
	}
}
