package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	v1 "tunetime/shared/contracts/presence/v1"
)

// Broadcaster translates registry-state transitions into outward events.
//
// It is purely derived from in-memory registry state: a crash loses presence,
// which is acceptable because presence is rebuilt from live connections on
// reconnect.
//
// Fan-out never blocks: a full send queue drops the event for that connection
// rather than stalling every other client.
type Broadcaster struct {
	log      *slog.Logger
	registry *Registry
}

// NewBroadcaster constructs a Broadcaster over the given registry.
func NewBroadcaster(log *slog.Logger, registry *Registry) *Broadcaster {
	return &Broadcaster{log: log, registry: registry}
}

// AnnounceJoin runs the join sequence for a freshly registered connection.
//
// Ordering matters: the new user must observe the post-join state.
//  1. first connection only: user_connected broadcast to all
//  2. users_online snapshot to the new connection only
//  3. first connection only: activities broadcast to all
//
// Extra devices of an already-online user get the private snapshot but do not
// re-trigger the join broadcast.
func (b *Broadcaster) AnnounceJoin(c *Client, first bool) {
	if b == nil || c == nil {
		return
	}

	if first {
		p, _ := json.Marshal(v1.UserConnectedPayload{UserID: c.UserID})
		b.toAll(b.newEvent(v1.TypeUserConnected, p))
	}

	online, _ := json.Marshal(v1.UsersOnlinePayload{Users: b.registry.ActiveUsers()})
	b.toClient(c, b.newEvent(v1.TypeUsersOnline, online))

	if first {
		acts, _ := json.Marshal(v1.ActivitiesPayload{Activities: b.registry.Activities()})
		b.toAll(b.newEvent(v1.TypeActivities, acts))
	} else {
		acts, _ := json.Marshal(v1.ActivitiesPayload{Activities: b.registry.Activities()})
		b.toClient(c, b.newEvent(v1.TypeActivities, acts))
	}

	b.log.Info("presence.join", "user_id", c.UserID, "session_id", c.SessionID, "first", first)
}

// AnnounceActivity validates that the user is online, updates the label and
// broadcasts activity_updated. Offline users have no observable effect.
func (b *Broadcaster) AnnounceActivity(userID, activity string) bool {
	if b == nil {
		return false
	}
	if !b.registry.UpdateActivity(userID, activity) {
		b.log.Info("presence.activity.offline_ignored", "user_id", userID)
		return false
	}

	p, _ := json.Marshal(v1.ActivityUpdatedPayload{UserID: userID, Activity: activity})
	b.toAll(b.newEvent(v1.TypeActivityUpdated, p))

	b.log.Info("presence.activity", "user_id", userID, "activity", activity)
	return true
}

// AnnounceLeave broadcasts user_disconnected to all remaining connections.
// Callers invoke it only after the user's LAST connection unregistered.
func (b *Broadcaster) AnnounceLeave(userID string) {
	if b == nil || userID == "" {
		return
	}

	p, _ := json.Marshal(v1.UserDisconnectedPayload{UserID: userID})
	b.toAll(b.newEvent(v1.TypeUserDisconnected, p))

	b.log.Info("presence.leave", "user_id", userID)
}

// ---- fan-out primitives ----

func (b *Broadcaster) newEvent(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEventID(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

// toAll enqueues env to every live connection without blocking.
func (b *Broadcaster) toAll(env v1.Envelope) {
	for _, c := range b.registry.Connections() {
		b.toClient(c, env)
	}
}

// toClient enqueues env to one connection. Shutting-down or saturated
// connections drop the event.
func (b *Broadcaster) toClient(c *Client, env v1.Envelope) {
	if c == nil {
		return
	}

	select {
	case <-c.Done():
		return
	default:
	}

	select {
	case c.Send <- env:
	default:
		metricBroadcastDrops.Inc()
		b.log.Info("presence.drop", "session_id", c.SessionID, "type", env.Type)
	}
}
