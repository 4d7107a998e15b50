package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "tunetime/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

// stubVerifier lets tests control the auth collaborator.
type stubVerifier struct {
	users map[string]string // token -> user id
}

func (s stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if uid, ok := s.users[token]; ok {
		return uid, nil
	}
	return "", errors.New("invalid identity token")
}

func newTestGateway(t *testing.T, verifier IdentityVerifier) (*WSGateway, *httptest.Server) {
	t.Helper()
	t.Setenv("TUNETIME_WS_ORIGIN_REQUIRED", "false")

	log := testLogger()
	registry := NewRegistry(log)
	broadcaster := NewBroadcaster(log, registry)
	relay := NewRelay(log, NewInMemoryStore(), registry)

	gw := NewWSGateway(log, registry, broadcaster, relay, verifier)
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return gw, ts
}

func dialPresence(t *testing.T, ctx context.Context, httpURL string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEnv(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	p, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: NewEventID(), TS: time.Now().UTC(), Payload: p}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

// expectNoType asserts that no envelope of the given type arrives within d.
func expectNoType(t *testing.T, conn *websocket.Conn, typ string, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return // timeout or close: nothing of that type arrived
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == typ {
			t.Fatalf("unexpected %s envelope", typ)
		}
	}
}

func announce(t *testing.T, ctx context.Context, conn *websocket.Conn, userID, token string) {
	t.Helper()
	sendEnv(t, ctx, conn, v1.TypeUserConnected, v1.UserConnectedPayload{UserID: userID, Token: token})
	readUntil(t, ctx, conn, v1.TypeUsersOnline)
}

func TestWSGateway_PresenceAndRelayScenario(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a := dialPresence(t, ctx, ts.URL)
	announce(t, ctx, a, "alice", "")

	b := dialPresence(t, ctx, ts.URL)
	sendEnv(t, ctx, b, v1.TypeUserConnected, v1.UserConnectedPayload{UserID: "bob"})

	// A observes bob's arrival; B gets the post-join snapshot.
	joined := readUntil(t, ctx, a, v1.TypeUserConnected)
	var jp v1.UserConnectedPayload
	if err := json.Unmarshal(joined.Payload, &jp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jp.UserID != "bob" {
		t.Fatalf("user_connected=%q want bob", jp.UserID)
	}

	snapshot := readUntil(t, ctx, b, v1.TypeUsersOnline)
	var online v1.UsersOnlinePayload
	if err := json.Unmarshal(snapshot.Payload, &online); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(online.Users) != 2 {
		t.Fatalf("users_online=%v want alice and bob", online.Users)
	}

	// A updates activity; B observes it.
	sendEnv(t, ctx, a, v1.TypeUpdateActivity, v1.UpdateActivityPayload{UserID: "alice", Activity: "Playing"})
	upd := readUntil(t, ctx, b, v1.TypeActivityUpdated)
	var up v1.ActivityUpdatedPayload
	if err := json.Unmarshal(upd.Payload, &up); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if up.UserID != "alice" || up.Activity != "Playing" {
		t.Fatalf("activity_updated=%+v want alice/Playing", up)
	}

	// A sends "hi" to B: B receives it live, A gets the persisted ack.
	sendEnv(t, ctx, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "hi"})

	recvEnv := readUntil(t, ctx, b, v1.TypeReceiveMessage)
	var rp v1.ReceiveMessagePayload
	if err := json.Unmarshal(recvEnv.Payload, &rp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rp.Message.Content != "hi" || rp.Message.SenderID != "alice" {
		t.Fatalf("receive_message=%+v want hi from alice", rp.Message)
	}

	ackEnv := readUntil(t, ctx, a, v1.TypeMessageSent)
	var ap v1.MessageSentPayload
	if err := json.Unmarshal(ackEnv.Payload, &ap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ap.Message.Content != "hi" || ap.Message.ID == "" {
		t.Fatalf("message_sent=%+v want hi with persisted id", ap.Message)
	}
	if ap.Message.ID != rp.Message.ID {
		t.Fatalf("ack id=%q delivery id=%q must match", ap.Message.ID, rp.Message.ID)
	}

	// B disconnects; A observes the departure.
	_ = b.Close(websocket.StatusNormalClosure, "bye")
	gone := readUntil(t, ctx, a, v1.TypeUserDisconnected)
	var gp v1.UserDisconnectedPayload
	if err := json.Unmarshal(gone.Payload, &gp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gp.UserID != "bob" {
		t.Fatalf("user_disconnected=%q want bob", gp.UserID)
	}

	// A messages the now-offline B: still persisted and acked.
	sendEnv(t, ctx, a, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "later"})
	ack2 := readUntil(t, ctx, a, v1.TypeMessageSent)
	var ap2 v1.MessageSentPayload
	if err := json.Unmarshal(ack2.Payload, &ap2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ap2.Message.Content != "later" || ap2.Message.ID == "" {
		t.Fatalf("message_sent=%+v want later with persisted id", ap2.Message)
	}

	// History for the conversation shows both messages in order.
	sendEnv(t, ctx, a, v1.TypeFetchMessages, v1.FetchMessagesPayload{WithUserID: "bob"})
	hist := readUntil(t, ctx, a, v1.TypeMessagesHistory)
	var hp v1.MessagesHistoryPayload
	if err := json.Unmarshal(hist.Payload, &hp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hp.Messages) != 2 || hp.Messages[0].Content != "hi" || hp.Messages[1].Content != "later" {
		t.Fatalf("history=%+v want [hi later]", hp.Messages)
	}
}

func TestWSGateway_RequireAuth(t *testing.T) {
	t.Setenv("TUNETIME_WS_REQUIRE_AUTH", "true")

	verifier := stubVerifier{users: map[string]string{"tok-alice": "alice"}}
	_, ts := newTestGateway(t, verifier)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Bare claimed identity is rejected.
	anon := dialPresence(t, ctx, ts.URL)
	sendEnv(t, ctx, anon, v1.TypeUserConnected, v1.UserConnectedPayload{UserID: "alice"})
	errEnv := readUntil(t, ctx, anon, v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != "unauthorized" {
		t.Fatalf("error code=%q want unauthorized", ep.Code)
	}

	// Bad token is rejected too.
	bad := dialPresence(t, ctx, ts.URL)
	sendEnv(t, ctx, bad, v1.TypeUserConnected, v1.UserConnectedPayload{Token: "tok-wrong"})
	readUntil(t, ctx, bad, v1.TypeError)

	// Verified token works; the subject wins.
	ok := dialPresence(t, ctx, ts.URL)
	sendEnv(t, ctx, ok, v1.TypeUserConnected, v1.UserConnectedPayload{Token: "tok-alice"})
	snap := readUntil(t, ctx, ok, v1.TypeUsersOnline)
	var online v1.UsersOnlinePayload
	if err := json.Unmarshal(snap.Payload, &online); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(online.Users) != 1 || online.Users[0] != "alice" {
		t.Fatalf("users_online=%v want [alice]", online.Users)
	}

	// Mismatched claimed id is rejected.
	spoof := dialPresence(t, ctx, ts.URL)
	sendEnv(t, ctx, spoof, v1.TypeUserConnected, v1.UserConnectedPayload{UserID: "mallory", Token: "tok-alice"})
	readUntil(t, ctx, spoof, v1.TypeError)
}

func TestWSGateway_EventsBeforeAnnounceRejected(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialPresence(t, ctx, ts.URL)
	sendEnv(t, ctx, conn, v1.TypeSendMessage, v1.SendMessagePayload{ReceiverID: "bob", Content: "hi"})

	errEnv := readUntil(t, ctx, conn, v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != "not_identified" {
		t.Fatalf("error code=%q want not_identified", ep.Code)
	}
}

func TestWSGateway_UnannouncedDisconnectIsSilent(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := dialPresence(t, ctx, ts.URL)
	announce(t, ctx, a, "alice", "")

	// A connection that never announces is discarded without any broadcast.
	ghost := dialPresence(t, ctx, ts.URL)
	_ = ghost.Close(websocket.StatusNormalClosure, "bye")

	expectNoType(t, a, v1.TypeUserDisconnected, 700*time.Millisecond)
}

func TestWSGateway_DuplicateAnnounceIgnored(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := dialPresence(t, ctx, ts.URL)
	announce(t, ctx, a, "alice", "")

	sendEnv(t, ctx, a, v1.TypeUserConnected, v1.UserConnectedPayload{UserID: "other"})
	errEnv := readUntil(t, ctx, a, v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != "already_identified" {
		t.Fatalf("error code=%q want already_identified", ep.Code)
	}

	// The connection is still alive and usable.
	sendEnv(t, ctx, a, v1.TypeFetchMessages, v1.FetchMessagesPayload{WithUserID: "bob"})
	readUntil(t, ctx, a, v1.TypeMessagesHistory)
}

func TestWSGateway_MalformedPayloadKeepsConnectionAlive(t *testing.T) {
	_, ts := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := dialPresence(t, ctx, ts.URL)
	announce(t, ctx, a, "alice", "")

	// Raw garbage frame: bad_json error, no close.
	if err := a.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv := readUntil(t, ctx, a, v1.TypeError)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != "bad_json" {
		t.Fatalf("error code=%q want bad_json", ep.Code)
	}

	// Valid JSON that is not an envelope object: same treatment.
	if err := a.Write(ctx, websocket.MessageText, []byte("123")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv = readUntil(t, ctx, a, v1.TypeError)
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ep.Code != "bad_json" {
		t.Fatalf("error code=%q want bad_json", ep.Code)
	}

	// Still alive.
	sendEnv(t, ctx, a, v1.TypeUpdateActivity, v1.UpdateActivityPayload{Activity: "Browsing"})
	readUntil(t, ctx, a, v1.TypeActivityUpdated)
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	var env v1.Envelope
	syntaxErr := json.Unmarshal([]byte("{not json"), &env)
	if syntaxErr == nil {
		t.Fatal("expected syntax error")
	}
	wrongShapeErr := json.Unmarshal([]byte("123"), &env)
	if wrongShapeErr == nil {
		t.Fatal("expected unmarshal type error")
	}

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{"nil", nil, readErrUnknown},
		{"syntax", syntaxErr, readErrBadJSON},
		{"wrong shape", wrongShapeErr, readErrBadJSON},
		{"canceled", context.Canceled, readErrCtxDone},
		{"deadline", context.DeadlineExceeded, readErrCtxDone},
		{"conn closed", net.ErrClosed, readErrConnClosed},
		{"eof", io.EOF, readErrConnClosed},
		{"other", errors.New("boom"), readErrUnknown},
	}
	for _, c := range cases {
		if got := classifyReadErr(c.err); got != c.want {
			t.Fatalf("classifyReadErr(%s) = %d, want %d", c.name, got, c.want)
		}
	}
}
