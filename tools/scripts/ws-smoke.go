// Package main provides a CI-friendly WebSocket smoke test for the Tunetime
// presence gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - announce -> presence snapshots + join broadcast
//   - activity update fanout
//   - send -> ack + receive fanout to the peer
//   - history fetch
//   - disconnect -> departure broadcast
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "tunetime/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "tunetime.presence.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA    = flag.String("user-a", "smoke-alice", "First user id")
		userB    = flag.String("user-b", "smoke-bob", "Second user id")
		tokenA   = flag.String("token-a", "", "Identity token for user A (required when the server enforces auth)")
		tokenB   = flag.String("token-b", "", "Identity token for user B")
		activity = flag.String("activity", "Listening to Bohemian Rhapsody", "Activity to announce")
		text     = flag.String("text", "hello tunetime 👋", "Message text to send")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustAnnounce(root, a, *userA, *tokenA, *timeout)
	mustAnnounce(root, b, *userB, *tokenB, *timeout)

	if *verbose {
		fmt.Printf("announced: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	// A should observe B's arrival.
	mustAssertUserConnected(root, a, b.userID, *timeout)

	mustUpdateActivity(root, a, *activity, *timeout)
	mustAssertActivityUpdated(root, b, a.userID, *activity, *timeout)

	msgID := mustSendAndAssertAck(root, a, b.userID, *text, *timeout)
	mustAssertReceive(root, b, msgID, a.userID, b.userID, *text, *timeout)

	mustHistoryContains(root, b, a.userID, msgID, *text, *timeout)

	closeWS(b.conn)
	mustAssertUserDisconnected(root, a, b.userID, *timeout)

	fmt.Printf("OK: A=%s B=%s msg_id=%s\n", a.userID, b.userID, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAnnounce(parent context.Context, c *smokeClient, userID, token string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeUserConnected,
		ID:   fmt.Sprintf("%s-announce", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.UserConnectedPayload{
			UserID: userID,
			Token:  token,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	// The joining client receives the users_online snapshot; its own user_id
	// must be present in it.
	snap := c.mustReadUntilType(parent, v1.TypeUsersOnline, stepTimeout, map[string]struct{}{
		v1.TypeUserConnected: {},
		v1.TypeActivities:    {},
	})

	var p v1.UsersOnlinePayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("unmarshal users_online payload (%s): %v", c.name, err)
	}
	found := false
	for _, u := range p.Users {
		if u == userID {
			found = true
			break
		}
	}
	if !found {
		fatalf("users_online missing own user %q (%s)", userID, c.name)
	}

	c.userID = userID
}

func mustAssertUserConnected(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeActivities: {}}
	env := c.mustReadUntilType(parent, v1.TypeUserConnected, stepTimeout, skip)

	var p v1.UserConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_connected payload (%s): %v", c.name, err)
	}
	if p.UserID != userID {
		fatalf("user_connected mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
	if p.Token != "" {
		fatalf("user_connected broadcast leaked a token (%s)", c.name)
	}
}

func mustUpdateActivity(parent context.Context, c *smokeClient, activity string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeUpdateActivity,
		ID:   fmt.Sprintf("%s-activity", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.UpdateActivityPayload{
			UserID:   c.userID,
			Activity: activity,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertActivityUpdated(parent context.Context, c *smokeClient, userID, activity string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeActivities: {}}
	env := c.mustReadUntilType(parent, v1.TypeActivityUpdated, stepTimeout, skip)

	var p v1.ActivityUpdatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal activity_updated payload (%s): %v", c.name, err)
	}
	if p.UserID != userID {
		fatalf("activity_updated user mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
	if p.Activity != activity {
		fatalf("activity_updated activity mismatch (%s): got=%q want=%q", c.name, p.Activity, activity)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, receiverID, text string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			ReceiverID: receiverID,
			Content:    text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeActivityUpdated: {}, v1.TypeActivities: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, skip)

	var p v1.MessageSentPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_sent payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.Message.ID) == "" {
		fatalf("message_sent missing id (%s)", c.name)
	}
	if p.Message.SenderID != c.userID {
		fatalf("message_sent sender mismatch (%s): got=%q want=%q", c.name, p.Message.SenderID, c.userID)
	}
	if p.Message.ReceiverID != receiverID {
		fatalf("message_sent receiver mismatch (%s): got=%q want=%q", c.name, p.Message.ReceiverID, receiverID)
	}
	if p.Message.Content != text {
		fatalf("message_sent content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
	if p.Message.CreatedAt.IsZero() {
		fatalf("message_sent created_at missing/zero (%s)", c.name)
	}
	return p.Message.ID
}

func mustAssertReceive(parent context.Context, c *smokeClient, msgID, senderID, receiverID, text string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeActivityUpdated: {}, v1.TypeActivities: {}}
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, skip)

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if p.Message.ID != msgID {
		fatalf("receive_message id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, msgID)
	}
	if p.Message.SenderID != senderID || p.Message.ReceiverID != receiverID {
		fatalf("receive_message route mismatch (%s): %q -> %q", c.name, p.Message.SenderID, p.Message.ReceiverID)
	}
	if p.Message.Content != text {
		fatalf("receive_message content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, withUserID, msgID, text string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeFetchMessages,
		ID:   fmt.Sprintf("%s-history", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.FetchMessagesPayload{
			WithUserID: withUserID,
			Limit:      50,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeMessagesHistory, stepTimeout, nil)

	var p v1.MessagesHistoryPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal messages_history payload (%s): %v", c.name, err)
	}
	if p.WithUserID != withUserID {
		fatalf("messages_history peer mismatch (%s): got=%q want=%q", c.name, p.WithUserID, withUserID)
	}

	found := false
	for _, m := range p.Messages {
		if m.ID == msgID && m.Content == text {
			found = true
			break
		}
	}
	if !found {
		fatalf("messages_history missing expected message (%s)", c.name)
	}
}

func mustAssertUserDisconnected(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeActivities: {}}
	env := c.mustReadUntilType(parent, v1.TypeUserDisconnected, stepTimeout, skip)

	var p v1.UserDisconnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal user_disconnected payload (%s): %v", c.name, err)
	}
	if p.UserID != userID {
		fatalf("user_disconnected mismatch (%s): got=%q want=%q", c.name, p.UserID, userID)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
