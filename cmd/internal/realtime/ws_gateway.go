package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "tunetime/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "tunetime.presence.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// IdentityVerifier is the auth collaborator: it turns a client-supplied
// identity token into a verified user id.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// WSGateway is the WebSocket entrypoint for Tunetime presence.
//
// It owns the per-connection lifecycle (Connecting -> Active -> Closed),
// enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the Registry, Broadcaster and Relay.
type WSGateway struct {
	log         *slog.Logger
	registry    *Registry
	broadcaster *Broadcaster
	relay       *Relay
	verifier    IdentityVerifier

	devInsecure    bool
	requireAuth    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// A nil verifier is allowed only when TUNETIME_WS_REQUIRE_AUTH is false.
func NewWSGateway(log *slog.Logger, registry *Registry, broadcaster *Broadcaster, relay *Relay, verifier IdentityVerifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(log, registry)
	}
	if relay == nil {
		relay = NewRelay(log, NewInMemoryStore(), registry)
	}

	g := &WSGateway{
		log:         log,
		registry:    registry,
		broadcaster: broadcaster,
		relay:       relay,
		verifier:    verifier,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("TUNETIME_WS_DEV_INSECURE", false)

	g.requireAuth = envBoolWS("TUNETIME_WS_REQUIRE_AUTH", false)

	g.originRequired = envBoolWS("TUNETIME_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("TUNETIME_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("TUNETIME_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("TUNETIME_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("TUNETIME_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("TUNETIME_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("TUNETIME_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("TUNETIME_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("TUNETIME_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the presence loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		announced bool
	)

	// shutdown is the single Closed transition. It is idempotent even if the
	// transport reports disconnect multiple times. A connection that never
	// announced its identity is simply discarded: no registry entry existed,
	// no broadcast fires.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if announced {
				if userID, last := g.registry.Unregister(client); last {
					g.broadcaster.AnnounceLeave(userID)
				}
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeUserConnected:
			if announced {
				g.log.Info("ws.announce.duplicate", "session_id", sessionID, "user_id", client.UserID)
				g.trySendError(ctx, client, "already_identified", "identity already announced")
				continue readLoop
			}
			if err := g.onAnnounce(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "unauthorized", err.Error())
				shutdown(websocket.StatusPolicyViolation, "identity rejected")
				break readLoop
			}
			announced = true

		case v1.TypeUpdateActivity:
			if !announced {
				g.trySendError(ctx, client, "not_identified", "announce identity first")
				continue readLoop
			}
			if err := g.onUpdateActivity(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "bad_payload", err.Error())
				continue readLoop
			}

		case v1.TypeSendMessage:
			if !announced {
				g.trySendError(ctx, client, "not_identified", "announce identity first")
				continue readLoop
			}
			g.onSendMessage(ctx, client, env, now)

		case v1.TypeFetchMessages:
			if !announced {
				g.trySendError(ctx, client, "not_identified", "announce identity first")
				continue readLoop
			}
			if err := g.onFetchMessages(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "history_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onAnnounce performs the Connecting -> Active transition: identity is
// resolved, the connection registered, and the join sequence emitted.
func (g *WSGateway) onAnnounce(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.UserConnectedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID, err := g.resolveIdentity(ctx, p)
	if err != nil {
		return err
	}

	// Written once, before Register publishes the client.
	client.UserID = userID

	first := g.registry.Register(userID, client)
	g.broadcaster.AnnounceJoin(client, first)
	return nil
}

// resolveIdentity applies the auth policy: a verified token subject always
// wins; a bare claimed id is accepted only when auth is not required.
func (g *WSGateway) resolveIdentity(ctx context.Context, p v1.UserConnectedPayload) (string, error) {
	claimed := strings.TrimSpace(p.UserID)
	token := strings.TrimSpace(p.Token)

	if token != "" {
		if g.verifier == nil {
			return "", errors.New("identity token not supported")
		}
		sub, err := g.verifier.Verify(ctx, token)
		if err != nil {
			return "", err
		}
		if claimed != "" && claimed != sub {
			return "", errors.New("user_id does not match token subject")
		}
		return sub, nil
	}

	if g.requireAuth {
		return "", errors.New("identity token required")
	}
	if claimed == "" {
		return "", errors.New("missing user_id")
	}
	return claimed, nil
}

func (g *WSGateway) onUpdateActivity(_ context.Context, client *Client, env v1.Envelope) error {
	var p v1.UpdateActivityPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	activity := strings.TrimSpace(p.Activity)
	if activity == "" {
		return errors.New("missing activity")
	}
	if len([]rune(activity)) > maxActivityChars {
		return fmt.Errorf("activity too long: max=%d chars", maxActivityChars)
	}

	// The wire payload carries a user_id, but the connection's verified
	// identity is authoritative: one user cannot spoof another's activity.
	if p.UserID != "" && p.UserID != client.UserID {
		g.log.Info("ws.activity.spoof_ignored", "session_id", client.SessionID, "claimed", p.UserID)
	}

	g.broadcaster.AnnounceActivity(client.UserID, activity)
	return nil
}

// onSendMessage persists and relays a direct message. The sender always gets
// exactly one answer: message_sent on success, message_error on store
// failure, or a generic error envelope for a malformed request.
func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "bad_payload", fmt.Sprintf("invalid payload: %v", err))
		return
	}

	msg, _, err := g.relay.Send(ctx, client.UserID, p.ReceiverID, p.Content, now)
	if err != nil {
		if errors.Is(err, ErrEmptyReceiver) || errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrContentTooLong) {
			g.trySendError(ctx, client, "bad_payload", err.Error())
			return
		}

		// Persistence failed: the message is NOT considered sent, and only
		// the sender learns about it so it can retry.
		ep, _ := json.Marshal(v1.MessageErrorPayload{Code: "persist_failed", Message: err.Error()})
		g.enqueue(ctx, client, g.newEnvelope(v1.TypeMessageError, ep, now))
		return
	}

	ack, _ := json.Marshal(v1.MessageSentPayload{Message: msg.Wire()})
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeMessageSent, ack, now)) {
		g.log.Info("ws.ack.drop", "session_id", client.SessionID, "message_id", msg.ID)
	}
}

func (g *WSGateway) onFetchMessages(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.FetchMessagesPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	out, err := g.relay.History(ctx, client.UserID, p.WithUserID, p.BeforeID, p.Limit)
	if err != nil {
		return err
	}

	msgs := make([]v1.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.Wire())
	}

	chunk, _ := json.Marshal(v1.MessagesHistoryPayload{
		WithUserID: strings.TrimSpace(p.WithUserID),
		Messages:   msgs,
		HasMore:    out.HasMore,
	})
	if !g.enqueue(ctx, client, g.newEnvelope(v1.TypeMessagesHistory, chunk, time.Now().UTC())) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, g.newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func (g *WSGateway) newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEventID(),
		TS:      ts,
		Payload: payload,
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if err == nil {
		return readErrUnknown
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// Decode failures from readEnvelope: bad syntax and valid-JSON-wrong-shape
	// frames (e.g. a bare number) are both protocol errors, not transport errors.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
