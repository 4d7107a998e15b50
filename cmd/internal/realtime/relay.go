package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "tunetime/shared/contracts/presence/v1"
)

// Relay input validation errors. They are protocol errors, not store errors:
// the gateway reports them to the sender and keeps the connection alive.
var (
	ErrEmptyReceiver  = errors.New("realtime: missing receiver_id")
	ErrEmptyContent   = errors.New("realtime: empty content")
	ErrContentTooLong = fmt.Errorf("realtime: content too long: max=%d chars", maxMessageChars)
)

// Relay accepts a send request, persists it, and forwards the persisted
// message to the receiver's live connections.
//
// Ordering contract: persistence happens-before delivery and happens-before
// the sender acknowledgment. The store call runs without any registry lock,
// so one in-flight write never stalls other connections.
type Relay struct {
	log      *slog.Logger
	store    MessageStore
	registry *Registry
}

// NewRelay constructs a Relay over the given store and registry.
func NewRelay(log *slog.Logger, store MessageStore, registry *Registry) *Relay {
	return &Relay{log: log, store: store, registry: registry}
}

// Send validates and persists the message, then fans it out to each of the
// receiver's connections (multi-device). It returns the persisted message and
// the number of connections the delivery was enqueued to.
//
// An offline receiver is not an error: the message is persisted, delivered
// count is zero, and the sender is still acknowledged. A store failure is an
// error: nothing is delivered and the caller reports message_error to the
// sender only.
func (r *Relay) Send(ctx context.Context, senderID, receiverID, content string, now time.Time) (StoredMessage, int, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return StoredMessage{}, 0, ErrEmptyReceiver
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return StoredMessage{}, 0, ErrEmptyContent
	}
	if len([]rune(content)) > maxMessageChars {
		return StoredMessage{}, 0, ErrContentTooLong
	}

	msg, err := r.store.CreateMessage(ctx, CreateMessageInput{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Now:        now,
	})
	if err != nil {
		metricPersistFailures.Inc()
		r.log.Error("relay.persist.fail", "sender_id", senderID, "receiver_id", receiverID, "err", err)
		return StoredMessage{}, 0, fmt.Errorf("store create: %w", err)
	}
	metricMessagesPersisted.Inc()

	delivered := r.deliver(msg)

	r.log.Info("relay.send",
		"message_id", msg.ID, "sender_id", senderID, "receiver_id", receiverID, "delivered", delivered)
	return msg, delivered, nil
}

// deliver enqueues receive_message to each receiver connection, non-blocking.
// A slow receiver drops the event rather than stalling the sender's ack;
// the persisted copy remains the source of truth.
func (r *Relay) deliver(msg StoredMessage) int {
	conns := r.registry.ConnectionsFor(msg.ReceiverID)
	if len(conns) == 0 {
		return 0
	}

	p, _ := json.Marshal(v1.ReceiveMessagePayload{Message: msg.Wire()})
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeReceiveMessage,
		ID:      NewEventID(),
		TS:      time.Now().UTC(),
		Payload: p,
	}

	delivered := 0
	for _, c := range conns {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
			metricMessagesDelivered.Inc()
		default:
			metricBroadcastDrops.Inc()
			r.log.Info("relay.deliver.drop", "session_id", c.SessionID, "message_id", msg.ID)
		}
	}
	return delivered
}

// History fetches the two-way conversation window between userID and peerID.
func (r *Relay) History(ctx context.Context, userID, peerID, beforeID string, limit int) (ListConversationResult, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ListConversationResult{}, errors.New("realtime: missing with_user_id")
	}

	return r.store.ListConversation(ctx, ListConversationInput{
		UserA:    userID,
		UserB:    peerID,
		BeforeID: beforeID,
		Limit:    limit,
	})
}
