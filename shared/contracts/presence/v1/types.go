// Package v1 defines the Tunetime Presence Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable). Names match the production socket protocol.
const (
	// TypeUserConnected is both the identity announce (client -> server,
	// with token) and the join broadcast (server -> all, user_id only).
	TypeUserConnected = "user_connected"
	// TypeUsersOnline delivers the online-user snapshot (server -> new connection).
	TypeUsersOnline = "users_online"
	// TypeActivities delivers the full activity map (server -> all).
	TypeActivities = "activities"

	// TypeUpdateActivity requests an activity change (client -> server).
	TypeUpdateActivity = "update_activity"
	// TypeActivityUpdated broadcasts an accepted activity change (server -> all).
	TypeActivityUpdated = "activity_updated"

	// TypeSendMessage requests sending a direct message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessageSent acknowledges a persisted message to the sender (server -> sender).
	TypeMessageSent = "message_sent"
	// TypeMessageError reports a failed send to the sender only (server -> sender).
	TypeMessageError = "message_error"
	// TypeReceiveMessage delivers a message to the receiver's connections (server -> receiver).
	TypeReceiveMessage = "receive_message"

	// TypeFetchMessages requests conversation history (client -> server).
	TypeFetchMessages = "fetch_messages"
	// TypeMessagesHistory returns a window of history (server -> client).
	TypeMessagesHistory = "messages_history"

	// TypeUserDisconnected broadcasts a departure (server -> all).
	TypeUserDisconnected = "user_disconnected"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeUserConnected,
		TypeUsersOnline,
		TypeActivities,
		TypeUpdateActivity,
		TypeActivityUpdated,
		TypeSendMessage,
		TypeMessageSent,
		TypeMessageError,
		TypeReceiveMessage,
		TypeFetchMessages,
		TypeMessagesHistory,
		TypeUserDisconnected,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// UserConnectedPayload announces an identity (client -> server) or a join
// (server -> all, user_id only).
type UserConnectedPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// UsersOnlinePayload is the online-user snapshot sent to a new connection.
type UsersOnlinePayload struct {
	Users []string `json:"users"`
}

// UserActivity is one user's current activity label.
type UserActivity struct {
	UserID   string `json:"user_id"`
	Activity string `json:"activity"`
}

// ActivitiesPayload is the full activity map.
type ActivitiesPayload struct {
	Activities []UserActivity `json:"activities"`
}

// UpdateActivityPayload requests an activity change.
type UpdateActivityPayload struct {
	UserID   string `json:"user_id"`
	Activity string `json:"activity"`
}

// ActivityUpdatedPayload broadcasts an accepted activity change.
type ActivityUpdatedPayload struct {
	UserID   string `json:"user_id"`
	Activity string `json:"activity"`
}

// Message is the wire form of a persisted direct message.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// SendMessagePayload requests sending a direct message.
type SendMessagePayload struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// MessageSentPayload acknowledges a persisted message to its sender.
type MessageSentPayload struct {
	Message Message `json:"message"`
}

// MessageErrorPayload reports a failed send to the sender only.
type MessageErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReceiveMessagePayload delivers a message to the receiver.
type ReceiveMessagePayload struct {
	Message Message `json:"message"`
}

// FetchMessagesPayload requests a history window for a conversation with one peer.
type FetchMessagesPayload struct {
	WithUserID string `json:"with_user_id"`
	BeforeID   string `json:"before_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// MessagesHistoryPayload returns messages for a fetch request, ascending by id.
type MessagesHistoryPayload struct {
	WithUserID string    `json:"with_user_id"`
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
}

// UserDisconnectedPayload broadcasts a departure.
type UserDisconnectedPayload struct {
	UserID string `json:"user_id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
