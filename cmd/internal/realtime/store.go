package realtime

import (
	"context"
	"time"

	v1 "tunetime/shared/contracts/presence/v1"
)

// StoredMessage is the canonical persisted direct message.
// Immutable once created; retention is the store's concern, not the core's.
type StoredMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	CreatedAt  time.Time
}

// Wire converts a stored message to its contract form.
func (m StoredMessage) Wire() v1.Message {
	return v1.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - CreateMessage assigns a ULID id, so id order is creation order.
//   - ListConversation returns the two-way (a,b) history ordered by id ASC,
//     with keyset paging by BeforeID.
type MessageStore interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (StoredMessage, error)
	ListConversation(ctx context.Context, in ListConversationInput) (ListConversationResult, error)
	Close() error
}

// CreateMessageInput describes a persist request.
type CreateMessageInput struct {
	SenderID   string
	ReceiverID string
	Content    string
	Now        time.Time
}

// ListConversationInput describes a history query between two users.
type ListConversationInput struct {
	UserA    string
	UserB    string
	BeforeID string
	Limit    int
}

// ListConversationResult contains the retrieved history window.
type ListConversationResult struct {
	Messages []StoredMessage
	HasMore  bool
}
