package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxMessagesPerConversation = 10_000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// InMemoryStore is a dev/test fallback used when no database is configured.
// Same contract as PostgresStore: ULID ids, two-way conversation windows.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string][]StoredMessage // pair key -> messages ordered by id
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string][]StoredMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateMessage persists a message and assigns its ULID id.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (StoredMessage, error) {
	if in.SenderID == "" || in.ReceiverID == "" || in.Content == "" {
		return StoredMessage{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return StoredMessage{}, err
	}

	msg := StoredMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  now,
	}

	key := pairKey(in.SenderID, in.ReceiverID)

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.convs[key], msg)

	// ULIDs from the same millisecond are random-ordered; keep the slice sorted.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerConversation {
		msgs = msgs[len(msgs)-memMaxMessagesPerConversation:]
	}
	s.convs[key] = msgs

	return msg, nil
}

// ListConversation returns the newest window of the two-way history between
// UserA and UserB, ascending by id, paging backwards via BeforeID.
func (s *InMemoryStore) ListConversation(ctx context.Context, in ListConversationInput) (ListConversationResult, error) {
	if in.UserA == "" || in.UserB == "" {
		return ListConversationResult{}, errors.New("missing user ids")
	}
	if err := ctx.Err(); err != nil {
		return ListConversationResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	snap := append([]StoredMessage(nil), s.convs[pairKey(in.UserA, in.UserB)]...)
	s.mu.Unlock()

	if in.BeforeID != "" {
		cut := sort.Search(len(snap), func(i int) bool { return snap[i].ID >= in.BeforeID })
		snap = snap[:cut]
	}

	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[len(snap)-limit:]
	}
	if len(snap) == 0 {
		return ListConversationResult{HasMore: false}, nil
	}

	return ListConversationResult{Messages: snap, HasMore: hasMore}, nil
}

// pairKey is direction-independent so A->B and B->A share one conversation.
func pairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "\x00" + b
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
