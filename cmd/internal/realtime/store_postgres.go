package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// The ULID primary key is assigned here, not by the database, so id order is
// creation order and keyset paging works without a separate sequence.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tunetime").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tunetime",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateMessage inserts a message and returns the persisted row.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("realtime: nil store")
	}
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

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, sender_id, receiver_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, in.SenderID, in.ReceiverID, in.Content, now,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	return StoredMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  now,
	}, nil
}

// ListConversation returns the newest window of the two-way history between
// UserA and UserB, ascending by id, paging backwards via BeforeID.
func (s *PostgresStore) ListConversation(ctx context.Context, in ListConversationInput) (ListConversationResult, error) {
	if s == nil || s.pool == nil {
		return ListConversationResult{}, errors.New("realtime: nil store")
	}
	if in.UserA == "" || in.UserB == "" {
		return ListConversationResult{}, errors.New("missing user ids")
	}
	if err := ctx.Err(); err != nil {
		return ListConversationResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	// Fetch newest-first so the window is the most recent page, then reverse.
	if in.BeforeID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, sender_id, receiver_id, content, created_at
			   FROM `+messages+`
			  WHERE (sender_id = $1 AND receiver_id = $2)
			     OR (sender_id = $2 AND receiver_id = $1)
			  ORDER BY id DESC
			  LIMIT $3`,
			in.UserA, in.UserB, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, sender_id, receiver_id, content, created_at
			   FROM `+messages+`
			  WHERE ((sender_id = $1 AND receiver_id = $2)
			     OR (sender_id = $2 AND receiver_id = $1))
			    AND id < $3
			  ORDER BY id DESC
			  LIMIT $4`,
			in.UserA, in.UserB, in.BeforeID, fetch,
		)
	}
	if err != nil {
		return ListConversationResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt); err != nil {
			return ListConversationResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListConversationResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	// Reverse to ascending id order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return ListConversationResult{Messages: msgs, HasMore: hasMore}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
