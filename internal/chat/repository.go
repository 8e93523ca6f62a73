package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conduitapp/conduit/pkg/db"
)

var (
	// ErrConversationNotFound is returned when a conversation does not
	// exist or is not owned by the requesting user.
	ErrConversationNotFound = errors.New("chat: conversation not found")

	// ErrMessageNotFound is returned when no message matches a lookup.
	ErrMessageNotFound = errors.New("chat: message not found")
)

const conversationColumns = `id, user_id, title, coalesce(summary, ''),
	coalesce(model, ''), temperature, coalesce(system_prompt, ''),
	created_at, updated_at`

const messageColumns = `id, conversation_id, message_index, role, content,
	request_id, created_at`

// Repository reads and writes conversations and messages.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository on the shared pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateConversation inserts a conversation for the user.
func (r *Repository) CreateConversation(ctx context.Context, userID int64, title, model string, temperature *float64, systemPrompt string) (*Conversation, error) {
	if title == "" {
		title = "New Chat"
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title, model, temperature, system_prompt)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
		RETURNING `+conversationColumns,
		userID, title, model, temperature, systemPrompt)

	return scanConversation(row)
}

// GetForUser fetches a conversation only when the user owns it.
func (r *Repository) GetForUser(ctx context.Context, conversationID uuid.UUID, userID int64) (*Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1 AND user_id = $2`,
		conversationID, userID)
	return scanConversation(row)
}

// MessageByRequestID fetches the latest message carrying the request id,
// optionally filtered by role. The replay check keys on this lookup.
func (r *Repository) MessageByRequestID(ctx context.Context, conversationID, requestID uuid.UUID, role Role) (*Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND request_id = $2
		  AND ($3 = '' OR role = $3)
		ORDER BY message_index DESC, id DESC
		LIMIT 1`,
		conversationID, requestID, string(role))

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// RecentMessages returns the newest messages in chronological order.
func (r *Repository) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 30
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY message_index DESC, id DESC
		LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: recent messages: %w", err)
	}

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query, chronological for the prompt.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages pages a conversation's transcript backwards from
// beforeIndex (or from the end when beforeIndex is nil), returning the page
// in chronological order.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int, beforeIndex *int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 100)

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		  AND ($3::int IS NULL OR message_index < $3)
		ORDER BY message_index DESC, id DESC
		LIMIT $2`,
		conversationID, limit, beforeIndex)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendMessages appends the entries in one transaction, allocating
// consecutive message indices under a row lock on the conversation so
// concurrent writers serialize and indices stay unique and gap-free.
func (r *Repository) AppendMessages(ctx context.Context, conversationID, requestID uuid.UUID, entries []Entry) ([]Message, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var persisted []Message
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Lock the parent conversation row so concurrent writers to the
		// same chat serialize before reading max(index).
		var lockedID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID).Scan(&lockedID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("chat: lock conversation: %w", err)
		}

		var lastIndex int
		err = tx.QueryRow(ctx, `
			SELECT coalesce(max(message_index), 0)
			FROM messages WHERE conversation_id = $1`,
			conversationID).Scan(&lastIndex)
		if err != nil {
			return fmt.Errorf("chat: read max index: %w", err)
		}

		next := lastIndex + 1
		for _, entry := range entries {
			row := tx.QueryRow(ctx, `
				INSERT INTO messages (conversation_id, message_index, role, content, request_id)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING `+messageColumns,
				conversationID, next, entry.Role, entry.Content, requestID)

			msg, err := scanMessage(row)
			if err != nil {
				return fmt.Errorf("chat: insert message: %w", err)
			}
			persisted = append(persisted, *msg)
			next++
		}

		_, err = tx.Exec(ctx, `
			UPDATE conversations SET updated_at = now() WHERE id = $1`,
			conversationID)
		if err != nil {
			return fmt.Errorf("chat: touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return persisted, nil
}

// UpdateMetadata rewrites the conversation's title and summary.
func (r *Repository) UpdateMetadata(ctx context.Context, conversationID uuid.UUID, title, summary string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET title = $2, summary = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`,
		conversationID, title, summary)
	if err != nil {
		return fmt.Errorf("chat: update metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// DeleteConversation removes a conversation; messages cascade.
func (r *Repository) DeleteConversation(ctx context.Context, conversationID uuid.UUID, userID int64) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM conversations WHERE id = $1 AND user_id = $2`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("chat: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &c.Summary,
		&c.Model, &c.Temperature, &c.SystemPrompt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("chat: scan conversation: %w", err)
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Index, &m.Role, &m.Content,
		&m.RequestID, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: rows: %w", err)
	}
	return out, nil
}
