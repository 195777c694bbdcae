package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// MessageRepository persists ticket chat messages and their read receipts.
type MessageRepository struct {
	pool *pgxpool.Pool
	tm   *TransactionManager
}

// Ensure implementation matches the interface.
var _ ports.MessageStore = (*MessageRepository)(nil)

// NewMessageRepository creates a new message repository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{
		pool: pool,
		tm:   NewTransactionManager(pool),
	}
}

const messageColumns = `id, ticket_id, author_id, author_name, author_role, content, internal, attachments, client_message_id, created_at`

const insertMessage = `
INSERT INTO chat_messages (id, ticket_id, author_id, author_name, author_role, content, internal, attachments, client_message_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
ON CONFLICT (ticket_id, author_id, client_message_id) WHERE client_message_id IS NOT NULL DO NOTHING
RETURNING ` + messageColumns

const getMessageByClientKey = `
SELECT ` + messageColumns + `
FROM chat_messages
WHERE ticket_id = $1 AND author_id = $2 AND client_message_id = $3`

// Append stores msg and returns the persisted copy. A repeated client
// message id returns the first stored copy with its receipts.
func (r *MessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}

	var stored *domain.ChatMessage
	err = r.tm.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx, insertMessage,
			uuid.New(),
			string(msg.TicketID),
			msg.Author.UserID,
			msg.Author.DisplayName,
			string(msg.Author.Role),
			msg.Content,
			msg.Internal,
			string(attachments),
			toText(msg.ClientMessageID),
		))
		switch {
		case err == nil:
			stored = m
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return storeError("append message", err)
		}

		// Conflict on the client key: the message was already stored.
		m, err = scanMessage(tx.QueryRow(ctx, getMessageByClientKey,
			string(msg.TicketID), msg.Author.UserID, msg.ClientMessageID))
		if err != nil {
			return storeError("load existing message", err)
		}
		receipts, err := loadReceipts(ctx, tx, []uuid.UUID{m.ID})
		if err != nil {
			return err
		}
		if rb, ok := receipts[m.ID]; ok {
			m.ReadBy = rb
		}
		stored = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

const listRecentMessages = `
SELECT ` + messageColumns + `
FROM (
    SELECT ` + messageColumns + `, seq
    FROM chat_messages
    WHERE ticket_id = $1 AND ($2 OR NOT internal)
    ORDER BY seq DESC
    LIMIT $3
) recent
ORDER BY seq ASC`

// History returns the newest q.Limit messages oldest first, with receipts.
func (r *MessageRepository) History(ctx context.Context, q ports.HistoryQuery) ([]*domain.ChatMessage, error) {
	var msgs []*domain.ChatMessage
	err := r.tm.WithReadOnlyTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listRecentMessages, string(q.TicketID), q.IncludeInternal, q.Limit)
		if err != nil {
			return storeError("load history", err)
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return storeError("scan history", err)
			}
			msgs = append(msgs, m)
		}
		if err := rows.Err(); err != nil {
			return storeError("load history", err)
		}

		ids := make([]uuid.UUID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		receipts, err := loadReceipts(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if rb, ok := receipts[m.ID]; ok {
				m.ReadBy = rb
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	return msgs, nil
}

// Inserting through a SELECT on the message scopes the receipt to the ticket;
// GREATEST keeps each reader's entry monotonic.
const mergeReadReceipt = `
WITH target AS (
	SELECT id, internal
	FROM chat_messages
	WHERE id = $1 AND ticket_id = $2 AND (NOT internal OR $5)
), merged AS (
	INSERT INTO message_reads (message_id, reader_id, read_at)
	SELECT id, $3, $4
	FROM target
	ON CONFLICT (message_id, reader_id) DO UPDATE
	SET read_at = GREATEST(message_reads.read_at, EXCLUDED.read_at)
	RETURNING message_id
)
SELECT t.internal
FROM target t
JOIN merged m ON m.message_id = t.id`

// MergeReadReceipt records the reader's read time for a message.
func (r *MessageRepository) MergeReadReceipt(ctx context.Context, u ports.ReadReceiptUpdate) (*domain.ReadMark, error) {
	mark := &domain.ReadMark{MessageID: u.MessageID}
	err := GetDBTX(ctx, r.pool).QueryRow(ctx, mergeReadReceipt,
		u.MessageID, string(u.TicketID), u.ReaderID, u.ReadAt.UTC(), u.IncludeInternal,
	).Scan(&mark.Internal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("merge read receipt", err)
	}
	return mark, nil
}

const listReceipts = `
SELECT message_id, reader_id, read_at
FROM message_reads
WHERE message_id = ANY($1)`

func loadReceipts(ctx context.Context, db DBTX, ids []uuid.UUID) (map[uuid.UUID]domain.ReadReceipts, error) {
	out := make(map[uuid.UUID]domain.ReadReceipts, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := db.Query(ctx, listReceipts, ids)
	if err != nil {
		return nil, storeError("load read receipts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID uuid.UUID
			readerID  string
			readAt    time.Time
		)
		if err := rows.Scan(&messageID, &readerID, &readAt); err != nil {
			return nil, storeError("scan read receipt", err)
		}
		if out[messageID] == nil {
			out[messageID] = domain.ReadReceipts{}
		}
		out[messageID][readerID] = readAt.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("load read receipts", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (*domain.ChatMessage, error) {
	var (
		m           domain.ChatMessage
		ticketID    string
		role        string
		attachments []byte
		clientKey   pgtype.Text
	)
	err := row.Scan(
		&m.ID,
		&ticketID,
		&m.Author.UserID,
		&m.Author.DisplayName,
		&role,
		&m.Content,
		&m.Internal,
		&attachments,
		&clientKey,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.TicketID = domain.TicketID(ticketID)
	m.Author.Role = domain.Role(role)
	m.ClientMessageID = fromText(clientKey)
	m.CreatedAt = m.CreatedAt.UTC()
	m.ReadBy = domain.ReadReceipts{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return &m, nil
}

func nonNilAttachments(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}
