package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

const messageColumns = `id, conversation_id, seq, sender_id, recipient_id, COALESCE(room_id, ''), text,
	attachments, payload, seen, deleted_for, deleted_for_everyone, COALESCE(temp_id, ''),
	origin_platform, sender_display, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var attachments, deletedFor string
	var payload sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.RecipientID, &m.RoomID, &m.Text,
		&attachments, &payload, &m.Seen, &deletedFor, &m.DeletedForEveryone, &m.TempID,
		&m.OriginPlatform, &m.SenderDisplay, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Attachments = decodeStrings(attachments)
	m.DeletedFor = decodeStrings(deletedFor)
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	return &m, nil
}

func payloadColumn(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

// InsertMessage persists a new message and assigns the next sequence number of its
// conversation inside the same transaction. When relay is non-nil it is queued to the
// relay outbox atomically with the message. A duplicate (sender, temp id) pair
// returns ErrConflict.
func (db *DB) InsertMessage(ctx context.Context, m *Message, relay *RelayEntry) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, recipient_id, room_id, text, attachments,
			payload, temp_id, origin_platform, sender_display, created_at, updated_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM messages WHERE conversation_id = ?
		RETURNING seq`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, nullString(m.RoomID), m.Text,
		encodeStrings(m.Attachments), payloadColumn(m.Payload), nullString(m.TempID),
		m.OriginPlatform, m.SenderDisplay, m.CreatedAt, m.UpdatedAt, m.ConversationID).Scan(&m.Seq)
	if err != nil {
		return mapWriteErr("insert message", err)
	}

	if relay != nil {
		relay.MessageID = m.ID
		if err := queueRelay(ctx, tx, relay); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, mapReadErr("get message", err)
	}
	return m, nil
}

// GetMessageByTempID returns the message a sender submitted with the given client id.
func (db *DB) GetMessageByTempID(ctx context.Context, senderID, tempID string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? AND temp_id = ?`, senderID, tempID))
	if err != nil {
		return nil, mapReadErr("get message by temp id", err)
	}
	return m, nil
}

// UpdateMessageContent rewrites the text, attachments and payload of a message.
func (db *DB) UpdateMessageContent(ctx context.Context, m *Message) error {
	m.UpdatedAt = time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET text = ?, attachments = ?, payload = ?, updated_at = ? WHERE id = ?`,
		m.Text, encodeStrings(m.Attachments), payloadColumn(m.Payload), m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	return requireAffected("update message", res)
}

// MarkConversationSeen flags every unseen message in the conversation that was not
// authored by userID and returns the distinct senders whose messages flipped.
func (db *DB) MarkConversationSeen(ctx context.Context, conversationID, userID string) ([]string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT sender_id FROM messages
		WHERE conversation_id = ? AND sender_id <> ? AND seen = 0 AND deleted_for_everyone = 0
		ORDER BY sender_id`, conversationID, userID)
	if err != nil {
		return nil, err
	}
	var senders []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			_ = rows.Close()
			return nil, err
		}
		senders = append(senders, s)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET seen = 1, updated_at = ?
		WHERE conversation_id = ? AND sender_id <> ? AND seen = 0 AND deleted_for_everyone = 0`,
		time.Now().UnixMilli(), conversationID, userID); err != nil {
		return nil, err
	}
	return senders, tx.Commit()
}

// HideMessageFor records that userID deleted the message for themselves.
func (db *DB) HideMessageFor(ctx context.Context, id, userID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var deletedFor string
	if err := tx.QueryRowContext(ctx, `SELECT deleted_for FROM messages WHERE id = ?`, id).Scan(&deletedFor); err != nil {
		return mapReadErr("hide message", err)
	}
	users := decodeStrings(deletedFor)
	if slices.Contains(users, userID) {
		return nil
	}
	users = append(users, userID)
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET deleted_for = ?, updated_at = ? WHERE id = ?`,
		encodeStrings(users), time.Now().UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessageForEveryone sets the tombstone flag and drops attachment references.
func (db *DB) DeleteMessageForEveryone(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET deleted_for_everyone = 1, attachments = '[]', updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireAffected("delete message", res)
}

// ListMessages returns a page of a conversation newest first, using keyset pagination
// on seq. Messages userID deleted for themselves are omitted. beforeSeq <= 0 starts at the end.
func (db *DB) ListMessages(ctx context.Context, conversationID, userID string, beforeSeq int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<62 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND seq < ?
			AND NOT EXISTS (SELECT 1 FROM json_each(messages.deleted_for) WHERE json_each.value = ?)
		ORDER BY seq DESC
		LIMIT ?`, conversationID, beforeSeq, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
