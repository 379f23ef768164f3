package store

import (
	"context"
	"database/sql"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queueRelay(ctx context.Context, ex execer, e *RelayEntry) error {
	now := time.Now().UnixMilli()
	e.Status = RelayQueued
	e.CreatedAt = now
	res, err := ex.ExecContext(ctx, `
		INSERT INTO relay_outbox (correlation_id, room_id, message_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		e.CorrelationID, e.RoomID, e.MessageID, string(e.Payload), now, now)
	if err != nil {
		return mapWriteErr("queue relay", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// QueueRelay adds a federated message to the relay outbox.
func (db *DB) QueueRelay(ctx context.Context, e *RelayEntry) error {
	return queueRelay(ctx, db, e)
}

// ClaimRelays moves up to limit queued entries to 'relaying' and returns them oldest first.
// A claimed entry is never handed out again.
func (db *DB) ClaimRelays(ctx context.Context, limit int) ([]RelayEntry, error) {
	if limit <= 0 {
		limit = 32
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, correlation_id, room_id, message_id, payload, status, created_at
		FROM relay_outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var entries []RelayEntry
	for rows.Next() {
		var e RelayEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.RoomID, &e.MessageID, &payload, &e.Status, &e.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for i := range entries {
		if _, err := tx.ExecContext(ctx, `UPDATE relay_outbox SET status = 'relaying', updated_at = ? WHERE id = ?`,
			now, entries[i].ID); err != nil {
			return nil, err
		}
		entries[i].Status = RelayRunning
	}
	return entries, tx.Commit()
}

// MarkRelayDone records the per-peer outcome counts of a relayed entry.
func (db *DB) MarkRelayDone(ctx context.Context, id int64, succeeded, failed int) error {
	res, err := db.ExecContext(ctx, `
		UPDATE relay_outbox SET status = 'relayed', succeeded = ?, failed = ?, updated_at = ? WHERE id = ?`,
		succeeded, failed, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireAffected("mark relay done", res)
}

// MarkRelayFailed records that an entry could not be handed to the registry.
func (db *DB) MarkRelayFailed(ctx context.Context, id int64, errMsg string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE relay_outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireAffected("mark relay failed", res)
}

// FailInterruptedRelays marks entries left in 'relaying' by a previous process as failed.
func (db *DB) FailInterruptedRelays(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE relay_outbox SET status = 'failed', error_message = 'interrupted', updated_at = ?
		WHERE status = 'relaying'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RelayEntryByCorrelation returns an outbox entry by correlation id.
func (db *DB) RelayEntryByCorrelation(ctx context.Context, correlationID string) (*RelayEntry, error) {
	var e RelayEntry
	var payload string
	err := db.QueryRowContext(ctx, `
		SELECT id, correlation_id, room_id, message_id, payload, status, succeeded, failed, error_message, created_at
		FROM relay_outbox WHERE correlation_id = ?`, correlationID).
		Scan(&e.ID, &e.CorrelationID, &e.RoomID, &e.MessageID, &payload, &e.Status, &e.Succeeded, &e.Failed,
			&e.ErrorMessage, &e.CreatedAt)
	if err != nil {
		return nil, mapReadErr("relay entry", err)
	}
	e.Payload = []byte(payload)
	return &e, nil
}

// MarkRelaySeen records a correlation id for a platform. It returns true the first
// time the pair is seen and false for every repeat.
func (db *DB) MarkRelaySeen(ctx context.Context, platform, correlationID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relay_seen (platform, correlation_id, seen_at) VALUES (?, ?, ?)`,
		platform, correlationID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PruneRelaySeen drops dedupe records older than the cutoff.
func (db *DB) PruneRelaySeen(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM relay_seen WHERE seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
