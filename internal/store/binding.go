package store

import (
	"context"
	"time"
)

const bindingColumns = `id, platform, room_id, channel_ref, guild_ref, channel_name, created_by_id,
	created_by_name, active, valid, message_count, last_used_at, last_validated_at, created_at`

func scanBinding(row rowScanner) (*Binding, error) {
	var b Binding
	err := row.Scan(&b.ID, &b.Platform, &b.RoomID, &b.ChannelRef, &b.GuildRef, &b.ChannelName,
		&b.CreatedByID, &b.CreatedByName, &b.Active, &b.Valid, &b.MessageCount, &b.LastUsedAt,
		&b.LastValidatedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertBinding stores a new active, valid binding. The partial unique indexes reject a
// second active binding for the same channel or room on a platform with ErrConflict.
func (db *DB) InsertBinding(ctx context.Context, b *Binding) error {
	now := time.Now().UnixMilli()
	b.Active, b.Valid = true, true
	b.CreatedAt = now
	b.LastValidatedAt = now
	res, err := db.ExecContext(ctx, `
		INSERT INTO bindings (platform, room_id, channel_ref, guild_ref, channel_name, created_by_id,
			created_by_name, active, valid, last_validated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?, ?)`,
		b.Platform, b.RoomID, b.ChannelRef, b.GuildRef, b.ChannelName, b.CreatedByID, b.CreatedByName,
		now, now, now)
	if err != nil {
		return mapWriteErr("insert binding", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

// ActiveBindingByChannel returns the active binding of a platform channel.
func (db *DB) ActiveBindingByChannel(ctx context.Context, platform, channelRef string) (*Binding, error) {
	b, err := scanBinding(db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE platform = ? AND channel_ref = ? AND active = 1`, platform, channelRef))
	if err != nil {
		return nil, mapReadErr("binding by channel", err)
	}
	return b, nil
}

// ActiveBindingByRoom returns the active binding of a room on a platform.
func (db *DB) ActiveBindingByRoom(ctx context.Context, platform, roomID string) (*Binding, error) {
	b, err := scanBinding(db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE platform = ? AND room_id = ? AND active = 1`, platform, roomID))
	if err != nil {
		return nil, mapReadErr("binding by room", err)
	}
	return b, nil
}

// GetBinding returns a binding by id regardless of state.
func (db *DB) GetBinding(ctx context.Context, id int64) (*Binding, error) {
	b, err := scanBinding(db.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM bindings WHERE id = ?`, id))
	if err != nil {
		return nil, mapReadErr("get binding", err)
	}
	return b, nil
}

// ListActiveBindings returns active bindings, optionally filtered by platform.
func (db *DB) ListActiveBindings(ctx context.Context, platform string) ([]Binding, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+bindingColumns+` FROM bindings
		WHERE active = 1 AND (? = '' OR platform = ?)
		ORDER BY id ASC`, platform, platform)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// DeactivateBinding marks a binding inactive. The row is kept for history.
func (db *DB) DeactivateBinding(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE bindings SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireAffected("deactivate binding", res)
}

// SetBindingValidity records the outcome of an external validation.
// last_validated_at only advances on success. Inactive rows are left alone
// and report ErrNotFound.
func (db *DB) SetBindingValidity(ctx context.Context, id int64, valid bool) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE bindings SET valid = ?,
			last_validated_at = CASE WHEN ? THEN ? ELSE last_validated_at END,
			updated_at = ?
		WHERE id = ? AND active = 1`, valid, valid, now, now, id)
	if err != nil {
		return err
	}
	return requireAffected("set binding validity", res)
}

// RecordBindingUse increments the relayed message counter.
func (db *DB) RecordBindingUse(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE bindings SET message_count = message_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return err
	}
	return requireAffected("record binding use", res)
}
