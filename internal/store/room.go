package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateRoom inserts a new room. Returns ErrConflict if the id is taken.
func (db *DB) CreateRoom(ctx context.Context, r *Room) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, federated, allowed_platforms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Federated, encodeStrings(r.AllowedPlatforms), r.CreatedAt)
	return mapWriteErr("create room", err)
}

// EnsureRoom creates the room if it does not exist and returns the stored record.
// An existing room keeps its name; federated is only ever switched on.
func (db *DB) EnsureRoom(ctx context.Context, r *Room) (*Room, error) {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, federated, allowed_platforms, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			federated = MAX(rooms.federated, excluded.federated),
			name = CASE WHEN rooms.name = '' THEN excluded.name ELSE rooms.name END`,
		r.ID, r.Name, r.Federated, encodeStrings(r.AllowedPlatforms), now)
	if err != nil {
		return nil, mapWriteErr("ensure room", err)
	}
	return db.GetRoom(ctx, r.ID)
}

// GetRoom returns a room by id.
func (db *DB) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	var allowed string
	err := db.QueryRowContext(ctx, `
		SELECT id, name, federated, allowed_platforms, created_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Federated, &allowed, &r.CreatedAt)
	if err != nil {
		return nil, mapReadErr("get room", err)
	}
	r.AllowedPlatforms = decodeStrings(allowed)
	return &r, nil
}

// ListRooms returns all rooms ordered by creation time.
func (db *DB) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, federated, allowed_platforms, created_at FROM rooms ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		var allowed string
		if err := rows.Scan(&r.ID, &r.Name, &r.Federated, &allowed, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.AllowedPlatforms = decodeStrings(allowed)
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room; members, messages and bindings cascade. Relays
// still queued for the room are failed so the worker never sends them.
func (db *DB) DeleteRoom(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireAffected("delete room", res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE relay_outbox SET status = 'failed', error_message = 'room deleted', updated_at = ?
		WHERE room_id = ? AND status = 'queued'`, time.Now().UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddRoomMember joins a user to a room. Joining twice is a no-op.
func (db *DB) AddRoomMember(ctx context.Context, roomID, userID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING`,
		roomID, userID, time.Now().UnixMilli())
	return err
}

// RemoveRoomMember removes a user from a room.
func (db *DB) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return err
	}
	return requireAffected("remove room member", res)
}

// RoomMembers returns the user ids participating in a room.
func (db *DB) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM room_members WHERE room_id = ? ORDER BY joined_at ASC, user_id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// IsRoomMember reports whether the user participates in the room.
func (db *DB) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&n)
	return n > 0, err
}

func requireAffected(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapReadErr(op, sql.ErrNoRows)
	}
	return nil
}
