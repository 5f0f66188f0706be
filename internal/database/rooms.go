package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"proctorhub/pkg/types"
)

const roomColumns = `id, exam_id, name, size, subject, townhall, break_out_connections,
	join_key, additional_data, is_open, created_at`

// collecting rooms are neither town-hall nor break-out
const collectingRoomFilter = `townhall = 0 AND break_out_connections = '[]'`

func scanRoom(row rowScanner) (*types.ProctoringRoom, error) {
	var r types.ProctoringRoom
	var townhall, open int
	var breakOut string

	err := row.Scan(&r.ID, &r.ExamID, &r.Name, &r.Size, &r.Subject, &townhall, &breakOut,
		&r.JoinKey, &r.AdditionalData, &open, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.IsTownhall = townhall == 1
	r.IsOpen = open == 1
	// TECHNICAL DISCOVERY: Break-out membership is stored as a JSON array
	// to keep the room a single row
	if err := json.Unmarshal([]byte(breakOut), &r.BreakOutConnections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal break-out connections: %w", err)
	}
	if len(r.BreakOutConnections) == 0 {
		r.BreakOutConnections = nil
	}
	return &r, nil
}

func marshalBreakOut(tokens []string) (string, error) {
	if tokens == nil {
		tokens = []string{}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("failed to marshal break-out connections: %w", err)
	}
	return string(data), nil
}

func (m *Manager) queryRoom(ctx context.Context, q queryer, where string, args ...interface{}) (*types.ProctoringRoom, error) {
	row := q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM proctoring_rooms WHERE `+where, args...)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return room, nil
}

func (m *Manager) queryRooms(ctx context.Context, where string, args ...interface{}) ([]*types.ProctoringRoom, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM proctoring_rooms WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []*types.ProctoringRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// CreateRoom persists a room allocated by a provider.
// A second town-hall room for the same exam fails with types.ErrTownhallActive.
func (m *Manager) CreateRoom(ctx context.Context, examID int64, handle *types.RoomHandle, townhall bool, breakOut []string) (*types.ProctoringRoom, error) {
	breakOutJSON, err := marshalBreakOut(breakOut)
	if err != nil {
		return nil, err
	}

	var room *types.ProctoringRoom
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO proctoring_rooms
				(exam_id, name, size, subject, townhall, break_out_connections, join_key, additional_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			examID, handle.Name, len(breakOut), handle.Subject, boolToInt(townhall), breakOutJSON,
			handle.JoinKey, handle.AdditionalData).Scan(&id)
		if err != nil {
			if townhall && isUniqueViolation(err) {
				return types.ErrTownhallActive
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}

		room, err = m.queryRoom(ctx, tx, `id = ?`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom looks a room up by its provider name
func (m *Manager) GetRoom(ctx context.Context, examID int64, name string) (*types.ProctoringRoom, error) {
	return m.queryRoom(ctx, m.db, `exam_id = ? AND name = ?`, examID, name)
}

// GetRoomByID looks a room up by its local id
func (m *Manager) GetRoomByID(ctx context.Context, roomID int64) (*types.ProctoringRoom, error) {
	return m.queryRoom(ctx, m.db, `id = ?`, roomID)
}

// GetTownhallRoom returns the active town-hall room or types.ErrNotFound
func (m *Manager) GetTownhallRoom(ctx context.Context, examID int64) (*types.ProctoringRoom, error) {
	return m.queryRoom(ctx, m.db, `exam_id = ? AND townhall = 1`, examID)
}

// ListRooms returns every room of an exam
func (m *Manager) ListRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error) {
	return m.queryRooms(ctx, `exam_id = ?`, examID)
}

// ListCollectingRooms returns the capacity pools of an exam in creation order
func (m *Manager) ListCollectingRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error) {
	return m.queryRooms(ctx, `exam_id = ? AND `+collectingRoomFilter, examID)
}

// CountCollectingRooms is used to derive the ordinal of the next collecting room
func (m *Manager) CountCollectingRooms(ctx context.Context, examID int64) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proctoring_rooms WHERE exam_id = ? AND `+collectingRoomFilter, examID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count collecting rooms: %w", err)
	}
	return n, nil
}

// SetRoomOpen opens or closes a room for new reservations
func (m *Manager) SetRoomOpen(ctx context.Context, roomID int64, open bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE proctoring_rooms SET is_open = ? WHERE id = ?`, boolToInt(open), roomID)
		if err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		return expectRow(res, "room", roomID)
	})
}

// RemoveBreakOutConnection drops a participant from a break-out room and
// returns the updated room
func (m *Manager) RemoveBreakOutConnection(ctx context.Context, roomID int64, connectionToken string) (*types.ProctoringRoom, error) {
	var room *types.ProctoringRoom
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		current, err := m.queryRoom(ctx, tx, `id = ?`, roomID)
		if err != nil {
			return err
		}

		remaining := slices.DeleteFunc(slices.Clone(current.BreakOutConnections), func(t string) bool {
			return t == connectionToken
		})
		breakOutJSON, err := marshalBreakOut(remaining)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE proctoring_rooms SET break_out_connections = ?, size = ? WHERE id = ?`,
			breakOutJSON, len(remaining), roomID); err != nil {
			return fmt.Errorf("failed to update break-out connections: %w", err)
		}

		current.BreakOutConnections = remaining
		current.Size = len(remaining)
		room = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// DeleteRoom removes a room. Connections holding a slot in it are unlinked
// and flagged so the next update pass places them again.
func (m *Manager) DeleteRoom(ctx context.Context, roomID int64) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE client_connections SET room_id = NULL, needs_room_update = 1
			WHERE room_id = ? AND status = ?`, roomID, types.ConnectionActive); err != nil {
			return fmt.Errorf("failed to unlink room connections: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM proctoring_rooms WHERE id = ?`, roomID)
		if err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		return expectRow(res, "room", roomID)
	})
}

// DeleteRoomsForExam removes every room of an exam and all room links
func (m *Manager) DeleteRoomsForExam(ctx context.Context, examID int64) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET room_id = NULL WHERE exam_id = ?`, examID); err != nil {
			return fmt.Errorf("failed to unlink room connections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proctoring_rooms WHERE exam_id = ?`, examID); err != nil {
			return fmt.Errorf("failed to delete rooms: %w", err)
		}
		return nil
	})
}

// ReserveRoomSlot links the connection to the first open collecting room with
// size below capacity (capacity <= 0 means unbounded) and increments its size.
// FUNCTIONAL DISCOVERY: Check and increment run in one transaction on the
// writer goroutine, so concurrent reservations can never overfill a room.
// A connection that already holds a slot gets its current room back.
func (m *Manager) ReserveRoomSlot(ctx context.Context, examID int64, capacity int, connectionToken string) (*types.ProctoringRoom, error) {
	var room *types.ProctoringRoom
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT room_id FROM client_connections WHERE connection_token = ?`, connectionToken).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("connection %s: %w", connectionToken, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read connection: %w", err)
		}
		if current.Valid {
			room, err = m.queryRoom(ctx, tx, `id = ?`, current.Int64)
			return err
		}

		var roomID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM proctoring_rooms
			WHERE exam_id = ? AND `+collectingRoomFilter+` AND is_open = 1
				AND (? <= 0 OR size < ?)
			ORDER BY id LIMIT 1`, examID, capacity, capacity).Scan(&roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrAllGroupsFull
		}
		if err != nil {
			return fmt.Errorf("failed to select room: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE proctoring_rooms SET size = size + 1 WHERE id = ?`, roomID); err != nil {
			return fmt.Errorf("failed to increment room size: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET room_id = ? WHERE connection_token = ?`, roomID, connectionToken); err != nil {
			return fmt.Errorf("failed to link connection to room: %w", err)
		}

		room, err = m.queryRoom(ctx, tx, `id = ?`, roomID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ReleaseRoomSlot unlinks the connection and decrements the room size, once
func (m *Manager) ReleaseRoomSlot(ctx context.Context, roomID int64, connectionToken string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET room_id = NULL WHERE connection_token = ? AND room_id = ?`,
			connectionToken, roomID)
		if err != nil {
			return fmt.Errorf("failed to unlink connection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE proctoring_rooms SET size = MAX(size - 1, 0) WHERE id = ?`, roomID); err != nil {
			return fmt.Errorf("failed to decrement room size: %w", err)
		}
		return nil
	})
}
