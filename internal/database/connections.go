package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proctorhub/pkg/types"
)

const connectionColumns = `id, connection_token, exam_id, client_group_id, user_session_id,
	status, room_id, group_id, needs_room_update, created_at`

func scanConnection(row rowScanner) (*types.ClientConnection, error) {
	var c types.ClientConnection
	var roomID, groupID sql.NullInt64
	var needsUpdate int

	err := row.Scan(&c.ID, &c.Token, &c.ExamID, &c.ClientGroupID, &c.UserSessionID,
		&c.Status, &roomID, &groupID, &needsUpdate, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.RoomID = nullableInt64(roomID)
	c.GroupID = nullableInt64(groupID)
	c.NeedsRoomUpdate = needsUpdate == 1
	return &c, nil
}

func (m *Manager) queryConnections(ctx context.Context, where string, args ...interface{}) ([]*types.ClientConnection, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM client_connections WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []*types.ClientConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// GetConnection loads one client connection by its token
func (m *Manager) GetConnection(ctx context.Context, connectionToken string) (*types.ClientConnection, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM client_connections WHERE connection_token = ?`, connectionToken)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", connectionToken, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}
	return c, nil
}

// SaveConnection upserts a connection by token. Slot links are left untouched.
func (m *Manager) SaveConnection(ctx context.Context, conn *types.ClientConnection) error {
	if conn.Status == "" {
		conn.Status = types.ConnectionRequested
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `
			INSERT INTO client_connections
				(connection_token, exam_id, client_group_id, user_session_id, status, needs_room_update)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(connection_token) DO UPDATE SET
				client_group_id = excluded.client_group_id,
				user_session_id = excluded.user_session_id,
				status = excluded.status,
				needs_room_update = excluded.needs_room_update
			RETURNING id`,
			conn.Token, conn.ExamID, conn.ClientGroupID, conn.UserSessionID, conn.Status,
			boolToInt(conn.NeedsRoomUpdate)).Scan(&conn.ID)
		if err != nil {
			return fmt.Errorf("failed to save connection: %w", err)
		}
		return nil
	})
}

// UpdateConnectionStatus changes the lifecycle state of a connection
func (m *Manager) UpdateConnectionStatus(ctx context.Context, connectionToken string, status types.ConnectionStatus) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE client_connections SET status = ? WHERE connection_token = ?`, status, connectionToken)
		if err != nil {
			return fmt.Errorf("failed to update connection status: %w", err)
		}
		return expectRow(res, "connection", connectionToken)
	})
}

// SetRoomUpdateFlag marks a connection for the next room update pass
func (m *Manager) SetRoomUpdateFlag(ctx context.Context, connectionToken string, needsUpdate bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE client_connections SET needs_room_update = ? WHERE connection_token = ?`,
			boolToInt(needsUpdate), connectionToken)
		if err != nil {
			return fmt.Errorf("failed to set room update flag: %w", err)
		}
		return expectRow(res, "connection", connectionToken)
	})
}

// ActiveConnectionTokens lists tokens of all ACTIVE connections of an exam
func (m *Manager) ActiveConnectionTokens(ctx context.Context, examID int64) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT connection_token FROM client_connections
		WHERE exam_id = ? AND status = ? ORDER BY id`, examID, types.ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan connection token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// ListConnectionsForUpdate returns every flagged connection of an exam, whatever its status
func (m *Manager) ListConnectionsForUpdate(ctx context.Context, examID int64) ([]*types.ClientConnection, error) {
	return m.queryConnections(ctx, `exam_id = ? AND needs_room_update = 1`, examID)
}

// ListConnectionsInRoom returns connections holding a slot in the room
func (m *Manager) ListConnectionsInRoom(ctx context.Context, roomID int64) ([]*types.ClientConnection, error) {
	return m.queryConnections(ctx, `room_id = ?`, roomID)
}

// ListConnectionsInGroup returns connections holding a slot in the group
func (m *Manager) ListConnectionsInGroup(ctx context.Context, groupID int64) ([]*types.ClientConnection, error) {
	return m.queryConnections(ctx, `group_id = ?`, groupID)
}
