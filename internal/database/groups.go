package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"proctorhub/pkg/types"
)

const groupColumns = `id, exam_id, uuid, name, size, capacity, is_fallback, client_group_id, data, created_at`

func scanGroup(row rowScanner) (*types.ProctoringGroup, error) {
	var g types.ProctoringGroup
	var fallback int
	err := row.Scan(&g.ID, &g.ExamID, &g.UUID, &g.Name, &g.Size, &g.Capacity, &fallback,
		&g.ClientGroupID, &g.Data, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.IsFallback = fallback == 1
	return &g, nil
}

func (m *Manager) queryGroup(ctx context.Context, q queryer, groupID int64) (*types.ProctoringGroup, error) {
	row := q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM proctoring_groups WHERE id = ?`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %d: %w", groupID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	return g, nil
}

// CreateGroup persists a group and sets its ID
func (m *Manager) CreateGroup(ctx context.Context, group *types.ProctoringGroup) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		err := db.QueryRowContext(ctx, `
			INSERT INTO proctoring_groups
				(exam_id, uuid, name, size, capacity, is_fallback, client_group_id, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			group.ExamID, group.UUID, group.Name, group.Size, group.Capacity,
			boolToInt(group.IsFallback), group.ClientGroupID, group.Data).Scan(&group.ID)
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
		group.CreatedAt = time.Now()
		return nil
	})
}

// GetGroup loads one group by local id
func (m *Manager) GetGroup(ctx context.Context, groupID int64) (*types.ProctoringGroup, error) {
	return m.queryGroup(ctx, m.db, groupID)
}

// ListGroups returns the groups of an exam, fallback groups first
func (m *Manager) ListGroups(ctx context.Context, examID int64) ([]*types.ProctoringGroup, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+groupColumns+` FROM proctoring_groups
		WHERE exam_id = ? ORDER BY is_fallback DESC, id`, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*types.ProctoringGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateGroupName renames the local record only
func (m *Manager) UpdateGroupName(ctx context.Context, groupID int64, name string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE proctoring_groups SET name = ? WHERE id = ?`, name, groupID)
		if err != nil {
			return fmt.Errorf("failed to rename group: %w", err)
		}
		return expectRow(res, "group", groupID)
	})
}

// UpdateGroupRemote rebinds the local record to a recreated remote group
func (m *Manager) UpdateGroupRemote(ctx context.Context, groupID int64, uuid, data string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE proctoring_groups SET uuid = ?, data = ? WHERE id = ?`, uuid, data, groupID)
		if err != nil {
			return fmt.Errorf("failed to update group remote: %w", err)
		}
		return expectRow(res, "group", groupID)
	})
}

// DeleteGroup removes a group; members are unlinked and flagged for placement
func (m *Manager) DeleteGroup(ctx context.Context, groupID int64) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE client_connections SET group_id = NULL, needs_room_update = 1
			WHERE group_id = ? AND status = ?`, groupID, types.ConnectionActive); err != nil {
			return fmt.Errorf("failed to unlink group connections: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET group_id = NULL WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to unlink group connections: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM proctoring_groups WHERE id = ?`, groupID)
		if err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}
		return expectRow(res, "group", groupID)
	})
}

// DeleteGroupsForExam removes every group of an exam and all group links
func (m *Manager) DeleteGroupsForExam(ctx context.Context, examID int64) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET group_id = NULL WHERE exam_id = ?`, examID); err != nil {
			return fmt.Errorf("failed to unlink group connections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proctoring_groups WHERE exam_id = ?`, examID); err != nil {
			return fmt.Errorf("failed to delete groups: %w", err)
		}
		return nil
	})
}

// ReserveGroupSlot links the connection to the first group of the pool with a
// free place. The pool is the client group's groups, or the fallback pool for 0.
// Capacity is per group; capacity <= 0 means unbounded.
func (m *Manager) ReserveGroupSlot(ctx context.Context, examID, clientGroupID int64, connectionToken string) (*types.ProctoringGroup, error) {
	var group *types.ProctoringGroup
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT group_id FROM client_connections WHERE connection_token = ?`, connectionToken).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("connection %s: %w", connectionToken, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read connection: %w", err)
		}
		if current.Valid {
			group, err = m.queryGroup(ctx, tx, current.Int64)
			return err
		}

		var groupID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM proctoring_groups
			WHERE exam_id = ? AND client_group_id = ? AND (capacity <= 0 OR size < capacity)
			ORDER BY is_fallback DESC, id LIMIT 1`, examID, clientGroupID).Scan(&groupID)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrAllGroupsFull
		}
		if err != nil {
			return fmt.Errorf("failed to select group: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE proctoring_groups SET size = size + 1 WHERE id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to increment group size: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET group_id = ? WHERE connection_token = ?`, groupID, connectionToken); err != nil {
			return fmt.Errorf("failed to link connection to group: %w", err)
		}

		group, err = m.queryGroup(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ReleaseGroupSlot unlinks the connection and decrements the group size, once
func (m *Manager) ReleaseGroupSlot(ctx context.Context, groupID int64, connectionToken string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE client_connections SET group_id = NULL WHERE connection_token = ? AND group_id = ?`,
			connectionToken, groupID)
		if err != nil {
			return fmt.Errorf("failed to unlink connection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE proctoring_groups SET size = MAX(size - 1, 0) WHERE id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to decrement group size: %w", err)
		}
		return nil
	})
}
