package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proctorhub/pkg/types"
)

const examColumns = `id, institution_id, name, status, start_time, end_time, needs_update`

func scanExam(row rowScanner) (*types.Exam, error) {
	var exam types.Exam
	var endTime sql.NullTime
	var needsUpdate int

	err := row.Scan(&exam.ID, &exam.InstitutionID, &exam.Name, &exam.Status,
		&exam.StartTime, &endTime, &needsUpdate)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		exam.EndTime = &endTime.Time
	}
	exam.NeedsUpdate = needsUpdate == 1
	return &exam, nil
}

// GetExam loads an exam together with its attribute bag
func (m *Manager) GetExam(ctx context.Context, examID int64) (*types.Exam, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = ?`, examID)
	exam, err := scanExam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exam %d: %w", examID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query exam: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM exam_attributes WHERE exam_id = ?`, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exam attributes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	exam.Attributes = make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan exam attribute: %w", err)
		}
		exam.Attributes[name] = value
	}
	return exam, rows.Err()
}

// ListExamsByStatus returns exams in the given state without their attributes
func (m *Manager) ListExamsByStatus(ctx context.Context, status types.ExamStatus) ([]*types.Exam, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+examColumns+` FROM exams WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query exams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var exams []*types.Exam
	for rows.Next() {
		exam, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exam row: %w", err)
		}
		exams = append(exams, exam)
	}
	return exams, rows.Err()
}

// SaveExam upserts the exam row and any attributes present on it
func (m *Manager) SaveExam(ctx context.Context, exam *types.Exam) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exams (id, institution_id, name, status, start_time, end_time, needs_update)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				institution_id = excluded.institution_id,
				name = excluded.name,
				status = excluded.status,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				updated_at = CURRENT_TIMESTAMP`,
			exam.ID, exam.InstitutionID, exam.Name, exam.Status, exam.StartTime, exam.EndTime,
			boolToInt(exam.NeedsUpdate))
		if err != nil {
			return fmt.Errorf("failed to upsert exam: %w", err)
		}

		for name, value := range exam.Attributes {
			if err := upsertAttribute(ctx, tx, exam.ID, name, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetExamAttribute writes one attribute of the exam's bag
func (m *Manager) SetExamAttribute(ctx context.Context, examID int64, key, value string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		return upsertAttribute(ctx, tx, examID, key, value)
	})
}

func upsertAttribute(ctx context.Context, tx *sql.Tx, examID int64, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO exam_attributes (exam_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT(exam_id, name) DO UPDATE SET value = excluded.value`,
		examID, key, value)
	if err != nil {
		return fmt.Errorf("failed to write exam attribute %s: %w", key, err)
	}
	return nil
}

// DeleteExamAttribute removes one attribute; missing attributes are ignored
func (m *Manager) DeleteExamAttribute(ctx context.Context, examID int64, key string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM exam_attributes WHERE exam_id = ? AND name = ?`, examID, key)
		if err != nil {
			return fmt.Errorf("failed to delete exam attribute %s: %w", key, err)
		}
		return nil
	})
}

// MarkExamForUpdate tells the exam subsystem to refresh its cached copy
func (m *Manager) MarkExamForUpdate(ctx context.Context, examID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE exams SET needs_update = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, examID)
		if err != nil {
			return fmt.Errorf("failed to mark exam: %w", err)
		}
		return expectRow(res, "exam", examID)
	})
}

// ListClientGroups returns the selectable client groups of an exam
func (m *Manager) ListClientGroups(ctx context.Context, examID int64) ([]*types.ClientGroup, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, exam_id, name FROM client_groups WHERE exam_id = ? ORDER BY id`, examID)
	if err != nil {
		return nil, fmt.Errorf("failed to query client groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*types.ClientGroup
	for rows.Next() {
		var g types.ClientGroup
		if err := rows.Scan(&g.ID, &g.ExamID, &g.Name); err != nil {
			return nil, fmt.Errorf("failed to scan client group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// SaveClientGroup upserts a client group
func (m *Manager) SaveClientGroup(ctx context.Context, group *types.ClientGroup) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO client_groups (id, exam_id, name) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
			group.ID, group.ExamID, group.Name)
		if err != nil {
			return fmt.Errorf("failed to save client group: %w", err)
		}
		return nil
	})
}

func expectRow(res sql.Result, entity string, id interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", entity, id, types.ErrNotFound)
	}
	return nil
}
