package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proctorhub/pkg/types"
)

// StoreInstruction persists an instruction until the client acknowledges it
func (m *Manager) StoreInstruction(ctx context.Context, instruction *types.Instruction) error {
	if instruction.ID == "" {
		instruction.ID = uuid.New().String()
	}
	if instruction.CreatedAt.IsZero() {
		instruction.CreatedAt = time.Now()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		// TECHNICAL DISCOVERY: JSON serialization keeps the attribute map schema-free
		attrs, err := json.Marshal(instruction.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal instruction attributes: %w", err)
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO instructions (id, exam_id, type, connection_token, attributes, urgent, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			instruction.ID, instruction.ExamID, instruction.Type, instruction.ConnectionToken,
			string(attrs), boolToInt(instruction.Urgent), instruction.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert instruction: %w", err)
		}
		return nil
	})
}

// PendingInstructions returns undelivered instructions for one client in insertion order
func (m *Manager) PendingInstructions(ctx context.Context, connectionToken string) ([]*types.Instruction, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, exam_id, type, connection_token, attributes, urgent, created_at
		FROM instructions
		WHERE connection_token = ? AND delivered_at IS NULL
		ORDER BY rowid`, connectionToken)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending instructions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []*types.Instruction
	for rows.Next() {
		var in types.Instruction
		var attrs string
		var urgent int
		if err := rows.Scan(&in.ID, &in.ExamID, &in.Type, &in.ConnectionToken, &attrs, &urgent, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instruction row: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &in.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instruction attributes: %w", err)
		}
		in.Urgent = urgent == 1
		pending = append(pending, &in)
	}
	return pending, rows.Err()
}

// MarkInstructionDelivered records the client's acknowledgement
func (m *Manager) MarkInstructionDelivered(ctx context.Context, instructionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE instructions SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
			time.Now(), instructionID)
		if err != nil {
			return fmt.Errorf("failed to mark instruction delivered: %w", err)
		}
		return expectRow(res, "instruction", instructionID)
	})
}

// DeleteInstructionsForExam drops all instructions of a disposed exam
func (m *Manager) DeleteInstructionsForExam(ctx context.Context, examID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM instructions WHERE exam_id = ?`, examID); err != nil {
			return fmt.Errorf("failed to delete instructions: %w", err)
		}
		return nil
	})
}
