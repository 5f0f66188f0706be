package database

import (
	"testing"
)

func TestSchemaValidator_FullSchema(t *testing.T) {
	db := migratedTestDB(t)
	v := NewSchemaValidator(db)

	if err := v.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist failed: %v", err)
	}
	if err := v.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure failed: %v", err)
	}
	if err := v.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes failed: %v", err)
	}
	if err := v.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints failed: %v", err)
	}

	// constraint probes must leave nothing behind
	var exams int
	if err := db.QueryRow("SELECT COUNT(*) FROM exams").Scan(&exams); err != nil {
		t.Fatalf("Failed to count exams: %v", err)
	}
	if exams != 0 {
		t.Errorf("Expected probe rows to be rolled back, found %d exams", exams)
	}
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	v := NewSchemaValidator(openTestDB(t))

	if err := v.ValidateTablesExist(); err == nil {
		t.Error("Expected missing tables to be reported")
	}
	if err := v.ValidateIndexes(); err == nil {
		t.Error("Expected missing indexes to be reported")
	}
}

func TestSchema_SlotSizeCannotGoNegative(t *testing.T) {
	db := migratedTestDB(t)

	if _, err := db.Exec(`INSERT INTO exams (id, name, start_time) VALUES (1, 'Exam', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("Failed to insert exam: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO proctoring_rooms (exam_id, name) VALUES (1, 'room')`); err != nil {
		t.Fatalf("Failed to insert room: %v", err)
	}
	if _, err := db.Exec(`UPDATE proctoring_rooms SET size = size - 1 WHERE name = 'room'`); err == nil {
		t.Error("Expected CHECK (size >= 0) to reject negative size")
	}
}

func TestSchema_DeletingRoomUnlinksConnections(t *testing.T) {
	db := migratedTestDB(t)

	mustExec := func(q string, args ...interface{}) {
		t.Helper()
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}

	mustExec(`INSERT INTO exams (id, name, start_time) VALUES (1, 'Exam', CURRENT_TIMESTAMP)`)
	mustExec(`INSERT INTO proctoring_rooms (id, exam_id, name, size) VALUES (10, 1, 'room', 1)`)
	mustExec(`INSERT INTO client_connections (connection_token, exam_id, status, room_id) VALUES ('c1', 1, 'ACTIVE', 10)`)
	mustExec(`DELETE FROM proctoring_rooms WHERE id = 10`)

	var roomID *int64
	if err := db.QueryRow(`SELECT room_id FROM client_connections WHERE connection_token = 'c1'`).Scan(&roomID); err != nil {
		t.Fatalf("Failed to read connection: %v", err)
	}
	if roomID != nil {
		t.Errorf("Expected room link cleared, got %d", *roomID)
	}
}
