package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredTables lists every table the stores read or write
var RequiredTables = []string{
	"exams",
	"exam_attributes",
	"client_groups",
	"client_connections",
	"proctoring_rooms",
	"proctoring_groups",
	"instructions",
}

// RequiredIndexes lists the indexes the reservation and delivery queries rely on
var RequiredIndexes = []string{
	"idx_rooms_single_townhall",
	"idx_rooms_exam",
	"idx_groups_exam",
	"idx_connections_exam_status",
	"idx_connections_update",
	"idx_instructions_pending",
	"idx_instructions_exam",
}

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range append(RequiredTables, "schema_migrations") {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies the columns the slot reservation depends on
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"proctoring_rooms": {
			"id":                    "INTEGER",
			"exam_id":               "INTEGER",
			"name":                  "TEXT",
			"size":                  "INTEGER",
			"townhall":              "INTEGER",
			"break_out_connections": "TEXT",
			"is_open":               "INTEGER",
		},
		"proctoring_groups": {
			"id":              "INTEGER",
			"uuid":            "TEXT",
			"size":            "INTEGER",
			"capacity":        "INTEGER",
			"is_fallback":     "INTEGER",
			"client_group_id": "INTEGER",
		},
		"client_connections": {
			"connection_token":  "TEXT",
			"status":            "TEXT",
			"room_id":           "INTEGER",
			"group_id":          "INTEGER",
			"needs_room_update": "INTEGER",
		},
		"instructions": {
			"id":               "TEXT",
			"type":             "TEXT",
			"connection_token": "TEXT",
			"attributes":       "TEXT",
			"delivered_at":     "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all required indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints verifies the integrity rules enforced by the database itself.
// All probes run in one transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// foreign key: connections must reference an existing exam
	if _, err := tx.Exec(`INSERT INTO client_connections (connection_token, exam_id, status)
		VALUES ('constraint-probe', -1, 'ACTIVE')`); err == nil {
		return errors.New("foreign key constraint not enforced: client_connections.exam_id")
	}

	if _, err := tx.Exec(`INSERT INTO exams (id, name, start_time) VALUES (-1, 'probe', CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("failed to create probe exam: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO instructions (id, exam_id, type, connection_token, created_at)
		VALUES ('probe', -1, 'INVALID', 'constraint-probe', CURRENT_TIMESTAMP)`); err == nil {
		return errors.New("check constraint not enforced: instruction type")
	}

	if _, err := tx.Exec(`INSERT INTO proctoring_rooms (exam_id, name, townhall) VALUES (-1, 'th-1', 1)`); err != nil {
		return fmt.Errorf("failed to create probe room: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO proctoring_rooms (exam_id, name, townhall) VALUES (-1, 'th-2', 1)`); err == nil {
		return errors.New("unique constraint not enforced: one town-hall room per exam")
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expectedColumns {
		gotType, ok := foundColumns[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}
	return nil
}
