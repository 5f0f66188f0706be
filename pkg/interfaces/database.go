package interfaces

import (
	"context"

	"proctorhub/pkg/types"
)

// ExamStore reads exams owned by the exam subsystem.
// Attribute writes are the only exam mutation this service performs.
type ExamStore interface {
	GetExam(ctx context.Context, examID int64) (*types.Exam, error)
	ListExamsByStatus(ctx context.Context, status types.ExamStatus) ([]*types.Exam, error)
	SaveExam(ctx context.Context, exam *types.Exam) error
	SetExamAttribute(ctx context.Context, examID int64, key, value string) error
	DeleteExamAttribute(ctx context.Context, examID int64, key string) error
	MarkExamForUpdate(ctx context.Context, examID int64) error
}

// ClientGroupStore reads the selectable client groups of an exam
type ClientGroupStore interface {
	ListClientGroups(ctx context.Context, examID int64) ([]*types.ClientGroup, error)
	SaveClientGroup(ctx context.Context, group *types.ClientGroup) error
}

// ConnectionStore reads and flags exam client sessions
// FUNCTIONAL DISCOVERY: Slot links (room/group) are only written by the atomic
// reserve/release operations on RoomStore and GroupStore
type ConnectionStore interface {
	GetConnection(ctx context.Context, connectionToken string) (*types.ClientConnection, error)
	SaveConnection(ctx context.Context, conn *types.ClientConnection) error
	UpdateConnectionStatus(ctx context.Context, connectionToken string, status types.ConnectionStatus) error
	SetRoomUpdateFlag(ctx context.Context, connectionToken string, needsUpdate bool) error
	ActiveConnectionTokens(ctx context.Context, examID int64) ([]string, error)
	ListConnectionsForUpdate(ctx context.Context, examID int64) ([]*types.ClientConnection, error)
	ListConnectionsInRoom(ctx context.Context, roomID int64) ([]*types.ClientConnection, error)
	ListConnectionsInGroup(ctx context.Context, groupID int64) ([]*types.ClientConnection, error)
}

// RoomStore persists proctoring rooms
type RoomStore interface {
	CreateRoom(ctx context.Context, examID int64, handle *types.RoomHandle, townhall bool, breakOut []string) (*types.ProctoringRoom, error)
	GetRoom(ctx context.Context, examID int64, name string) (*types.ProctoringRoom, error)
	GetRoomByID(ctx context.Context, roomID int64) (*types.ProctoringRoom, error)
	GetTownhallRoom(ctx context.Context, examID int64) (*types.ProctoringRoom, error)
	ListRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error)
	ListCollectingRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error)
	CountCollectingRooms(ctx context.Context, examID int64) (int, error)
	SetRoomOpen(ctx context.Context, roomID int64, open bool) error
	RemoveBreakOutConnection(ctx context.Context, roomID int64, connectionToken string) (*types.ProctoringRoom, error)
	DeleteRoom(ctx context.Context, roomID int64) error
	DeleteRoomsForExam(ctx context.Context, examID int64) error

	// ReserveRoomSlot atomically links the connection to the first collecting room
	// with a free place, or returns types.ErrAllGroupsFull
	ReserveRoomSlot(ctx context.Context, examID int64, capacity int, connectionToken string) (*types.ProctoringRoom, error)
	// ReleaseRoomSlot is idempotent: a second call for the same token is a no-op
	ReleaseRoomSlot(ctx context.Context, roomID int64, connectionToken string) error
}

// GroupStore persists screen proctoring groups
type GroupStore interface {
	CreateGroup(ctx context.Context, group *types.ProctoringGroup) error
	GetGroup(ctx context.Context, groupID int64) (*types.ProctoringGroup, error)
	ListGroups(ctx context.Context, examID int64) ([]*types.ProctoringGroup, error)
	UpdateGroupName(ctx context.Context, groupID int64, name string) error
	UpdateGroupRemote(ctx context.Context, groupID int64, uuid, data string) error
	DeleteGroup(ctx context.Context, groupID int64) error
	DeleteGroupsForExam(ctx context.Context, examID int64) error

	// ReserveGroupSlot atomically links the connection to a group of the given
	// client group (0 = fallback pool) with a free place, or returns types.ErrAllGroupsFull
	ReserveGroupSlot(ctx context.Context, examID, clientGroupID int64, connectionToken string) (*types.ProctoringGroup, error)
	// ReleaseGroupSlot is idempotent: a second call for the same token is a no-op
	ReleaseGroupSlot(ctx context.Context, groupID int64, connectionToken string) error
}

// InstructionStore persists instructions until the client acknowledges them
type InstructionStore interface {
	StoreInstruction(ctx context.Context, instruction *types.Instruction) error
	PendingInstructions(ctx context.Context, connectionToken string) ([]*types.Instruction, error)
	MarkInstructionDelivered(ctx context.Context, instructionID string) error
	DeleteInstructionsForExam(ctx context.Context, examID int64) error
}

// DatabaseManager handles all database operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type DatabaseManager interface {
	ExamStore
	ClientGroupStore
	ConnectionStore
	RoomStore
	GroupStore
	InstructionStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
