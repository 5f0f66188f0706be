package interfaces

import (
	"context"

	"proctorhub/pkg/types"
)

// ProviderAdapter is the capability set every proctoring provider implements
// ARCHITECTURAL DISCOVERY: One implementation per provider type, selected through
// a registry keyed by the settings' server type
type ProviderAdapter interface {
	// Type returns the provider this adapter serves
	Type() types.ProviderType

	// TestConnection returns nil, a *types.ValidationError naming the offending
	// settings field, or a *types.ServiceUnavailableError
	TestConnection(ctx context.Context, settings *types.ProctoringSettings) error

	// NewCollectingRoom allocates the collecting room with the given zero-based ordinal
	NewCollectingRoom(ctx context.Context, settings *types.ProctoringSettings, ordinal int) (*types.RoomHandle, error)

	// NewBreakOutRoom allocates an ad-hoc room with the given subject
	NewBreakOutRoom(ctx context.Context, settings *types.ProctoringSettings, subject string) (*types.RoomHandle, error)

	DisposeRoom(ctx context.Context, settings *types.ProctoringSettings, room *types.ProctoringRoom) error
	DisposeAllRoomsForExam(ctx context.Context, examID int64, settings *types.ProctoringSettings) error

	// GetClientConnection builds the signed join descriptor for one exam client
	GetClientConnection(ctx context.Context, settings *types.ProctoringSettings, connectionToken, roomName, subject string) (*types.RoomConnection, error)

	// GetProctorConnection builds the signed join descriptor for the proctor
	GetProctorConnection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject string) (*types.RoomConnection, error)

	// MapInstructionAttributes translates generic reconfiguration keys; unmapped keys pass through
	MapInstructionAttributes(attributes map[string]string) map[string]string
	DefaultInstructionAttributes() map[string]string
	CreateJoinInstructionAttributes(conn *types.RoomConnection) map[string]string
}
