package interfaces

import (
	"context"

	"proctorhub/pkg/types"
)

// InstructionQueue accepts instructions for asynchronous delivery.
// Fire-and-forget: ordering and redelivery belong to the queue.
type InstructionQueue interface {
	Enqueue(ctx context.Context, examID int64, instructionType types.InstructionType, attributes map[string]string, connectionToken string, urgent bool) error
}

// InstructionRouter delivers stored instructions to live client connections
type InstructionRouter interface {
	RouteInstruction(ctx context.Context, instruction *types.Instruction) error
	// FlushPending replays the client's unacknowledged instructions
	FlushPending(ctx context.Context, connectionToken string) (int, error)
	// FlushAll replays unacknowledged instructions to every live client
	FlushAll(ctx context.Context) (int, error)
}
