package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"proctorhub/internal/websocket"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// PendingStore is the part of the instruction store the router replays from
type PendingStore interface {
	PendingInstructions(ctx context.Context, connectionToken string) ([]*types.Instruction, error)
}

// Router pushes stored instructions to live client channels
// ARCHITECTURAL DISCOVERY: Pure delivery logic. Persistence happens before
// routing and acknowledgement happens on the socket, so a missing channel is
// not an error: the instruction stays pending until the client reconnects
type Router struct {
	registry    *websocket.Registry
	store       PendingStore
	rateLimiter *RateLimiter
}

var _ interfaces.InstructionRouter = (*Router)(nil)

// NewRouter creates a new instruction router
func NewRouter(registry *websocket.Registry, store PendingStore, perMinute int) *Router {
	return &Router{
		registry:    registry,
		store:       store,
		rateLimiter: NewRateLimiter(perMinute),
	}
}

// RouteInstruction writes one stored instruction to its client's channel
func (r *Router) RouteInstruction(ctx context.Context, instruction *types.Instruction) error {
	if instruction == nil || instruction.ID == "" || instruction.ConnectionToken == "" {
		return ErrInvalidInstruction
	}

	conn, ok := r.registry.GetConnection(instruction.ConnectionToken)
	if !ok {
		return nil
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per connection token; a
	// throttled instruction stays pending and goes out on the next flush
	if !r.rateLimiter.Allow(instruction.ConnectionToken) {
		return ErrRateLimitExceeded
	}

	if err := conn.WriteJSON(instruction); err != nil {
		return fmt.Errorf("failed to deliver instruction %s: %w", instruction.ID, err)
	}
	return nil
}

// FlushPending replays every unacknowledged instruction of one client in order.
// It stops at the first failure so later instructions never overtake earlier ones.
func (r *Router) FlushPending(ctx context.Context, connectionToken string) (int, error) {
	if _, ok := r.registry.GetConnection(connectionToken); !ok {
		return 0, nil
	}

	pending, err := r.store.PendingInstructions(ctx, connectionToken)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending instructions: %w", err)
	}

	sent := 0
	for _, instruction := range pending {
		if err := r.RouteInstruction(ctx, instruction); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// FlushAll replays pending instructions to every connected client
func (r *Router) FlushAll(ctx context.Context) (int, error) {
	r.rateLimiter.Cleanup()

	total := 0
	var failed int
	for _, token := range r.registry.ConnectionTokens() {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := r.FlushPending(ctx, token)
		total += n
		if err != nil && !errors.Is(err, ErrRateLimitExceeded) {
			failed++
			log.Printf("Failed to flush instructions: token=%s error=%v", token, err)
		}
	}
	if failed > 0 {
		return total, fmt.Errorf("flush failed for %d connections", failed)
	}
	return total, nil
}
