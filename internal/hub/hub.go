package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// DefaultRetryInterval is how often unacknowledged instructions are replayed
const DefaultRetryInterval = 30 * time.Second

// Store persists instructions before they are queued
type Store interface {
	StoreInstruction(ctx context.Context, instruction *types.Instruction) error
}

// Hub queues instructions and feeds them to the router
// ARCHITECTURAL DISCOVERY: Central coordination point for all instruction flow.
// Callers never block on client delivery: Enqueue persists and returns, one
// goroutine drains the queues
type Hub struct {
	// FUNCTIONAL DISCOVERY: Separate lanes let urgent instructions (reconfigure,
	// rejoin) overtake bulk joins queued during a room update pass
	urgent   chan *types.Instruction
	normal   chan *types.Instruction
	shutdown chan struct{}

	store         Store
	router        interfaces.InstructionRouter
	retryInterval time.Duration

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

var _ interfaces.InstructionQueue = (*Hub)(nil)

// NewHub creates a new hub
func NewHub(store Store, router interfaces.InstructionRouter, retryInterval time.Duration) *Hub {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Hub{
		// TECHNICAL DISCOVERY: Buffers sized for a full exam joining at once
		urgent:        make(chan *types.Instruction, 1000),
		normal:        make(chan *types.Instruction, 1000),
		shutdown:      make(chan struct{}),
		store:         store,
		router:        router,
		retryInterval: retryInterval,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	shutdown := h.shutdown
	h.mu.Unlock()

	log.Println("Starting instruction hub...")
	go h.run(ctx, shutdown)
	return nil
}

// Stop gracefully shuts down the hub. Queued instructions stay persisted
// and are replayed on the next flush.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping instruction hub...")
	close(h.shutdown)
	return nil
}

// IsRunning reports whether the processing loop is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Enqueue persists an instruction for one client and queues it for delivery.
// It works before Start; the queue is drained once the hub runs.
func (h *Hub) Enqueue(ctx context.Context, examID int64, instructionType types.InstructionType, attributes map[string]string, connectionToken string, urgent bool) error {
	if connectionToken == "" || !types.IsValidInstructionType(instructionType) {
		return fmt.Errorf("%w: type=%s token=%q", ErrInvalidInstruction, instructionType, connectionToken)
	}

	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}

	// ARCHITECTURAL DISCOVERY: Server controls instruction IDs, the client
	// acknowledges by echoing the id back
	instruction := &types.Instruction{
		ID:              uuid.New().String(),
		ExamID:          examID,
		Type:            instructionType,
		ConnectionToken: connectionToken,
		Attributes:      attrs,
		Urgent:          urgent,
		CreatedAt:       time.Now(),
	}

	// Persist first so a full queue or a crash never loses an instruction
	if err := h.store.StoreInstruction(ctx, instruction); err != nil {
		return fmt.Errorf("failed to persist instruction: %w", err)
	}

	lane := h.normal
	if urgent {
		lane = h.urgent
	}

	// TECHNICAL DISCOVERY: Non-blocking send prevents hub lockup; an overflowed
	// instruction is already stored and goes out with the next retry flush
	select {
	case lane <- instruction:
	default:
		log.Printf("Instruction queue full, deferring to retry: id=%s token=%s urgent=%t",
			instruction.ID, connectionToken, urgent)
	}
	return nil
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}) {
	defer log.Println("Hub processing stopped")

	ticker := time.NewTicker(h.retryInterval)
	defer ticker.Stop()

	for {
		// Drain urgent instructions before looking at anything else
		select {
		case in := <-h.urgent:
			h.deliver(ctx, in)
			continue
		default:
		}

		select {
		case in := <-h.urgent:
			h.deliver(ctx, in)
		case in := <-h.normal:
			h.deliver(ctx, in)
		case <-ticker.C:
			h.retry(ctx)
		case <-shutdown:
			log.Println("Hub shutdown requested")
			return
		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// deliver hands one instruction to the router
// TECHNICAL DISCOVERY: Router errors are logged but don't crash the hub; the
// instruction stays pending until acknowledged
func (h *Hub) deliver(ctx context.Context, in *types.Instruction) {
	if err := h.router.RouteInstruction(ctx, in); err != nil {
		log.Printf("Instruction delivery deferred: id=%s type=%s token=%s error=%v",
			in.ID, in.Type, in.ConnectionToken, err)
	}
}

func (h *Hub) retry(ctx context.Context) {
	n, err := h.router.FlushAll(ctx)
	if err != nil {
		log.Printf("Instruction retry flush incomplete: sent=%d error=%v", n, err)
		return
	}
	if n > 0 {
		log.Printf("Instruction retry flush: sent=%d", n)
	}
}

// GetStats returns queue depths and the running state
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":       h.IsRunning(),
		"urgent_queued": len(h.urgent),
		"normal_queued": len(h.normal),
	}
}
