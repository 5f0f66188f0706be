// Package reservation places exam clients into capacity bounded rooms and
// groups, growing a pool on demand when it is full.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"proctorhub/pkg/types"
)

// ExpandFunc creates and persists one more slot holder in the pool
type ExpandFunc func(ctx context.Context) error

// Service reserves and releases pool slots.
// ARCHITECTURAL DISCOVERY: the capacity check and the increment happen in one
// conditional UPDATE on the database writer goroutine, so the service itself
// holds no locks; it only coalesces concurrent expansions of the same pool
type Service struct {
	expansions singleflight.Group
}

// NewService creates a reservation service
func NewService() *Service {
	return &Service{}
}

// Reserve links the connection to a free slot. When the pool is full, expand
// runs once (shared with concurrent callers on the same pool) and the
// reservation is retried exactly once. The flight checks the pool again before
// expanding, so a caller arriving right after an expansion uses its room. Returns types.ErrAllGroupsFull when the
// retry still finds no room or expand is nil.
func (s *Service) Reserve(ctx context.Context, pool Pool, examID int64, connectionToken string, expand ExpandFunc) (int64, error) {
	if pool == nil {
		return 0, ErrNilPool
	}

	slotID, err := pool.Reserve(ctx, examID, connectionToken)
	if !errors.Is(err, types.ErrAllGroupsFull) {
		return slotID, err
	}
	if expand == nil {
		return 0, err
	}

	key := fmt.Sprintf("%d/%s", examID, pool.Name())
	v, err, shared := s.expansions.Do(key, func() (interface{}, error) {
		// an expansion that finished after our first attempt may have made room
		slotID, err := pool.Reserve(ctx, examID, connectionToken)
		if !errors.Is(err, types.ErrAllGroupsFull) {
			return &placement{token: connectionToken, slotID: slotID}, err
		}
		log.Printf("Expanding full pool: exam=%d pool=%s", examID, pool.Name())
		return nil, expand(ctx)
	})
	if p, ok := v.(*placement); ok && p.token == connectionToken {
		return p.slotID, err
	}
	if err != nil {
		return 0, fmt.Errorf("expanding pool %s: %w", pool.Name(), err)
	}
	if shared {
		log.Printf("Joined pool expansion: exam=%d pool=%s token=%s", examID, pool.Name(), connectionToken)
	}

	return pool.Reserve(ctx, examID, connectionToken)
}

// placement is a slot taken inside an expansion flight without expanding
type placement struct {
	token  string
	slotID int64
}

// Release frees the connection's slot. Idempotent.
func (s *Service) Release(ctx context.Context, pool Pool, examID, slotID int64, connectionToken string) error {
	if pool == nil {
		return ErrNilPool
	}
	if err := pool.Release(ctx, slotID, connectionToken); err != nil {
		return fmt.Errorf("releasing slot %d of exam %d: %w", slotID, examID, err)
	}
	return nil
}
