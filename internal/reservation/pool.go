package reservation

import (
	"context"
	"strconv"

	"proctorhub/pkg/interfaces"
)

// Pool is a set of capacity bounded slots of one exam.
// Reserve returns types.ErrAllGroupsFull when no slot is free.
type Pool interface {
	// Name identifies the pool within an exam for expansion coalescing
	Name() string
	Reserve(ctx context.Context, examID int64, connectionToken string) (int64, error)
	Release(ctx context.Context, slotID int64, connectionToken string) error
}

// RoomPool is the collecting rooms of an exam, each holding up to Capacity
// clients. A non-positive capacity is unbounded.
type RoomPool struct {
	Store    interfaces.RoomStore
	Capacity int
}

func (p RoomPool) Name() string {
	return "rooms"
}

func (p RoomPool) Reserve(ctx context.Context, examID int64, connectionToken string) (int64, error) {
	room, err := p.Store.ReserveRoomSlot(ctx, examID, p.Capacity, connectionToken)
	if err != nil {
		return 0, err
	}
	return room.ID, nil
}

func (p RoomPool) Release(ctx context.Context, slotID int64, connectionToken string) error {
	return p.Store.ReleaseRoomSlot(ctx, slotID, connectionToken)
}

// GroupPool is the screen proctoring groups bound to one client group,
// or the fallback groups when ClientGroupID is 0
type GroupPool struct {
	Store         interfaces.GroupStore
	ClientGroupID int64
}

func (p GroupPool) Name() string {
	return "groups:" + strconv.FormatInt(p.ClientGroupID, 10)
}

func (p GroupPool) Reserve(ctx context.Context, examID int64, connectionToken string) (int64, error) {
	group, err := p.Store.ReserveGroupSlot(ctx, examID, p.ClientGroupID, connectionToken)
	if err != nil {
		return 0, err
	}
	return group.ID, nil
}

func (p GroupPool) Release(ctx context.Context, slotID int64, connectionToken string) error {
	return p.Store.ReleaseGroupSlot(ctx, slotID, connectionToken)
}
