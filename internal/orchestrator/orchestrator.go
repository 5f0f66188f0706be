// Package orchestrator implements the proctoring use cases: collecting room
// assignment, town-hall and break-out rooms, reconfiguration and disposal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"proctorhub/internal/groupsync"
	"proctorhub/internal/provider"
	"proctorhub/internal/remote"
	"proctorhub/internal/reservation"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Store is the persistence the orchestrator drives
type Store interface {
	interfaces.ConnectionStore
	interfaces.RoomStore
	interfaces.GroupStore
	DeleteInstructionsForExam(ctx context.Context, examID int64) error
}

// ExamSource resolves exams and their proctoring settings
type ExamSource interface {
	GetExam(ctx context.Context, examID int64) (*types.Exam, error)
	GetSettings(ctx context.Context, examID int64) (*types.ProctoringSettings, error)
	PrepareSettings(ctx context.Context, settings *types.ProctoringSettings) (*types.ProctoringSettings, error)
	RemoteExamActive(ctx context.Context, examID int64) (bool, error)
}

// GroupSynchronizer reconciles screen proctoring groups
type GroupSynchronizer interface {
	Synchronize(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) (*groupsync.Report, error)
}

// ScreenProctoring is the part of the screen proctoring adapter beyond the
// common provider contract
type ScreenProctoring interface {
	ActivateExam(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) error
	ExamUUID(ctx context.Context, examID int64) (string, error)
	CreateGroup(ctx context.Context, settings *types.ProctoringSettings, examUUID, name string) (*types.RemoteGroup, error)
	DeleteGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID string) error
}

// rejoiner is implemented by adapters that can opt out of re-sending join
// instructions when a collecting room is opened by a proctor
type rejoiner interface {
	SendRejoinForCollectingRoom() bool
}

// Config holds orchestrator behavior toggles
type Config struct {
	// SendBroadcastReset sends the provider's default instruction attributes to
	// clients leaving a closed room
	SendBroadcastReset bool `json:"send_broadcast_reset" yaml:"send_broadcast_reset"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{SendBroadcastReset: true}
}

// Deps are the collaborators of the orchestrator. Groups, Screen and
// Templates are optional.
type Deps struct {
	Store        Store
	Exams        ExamSource
	Registry     *provider.Registry
	Reservations *reservation.Service
	Groups       GroupSynchronizer
	Screen       ScreenProctoring
	Queue        interfaces.InstructionQueue
	Templates    *remote.Cache
}

// Orchestrator runs the proctoring use cases.
// ARCHITECTURAL DISCOVERY: no lock is held across a remote call; the only
// serialization point is the atomic slot reservation in the store
type Orchestrator struct {
	config       Config
	store        Store
	exams        ExamSource
	registry     *provider.Registry
	reservations *reservation.Service
	groups       GroupSynchronizer
	screen       ScreenProctoring
	queue        interfaces.InstructionQueue
	templates    *remote.Cache
}

// New creates an orchestrator
func New(config Config, deps Deps) *Orchestrator {
	reservations := deps.Reservations
	if reservations == nil {
		reservations = reservation.NewService()
	}
	return &Orchestrator{
		config:       config,
		store:        deps.Store,
		exams:        deps.Exams,
		registry:     deps.Registry,
		reservations: reservations,
		groups:       deps.Groups,
		screen:       deps.Screen,
		queue:        deps.Queue,
		templates:    deps.Templates,
	}
}

// binding is an exam's settings together with the adapter they select
type binding struct {
	settings *types.ProctoringSettings
	adapter  interfaces.ProviderAdapter
}

func (o *Orchestrator) bind(ctx context.Context, examID int64) (*binding, error) {
	settings, err := o.exams.GetSettings(ctx, examID)
	if err != nil {
		return nil, err
	}
	adapter, err := o.registry.ForSettings(settings)
	if err != nil {
		return nil, err
	}
	return &binding{settings: settings, adapter: adapter}, nil
}

func (b *binding) screen() bool {
	return b.settings.ServerType == types.ProviderScreenProctoring
}

func (b *binding) joinType() types.InstructionType {
	if b.screen() {
		return types.InstructionScreenProctoring
	}
	return types.InstructionProctoring
}

func (o *Orchestrator) runningExam(ctx context.Context, examID int64) (*types.Exam, error) {
	exam, err := o.exams.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.IsRunning() {
		return nil, fmt.Errorf("exam %d: %w", examID, types.ErrExamNotRunning)
	}
	return exam, nil
}

// GetCollectingRooms lists the collecting rooms of an exam
func (o *Orchestrator) GetCollectingRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error) {
	return o.store.ListCollectingRooms(ctx, examID)
}

// GetCollectingGroups lists the screen proctoring groups of an exam
func (o *Orchestrator) GetCollectingGroups(ctx context.Context, examID int64) ([]*types.ProctoringGroup, error) {
	return o.store.ListGroups(ctx, examID)
}

// GetRoomConnections lists the connections currently in a room. For a
// collecting room these are its active members not taken into a break-out.
func (o *Orchestrator) GetRoomConnections(ctx context.Context, roomID int64) ([]*types.ClientConnection, error) {
	room, err := o.store.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	switch {
	case room.IsTownhall:
		tokens, err := o.store.ActiveConnectionTokens(ctx, room.ExamID)
		if err != nil {
			return nil, err
		}
		return o.connections(ctx, tokens), nil
	case room.IsBreakOut():
		return o.connections(ctx, room.BreakOutConnections), nil
	}

	members, err := o.store.ListConnectionsInRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	inBreakOut, err := o.breakOutTokens(ctx, room.ExamID)
	if err != nil {
		return nil, err
	}
	result := make([]*types.ClientConnection, 0, len(members))
	for _, c := range members {
		if c.IsActive() && !inBreakOut[c.Token] {
			result = append(result, c)
		}
	}
	return result, nil
}

func (o *Orchestrator) connections(ctx context.Context, tokens []string) []*types.ClientConnection {
	result := make([]*types.ClientConnection, 0, len(tokens))
	for _, token := range tokens {
		c, err := o.store.GetConnection(ctx, token)
		if err != nil {
			log.Printf("Warning: skipping unknown connection: token=%s error=%v", token, err)
			continue
		}
		result = append(result, c)
	}
	return result
}

func (o *Orchestrator) breakOutTokens(ctx context.Context, examID int64) (map[string]bool, error) {
	rooms, err := o.store.ListRooms(ctx, examID)
	if err != nil {
		return nil, err
	}
	tokens := make(map[string]bool)
	for _, r := range rooms {
		if r.IsBreakOut() {
			for _, t := range r.BreakOutConnections {
				tokens[t] = true
			}
		}
	}
	return tokens, nil
}

// OpenTownhall opens the exam's town-hall room, calls every active client
// into it and returns the proctor's join descriptor
func (o *Orchestrator) OpenTownhall(ctx context.Context, examID int64, subject string) (*types.RoomConnection, error) {
	if _, err := o.runningExam(ctx, examID); err != nil {
		return nil, err
	}
	b, err := o.bind(ctx, examID)
	if err != nil {
		return nil, err
	}

	if _, err := o.store.GetTownhallRoom(ctx, examID); err == nil {
		return nil, types.ErrTownhallActive
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	handle, err := b.adapter.NewBreakOutRoom(ctx, b.settings, subject)
	if err != nil {
		return nil, fmt.Errorf("creating town-hall room: %w", err)
	}
	room, err := o.store.CreateRoom(ctx, examID, handle, true, nil)
	if err != nil {
		o.disposeHandle(ctx, b, examID, handle)
		return nil, err
	}
	log.Printf("Opened town-hall: exam=%d room=%s", examID, room.Name)

	tokens, err := o.store.ActiveConnectionTokens(ctx, examID)
	if err != nil {
		return nil, err
	}
	return o.joinRoom(ctx, b, tokens, room)
}

// CreateBreakOutRoom opens a room for an explicit set of connections and
// returns the proctor's join descriptor
func (o *Orchestrator) CreateBreakOutRoom(ctx context.Context, examID int64, subject string, connectionTokens []string) (*types.RoomConnection, error) {
	if len(connectionTokens) == 0 {
		return nil, ErrNoParticipants
	}
	if _, err := o.runningExam(ctx, examID); err != nil {
		return nil, err
	}
	b, err := o.bind(ctx, examID)
	if err != nil {
		return nil, err
	}

	handle, err := b.adapter.NewBreakOutRoom(ctx, b.settings, subject)
	if err != nil {
		return nil, fmt.Errorf("creating break-out room: %w", err)
	}
	room, err := o.store.CreateRoom(ctx, examID, handle, false, connectionTokens)
	if err != nil {
		o.disposeHandle(ctx, b, examID, handle)
		return nil, err
	}
	log.Printf("Opened break-out room: exam=%d room=%s participants=%d", examID, room.Name, len(connectionTokens))

	return o.joinRoom(ctx, b, connectionTokens, room)
}

// disposeHandle removes a remote room whose local record could not be written
func (o *Orchestrator) disposeHandle(ctx context.Context, b *binding, examID int64, handle *types.RoomHandle) {
	room := &types.ProctoringRoom{ExamID: examID, Name: handle.Name, Subject: handle.Subject, AdditionalData: handle.AdditionalData}
	if err := b.adapter.DisposeRoom(ctx, b.settings, room); err != nil {
		log.Printf("Warning: failed to dispose orphaned remote room: exam=%d room=%s error=%v", examID, handle.Name, err)
	}
}

// joinRoom sends join instructions for the room to each token and returns the
// proctor's descriptor. A failed join is logged and skipped.
func (o *Orchestrator) joinRoom(ctx context.Context, b *binding, tokens []string, room *types.ProctoringRoom) (*types.RoomConnection, error) {
	subject := room.Subject
	if subject == "" {
		subject = room.Name
	}
	for _, token := range tokens {
		if err := o.sendJoin(ctx, b, token, room.Name, subject); err != nil {
			log.Printf("Failed to send join: room=%s token=%s error=%v", room.Name, token, err)
		}
	}
	return b.adapter.GetProctorConnection(ctx, b.settings, room.Name, subject)
}

func (o *Orchestrator) sendJoin(ctx context.Context, b *binding, token, roomName, subject string) error {
	conn, err := b.adapter.GetClientConnection(ctx, b.settings, token, roomName, subject)
	if err != nil {
		return fmt.Errorf("building join descriptor: %w", err)
	}
	attrs := b.adapter.CreateJoinInstructionAttributes(conn)
	return o.queue.Enqueue(ctx, b.settings.ExamID, b.joinType(), attrs, token, true)
}

// sendReconfigure sends one reconfiguration instruction per token; failures
// are logged and skipped
func (o *Orchestrator) sendReconfigure(ctx context.Context, examID int64, tokens []string, attrs map[string]string) int {
	sent := 0
	for _, token := range tokens {
		if err := o.queue.Enqueue(ctx, examID, types.InstructionReconfigure, attrs, token, true); err != nil {
			log.Printf("Failed to send reconfiguration: exam=%d token=%s error=%v", examID, token, err)
			continue
		}
		sent++
	}
	return sent
}

func (o *Orchestrator) sendDefaults(ctx context.Context, b *binding, tokens []string) {
	if !o.config.SendBroadcastReset || len(tokens) == 0 {
		return
	}
	o.sendReconfigure(ctx, b.settings.ExamID, tokens, b.adapter.DefaultInstructionAttributes())
}

// rejoinCollecting calls each token back into its collecting room. A
// connection without a collecting room is flagged for the next pass.
func (o *Orchestrator) rejoinCollecting(ctx context.Context, b *binding, tokens []string) {
	for _, token := range tokens {
		conn, err := o.store.GetConnection(ctx, token)
		if err != nil {
			log.Printf("Failed to rejoin collecting room: token=%s error=%v", token, err)
			continue
		}
		if conn.RoomID == nil {
			o.flag(ctx, token)
			continue
		}
		room, err := o.store.GetRoomByID(ctx, *conn.RoomID)
		if err == nil {
			err = o.sendJoin(ctx, b, token, room.Name, room.Subject)
		}
		if err != nil {
			log.Printf("Failed to rejoin collecting room: token=%s error=%v", token, err)
			o.flag(ctx, token)
		}
	}
}

func (o *Orchestrator) flag(ctx context.Context, token string) {
	if err := o.store.SetRoomUpdateFlag(ctx, token, true); err != nil {
		log.Printf("Failed to flag connection for room update: token=%s error=%v", token, err)
	}
}

// CloseRoom closes a room by kind. Break-out and town-hall rooms are disposed
// and their participants sent back to their collecting rooms; a collecting
// room only resets its members and is marked closed.
func (o *Orchestrator) CloseRoom(ctx context.Context, examID int64, roomName string) error {
	b, err := o.bind(ctx, examID)
	if err != nil {
		return err
	}
	room, err := o.store.GetRoom(ctx, examID, roomName)
	if err != nil {
		return err
	}

	switch {
	case room.IsBreakOut():
		return o.closeDisposable(ctx, b, room, room.BreakOutConnections)
	case room.IsTownhall:
		tokens, err := o.store.ActiveConnectionTokens(ctx, examID)
		if err != nil {
			return err
		}
		return o.closeDisposable(ctx, b, room, tokens)
	default:
		members, err := o.GetRoomConnections(ctx, room.ID)
		if err != nil {
			return err
		}
		tokens := make([]string, 0, len(members))
		for _, c := range members {
			tokens = append(tokens, c.Token)
		}
		if err := o.store.SetRoomOpen(ctx, room.ID, false); err != nil {
			log.Printf("Failed to mark room closed: exam=%d room=%s error=%v", examID, room.Name, err)
		}
		o.sendDefaults(ctx, b, tokens)
		log.Printf("Closed collecting room: exam=%d room=%s members=%d", examID, room.Name, len(tokens))
		return nil
	}
}

func (o *Orchestrator) closeDisposable(ctx context.Context, b *binding, room *types.ProctoringRoom, tokens []string) error {
	o.sendDefaults(ctx, b, tokens)

	if err := b.adapter.DisposeRoom(ctx, b.settings, room); err != nil {
		return fmt.Errorf("disposing room %s: %w", room.Name, err)
	}
	if err := o.store.DeleteRoom(ctx, room.ID); err != nil {
		return err
	}
	log.Printf("Closed room: exam=%d room=%s townhall=%t participants=%d", room.ExamID, room.Name, room.IsTownhall, len(tokens))

	o.rejoinCollecting(ctx, b, tokens)
	return nil
}

// NotifyRoomOpened records that a proctor opened a collecting room. Clients
// of that room are sent their join again unless the provider opts out.
func (o *Orchestrator) NotifyRoomOpened(ctx context.Context, examID int64, roomName string) error {
	b, err := o.bind(ctx, examID)
	if err != nil {
		return err
	}
	room, err := o.store.GetRoom(ctx, examID, roomName)
	if err != nil {
		return err
	}
	if !room.IsCollecting() {
		return nil
	}

	if r, ok := b.adapter.(rejoiner); ok && r.SendRejoinForCollectingRoom() {
		members, err := o.GetRoomConnections(ctx, room.ID)
		if err != nil {
			return err
		}
		for _, c := range members {
			if err := o.sendJoin(ctx, b, c.Token, room.Name, room.Subject); err != nil {
				log.Printf("Failed to send rejoin: room=%s token=%s error=%v", room.Name, c.Token, err)
			}
		}
	}
	return o.store.SetRoomOpen(ctx, room.ID, true)
}

// SendReconfiguration sends proctor-chosen attributes, mapped to the
// provider's keys, to every client in the room. The proctor name is taken
// from the context.
func (o *Orchestrator) SendReconfiguration(ctx context.Context, examID int64, roomName string, attributes map[string]string) error {
	b, err := o.bind(ctx, examID)
	if err != nil {
		return err
	}
	room, err := o.store.GetRoom(ctx, examID, roomName)
	if err != nil {
		return err
	}
	members, err := o.GetRoomConnections(ctx, room.ID)
	if err != nil {
		return err
	}

	attrs := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		attrs[k] = v
	}
	attrs[provider.AttrProctorName] = provider.ProctorName(ctx)
	mapped := b.adapter.MapInstructionAttributes(attrs)

	tokens := make([]string, 0, len(members))
	for _, c := range members {
		tokens = append(tokens, c.Token)
	}
	sent := o.sendReconfigure(ctx, examID, tokens, mapped)
	log.Printf("Sent reconfiguration: exam=%d room=%s clients=%d", examID, roomName, sent)
	return nil
}

// AssignToCollectingRoom reserves a collecting slot for the connection and
// sends the join instruction. While a town-hall is open the client joins the
// town-hall instead. On failure the slot is released and the connection stays
// flagged for the next pass.
func (o *Orchestrator) AssignToCollectingRoom(ctx context.Context, conn *types.ClientConnection) error {
	b, err := o.bind(ctx, conn.ExamID)
	if err != nil {
		return err
	}
	if !b.settings.Enabled {
		return o.store.SetRoomUpdateFlag(ctx, conn.Token, false)
	}

	pool, expand := o.pool(b, conn)
	slotID, err := o.reservations.Reserve(ctx, pool, conn.ExamID, conn.Token, expand)
	if err != nil {
		o.flag(ctx, conn.Token)
		return fmt.Errorf("reserving slot for %s: %w", conn.Token, err)
	}

	roomName, subject, err := o.slotTarget(ctx, b, slotID)
	if err == nil {
		err = o.sendJoin(ctx, b, conn.Token, roomName, subject)
	}
	if err != nil {
		if rerr := o.reservations.Release(ctx, pool, conn.ExamID, slotID, conn.Token); rerr != nil {
			log.Printf("Failed to release slot: exam=%d slot=%d token=%s error=%v", conn.ExamID, slotID, conn.Token, rerr)
		}
		o.flag(ctx, conn.Token)
		return fmt.Errorf("joining %s: %w", conn.Token, err)
	}

	if err := o.store.SetRoomUpdateFlag(ctx, conn.Token, false); err != nil {
		return err
	}
	log.Printf("Assigned connection: exam=%d token=%s room=%s", conn.ExamID, conn.Token, roomName)
	return nil
}

// pool selects the slot pool of the connection and how to grow it
func (o *Orchestrator) pool(b *binding, conn *types.ClientConnection) (reservation.Pool, reservation.ExpandFunc) {
	if b.screen() {
		clientGroupID := int64(0)
		if b.settings.EffectiveStrategy() == types.StrategyApplySEBGroups && selected(b.settings.SEBGroupIDs, conn.ClientGroupID) {
			clientGroupID = conn.ClientGroupID
		}
		pool := reservation.GroupPool{Store: o.store, ClientGroupID: clientGroupID}
		return pool, func(ctx context.Context) error {
			return o.addOverflowGroup(ctx, b, clientGroupID)
		}
	}

	pool := reservation.RoomPool{Store: o.store, Capacity: b.settings.CollectingRoomSize}
	return pool, func(ctx context.Context) error {
		return o.addCollectingRoom(ctx, b)
	}
}

func selected(ids []int64, id int64) bool {
	if id == 0 {
		return false
	}
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

func (o *Orchestrator) addCollectingRoom(ctx context.Context, b *binding) error {
	examID := b.settings.ExamID
	ordinal, err := o.store.CountCollectingRooms(ctx, examID)
	if err != nil {
		return err
	}
	handle, err := b.adapter.NewCollectingRoom(ctx, b.settings, ordinal)
	if err != nil {
		return err
	}
	room, err := o.store.CreateRoom(ctx, examID, handle, false, nil)
	if err != nil {
		o.disposeHandle(ctx, b, examID, handle)
		return err
	}
	log.Printf("Created collecting room: exam=%d room=%s ordinal=%d", examID, room.Name, ordinal)
	return nil
}

// addOverflowGroup creates one more group for a client group whose groups are
// all full, named "Proctoring Group N : <exam>"
func (o *Orchestrator) addOverflowGroup(ctx context.Context, b *binding, clientGroupID int64) error {
	if o.screen == nil {
		return ErrNotScreen
	}
	examID := b.settings.ExamID
	exam, err := o.exams.GetExam(ctx, examID)
	if err != nil {
		return err
	}
	existing, err := o.store.ListGroups(ctx, examID)
	if err != nil {
		return err
	}
	examUUID, err := o.screen.ExamUUID(ctx, examID)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("Proctoring Group %d : %s", len(existing)+1, exam.Name)
	remoteGroup, err := o.screen.CreateGroup(ctx, b.settings, examUUID, name)
	if err != nil {
		return err
	}
	group := &types.ProctoringGroup{
		ExamID:        examID,
		UUID:          remoteGroup.UUID,
		Name:          remoteGroup.Name,
		Capacity:      b.settings.CollectingRoomSize,
		ClientGroupID: clientGroupID,
	}
	if err := o.store.CreateGroup(ctx, group); err != nil {
		if derr := o.screen.DeleteGroup(ctx, b.settings, remoteGroup.UUID); derr != nil {
			log.Printf("Warning: failed to remove orphaned remote group: exam=%d group=%s error=%v", examID, remoteGroup.UUID, derr)
		}
		return err
	}
	log.Printf("Created overflow group: exam=%d group=%s name=%q", examID, group.UUID, group.Name)
	return nil
}

// slotTarget resolves the room a reserved slot joins: the open town-hall, or
// the collecting room or group itself
func (o *Orchestrator) slotTarget(ctx context.Context, b *binding, slotID int64) (string, string, error) {
	if b.screen() {
		group, err := o.store.GetGroup(ctx, slotID)
		if err != nil {
			return "", "", err
		}
		return group.UUID, group.Name, nil
	}

	townhall, err := o.store.GetTownhallRoom(ctx, b.settings.ExamID)
	if err == nil {
		return townhall.Name, townhall.Subject, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return "", "", err
	}

	room, err := o.store.GetRoomByID(ctx, slotID)
	if err != nil {
		return "", "", err
	}
	return room.Name, room.Subject, nil
}

// RemoveFromRoom releases the connection's slots and drops it from break-out
// rooms; a break-out room left without participants is disposed
func (o *Orchestrator) RemoveFromRoom(ctx context.Context, conn *types.ClientConnection) error {
	var errs []error

	if conn.RoomID != nil {
		pool := reservation.RoomPool{Store: o.store}
		if err := o.reservations.Release(ctx, pool, conn.ExamID, *conn.RoomID, conn.Token); err != nil {
			errs = append(errs, err)
		}
	}
	if conn.GroupID != nil {
		pool := reservation.GroupPool{Store: o.store}
		if err := o.reservations.Release(ctx, pool, conn.ExamID, *conn.GroupID, conn.Token); err != nil {
			errs = append(errs, err)
		}
	}

	if err := o.cleanupBreakOutRooms(ctx, conn); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Printf("Removed connection from rooms: exam=%d token=%s", conn.ExamID, conn.Token)
	return o.store.SetRoomUpdateFlag(ctx, conn.Token, false)
}

func (o *Orchestrator) cleanupBreakOutRooms(ctx context.Context, conn *types.ClientConnection) error {
	rooms, err := o.store.ListRooms(ctx, conn.ExamID)
	if err != nil {
		return err
	}

	var b *binding
	for _, r := range rooms {
		if !r.IsBreakOut() || !contains(r.BreakOutConnections, conn.Token) {
			continue
		}
		updated, err := o.store.RemoveBreakOutConnection(ctx, r.ID, conn.Token)
		if err != nil {
			return err
		}
		if len(updated.BreakOutConnections) > 0 {
			continue
		}

		if b == nil {
			if b, err = o.bind(ctx, conn.ExamID); err != nil {
				return err
			}
		}
		if err := b.adapter.DisposeRoom(ctx, b.settings, updated); err != nil {
			return fmt.Errorf("disposing empty break-out room %s: %w", r.Name, err)
		}
		if err := o.store.DeleteRoom(ctx, r.ID); err != nil {
			return err
		}
		log.Printf("Disposed empty break-out room: exam=%d room=%s", conn.ExamID, r.Name)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// UpdateCollectingRooms assigns flagged active connections and removes flagged
// inactive ones. Failures are logged; the connection stays flagged.
func (o *Orchestrator) UpdateCollectingRooms(ctx context.Context, exam *types.Exam) error {
	conns, err := o.store.ListConnectionsForUpdate(ctx, exam.ID)
	if err != nil {
		return err
	}

	failed := 0
	for _, c := range conns {
		var err error
		if c.IsActive() {
			err = o.AssignToCollectingRoom(ctx, c)
		} else {
			err = o.RemoveFromRoom(ctx, c)
		}
		if err != nil {
			failed++
			log.Printf("Failed to update collecting room: exam=%d token=%s status=%s error=%v", exam.ID, c.Token, c.Status, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d connection updates failed for exam %d", failed, len(conns), exam.ID)
	}
	return nil
}

// SynchronizeGroups makes sure the remote screen proctoring exam is active,
// then reconciles its groups
func (o *Orchestrator) SynchronizeGroups(ctx context.Context, exam *types.Exam) (*groupsync.Report, error) {
	b, err := o.bind(ctx, exam.ID)
	if err != nil {
		return nil, err
	}
	if !b.screen() || o.screen == nil || o.groups == nil {
		return nil, ErrNotScreen
	}
	if !b.settings.Enabled {
		return nil, types.ErrNotEnabled
	}

	active, err := o.exams.RemoteExamActive(ctx, exam.ID)
	if err != nil {
		return nil, err
	}
	if !active {
		if err := o.screen.ActivateExam(ctx, exam, b.settings); err != nil {
			return nil, fmt.Errorf("activating screen proctoring: %w", err)
		}
	}

	return o.groups.Synchronize(ctx, exam, b.settings)
}

// DisposeForExam deletes every room and group of the exam locally and
// remotely. Remote failures are logged and returned after local cleanup.
func (o *Orchestrator) DisposeForExam(ctx context.Context, exam *types.Exam) error {
	if exam.Status != types.ExamStatusFinished && exam.Status != types.ExamStatusArchived {
		log.Printf("Warning: disposing proctoring for exam that has not finished: exam=%d status=%s", exam.ID, exam.Status)
	}

	var errs []error
	b, err := o.bind(ctx, exam.ID)
	if err != nil {
		log.Printf("Warning: no provider for disposal, cleaning up locally: exam=%d error=%v", exam.ID, err)
	}

	if b != nil {
		rooms, err := o.store.ListRooms(ctx, exam.ID)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			if err := b.adapter.DisposeRoom(ctx, b.settings, r); err != nil {
				errs = append(errs, fmt.Errorf("disposing room %s: %w", r.Name, err))
			}
		}

		if b.screen() && o.screen != nil {
			groups, err := o.store.ListGroups(ctx, exam.ID)
			if err != nil {
				return err
			}
			for _, g := range groups {
				if err := o.screen.DeleteGroup(ctx, b.settings, g.UUID); err != nil {
					errs = append(errs, fmt.Errorf("deleting group %s: %w", g.Name, err))
				}
			}
		}

		if err := b.adapter.DisposeAllRoomsForExam(ctx, exam.ID, b.settings); err != nil {
			errs = append(errs, fmt.Errorf("disposing provider rooms: %w", err))
		}
	}

	if err := o.store.DeleteRoomsForExam(ctx, exam.ID); err != nil {
		return err
	}
	if err := o.store.DeleteGroupsForExam(ctx, exam.ID); err != nil {
		return err
	}
	if err := o.store.DeleteInstructionsForExam(ctx, exam.ID); err != nil {
		log.Printf("Warning: failed to delete pending instructions: exam=%d error=%v", exam.ID, err)
	}
	if o.templates != nil {
		o.templates.Invalidate(exam.ID)
	}

	log.Printf("Disposed proctoring for exam: exam=%d remote_failures=%d", exam.ID, len(errs))
	return errors.Join(errs...)
}

// TestSettings validates the settings and probes the provider with them.
// Secrets are plaintext on input; empty secrets fall back to the stored ones.
func (o *Orchestrator) TestSettings(ctx context.Context, settings *types.ProctoringSettings) error {
	prepared, err := o.exams.PrepareSettings(ctx, settings)
	if err != nil {
		return err
	}
	adapter, err := o.registry.ForSettings(prepared)
	if err != nil {
		return err
	}
	return adapter.TestConnection(ctx, prepared)
}
