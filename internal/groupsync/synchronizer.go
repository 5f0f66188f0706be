// Package groupsync reconciles the local screen proctoring groups of an exam
// with the groups the remote service reports.
package groupsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// RemoteGroups is the remote group API of the screen proctoring service
type RemoteGroups interface {
	ExamUUID(ctx context.Context, examID int64) (string, error)
	CreateGroup(ctx context.Context, settings *types.ProctoringSettings, examUUID, name string) (*types.RemoteGroup, error)
	GetGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID string) (*types.RemoteGroup, error)
	ListGroups(ctx context.Context, settings *types.ProctoringSettings, examUUID string) ([]*types.RemoteGroup, error)
	RenameGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID, name string) error
	DeleteGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID string) error
}

// Store is the local side of the synchronization
type Store interface {
	interfaces.GroupStore
	interfaces.ClientGroupStore
}

// desiredGroup is one group the settings call for
type desiredGroup struct {
	name          string
	clientGroupID int64
	fallback      bool
}

// Synchronizer converges local groups, remote groups and settings.
// FUNCTIONAL DISCOVERY: every remote mutation is isolated per group; a failure
// is logged and counted and the pass moves on, the next pass retries it
type Synchronizer struct {
	remote RemoteGroups
	store  Store
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(remote RemoteGroups, store Store) *Synchronizer {
	return &Synchronizer{remote: remote, store: store}
}

// pass carries the state of one synchronization run
type pass struct {
	*Synchronizer
	exam     *types.Exam
	settings *types.ProctoringSettings
	examUUID string
	report   *Report
}

// Synchronize runs one pass for the exam. An error means the pass could not
// start (no remote exam, local store unavailable); per-group failures are in
// the report.
func (s *Synchronizer) Synchronize(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) (*Report, error) {
	if settings == nil {
		return nil, ErrNoSettings
	}
	examUUID, err := s.remote.ExamUUID(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving remote exam: %w", err)
	}

	p := &pass{Synchronizer: s, exam: exam, settings: settings, examUUID: examUUID, report: &Report{}}

	desired, err := p.desiredGroups(ctx)
	if err != nil {
		return nil, err
	}

	local, err := s.store.ListGroups(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("listing local groups: %w", err)
	}

	if len(local) > 0 {
		p.syncStrategy(ctx, local, desired)
	} else {
		remoteGroups, err := s.remote.ListGroups(ctx, settings, examUUID)
		if err != nil {
			return nil, fmt.Errorf("listing remote groups: %w", err)
		}
		if len(remoteGroups) == 0 {
			p.initialize(ctx, desired)
		} else {
			p.merge(ctx, remoteGroups, desired)
		}
	}

	if p.report.Mutations() > 0 || p.report.Failures > 0 {
		log.Printf("Synchronized groups: exam=%d %s", exam.ID, p.report)
	}
	return p.report, nil
}

// desiredGroups lists one group per selected client group (APPLY_SEB_GROUPS)
// followed by the fallback group. A client group selected twice counts once.
func (p *pass) desiredGroups(ctx context.Context) ([]desiredGroup, error) {
	var desired []desiredGroup

	if p.settings.EffectiveStrategy() == types.StrategyApplySEBGroups {
		clientGroups, err := p.store.ListClientGroups(ctx, p.exam.ID)
		if err != nil {
			return nil, fmt.Errorf("listing client groups: %w", err)
		}
		names := make(map[int64]string, len(clientGroups))
		for _, cg := range clientGroups {
			names[cg.ID] = cg.Name
		}
		selected := make(map[int64]bool, len(p.settings.SEBGroupIDs))
		for _, id := range p.settings.SEBGroupIDs {
			if selected[id] {
				continue
			}
			selected[id] = true
			name, ok := names[id]
			if !ok {
				log.Printf("Warning: selected client group does not exist: exam=%d client_group=%d", p.exam.ID, id)
				continue
			}
			desired = append(desired, desiredGroup{name: name, clientGroupID: id})
		}
	}

	return append(desired, desiredGroup{name: p.settings.FallbackGroupName(p.exam), fallback: true}), nil
}

// initialize creates every desired group on both sides
func (p *pass) initialize(ctx context.Context, desired []desiredGroup) {
	for _, d := range desired {
		if p.create(ctx, d) {
			p.report.Created++
		}
	}
}

// merge adopts remote groups whose name matches a desired group, creating the rest
func (p *pass) merge(ctx context.Context, remoteGroups []*types.RemoteGroup, desired []desiredGroup) {
	byName := make(map[string]*types.RemoteGroup, len(remoteGroups))
	for _, g := range remoteGroups {
		if _, seen := byName[g.Name]; !seen {
			byName[g.Name] = g
		}
	}

	for _, d := range desired {
		remote, ok := byName[d.name]
		if !ok {
			if p.create(ctx, d) {
				p.report.Created++
			}
			continue
		}
		delete(byName, d.name)
		if err := p.store.CreateGroup(ctx, p.localGroup(d, remote)); err != nil {
			p.fail("adopt", d.name, err)
			continue
		}
		p.report.Adopted++
	}
}

// syncStrategy reconciles existing local groups with the settings.
// Groups of deselected client groups are deleted at once. Extra groups of a
// still selected client group and overflow groups of the fallback pool are
// drained first: they stay while members are assigned and are deleted by the
// first pass that finds them empty.
func (p *pass) syncStrategy(ctx context.Context, local []*types.ProctoringGroup, desired []desiredGroup) {
	byClientGroup := make(map[int64][]*types.ProctoringGroup)
	var fallbacks []*types.ProctoringGroup
	for _, g := range local {
		if g.IsFallback {
			fallbacks = append(fallbacks, g)
			continue
		}
		byClientGroup[g.ClientGroupID] = append(byClientGroup[g.ClientGroupID], g)
	}

	for _, d := range desired {
		if d.fallback {
			p.reconcileFallback(ctx, d, fallbacks)
			continue
		}
		groups := byClientGroup[d.clientGroupID]
		delete(byClientGroup, d.clientGroupID)
		if len(groups) == 0 {
			if p.create(ctx, d) {
				p.report.Created++
			}
			continue
		}
		p.reconcile(ctx, d, groups[0])
		p.deleteDrained(ctx, groups[1:])
	}

	// overflow groups of the fallback pool stay until drained
	p.deleteDrained(ctx, byClientGroup[0])
	delete(byClientGroup, 0)

	// groups of client groups no longer selected
	for _, groups := range byClientGroup {
		for _, g := range groups {
			p.delete(ctx, g)
		}
	}
}

// reconcileFallback keeps exactly one fallback group
func (p *pass) reconcileFallback(ctx context.Context, d desiredGroup, fallbacks []*types.ProctoringGroup) {
	if len(fallbacks) == 0 {
		if p.create(ctx, d) {
			p.report.Created++
		}
		return
	}
	if len(fallbacks) > 1 {
		log.Printf("Warning: duplicate fallback groups: exam=%d count=%d", p.exam.ID, len(fallbacks))
		for _, extra := range fallbacks[1:] {
			p.delete(ctx, extra)
		}
	}
	p.reconcile(ctx, d, fallbacks[0])
}

// reconcile recreates a group missing remotely, or renames it to the desired name
func (p *pass) reconcile(ctx context.Context, d desiredGroup, g *types.ProctoringGroup) {
	remote, err := p.remote.GetGroup(ctx, p.settings, g.UUID)
	if types.IsDataInconsistency(err) {
		p.recreate(ctx, d, g)
		return
	}
	if err != nil {
		p.fail("read", g.Name, err)
		return
	}

	if remote.Name == d.name && g.Name == d.name {
		return
	}
	if remote.Name != d.name {
		err := p.remote.RenameGroup(ctx, p.settings, g.UUID, d.name)
		if types.IsDataInconsistency(err) {
			p.recreate(ctx, d, g)
			return
		}
		if err != nil {
			p.fail("rename", g.Name, err)
			return
		}
	}
	if g.Name != d.name {
		if err := p.store.UpdateGroupName(ctx, g.ID, d.name); err != nil {
			p.fail("rename local", g.Name, err)
			return
		}
	}
	log.Printf("Renamed group: exam=%d group=%s from=%q to=%q", p.exam.ID, g.UUID, g.Name, d.name)
	p.report.Renamed++
}

// recreate replaces a vanished remote group, keeping the local row and its members
func (p *pass) recreate(ctx context.Context, d desiredGroup, g *types.ProctoringGroup) {
	remote, err := p.remote.CreateGroup(ctx, p.settings, p.examUUID, d.name)
	if err != nil {
		p.fail("recreate", d.name, err)
		return
	}
	if err := p.store.UpdateGroupRemote(ctx, g.ID, remote.UUID, encodeRemote(remote)); err != nil {
		p.fail("recreate local", d.name, err)
		return
	}
	if g.Name != d.name {
		if err := p.store.UpdateGroupName(ctx, g.ID, d.name); err != nil {
			p.fail("recreate local", d.name, err)
			return
		}
	}
	log.Printf("Recreated group: exam=%d old=%s new=%s name=%q", p.exam.ID, g.UUID, remote.UUID, d.name)
	p.report.Recreated++
}

// create makes the group remotely, then records it locally
func (p *pass) create(ctx context.Context, d desiredGroup) bool {
	remote, err := p.remote.CreateGroup(ctx, p.settings, p.examUUID, d.name)
	if err != nil {
		p.fail("create", d.name, err)
		return false
	}
	if err := p.store.CreateGroup(ctx, p.localGroup(d, remote)); err != nil {
		p.fail("create local", d.name, err)
		return false
	}
	log.Printf("Created group: exam=%d group=%s name=%q fallback=%t", p.exam.ID, remote.UUID, d.name, d.fallback)
	return true
}

func (p *pass) deleteDrained(ctx context.Context, groups []*types.ProctoringGroup) {
	for _, g := range groups {
		if g.Size == 0 {
			p.delete(ctx, g)
		}
	}
}

// delete removes the group remotely first; its members are flagged for reassignment
func (p *pass) delete(ctx context.Context, g *types.ProctoringGroup) {
	if err := p.remote.DeleteGroup(ctx, p.settings, g.UUID); err != nil {
		p.fail("delete", g.Name, err)
		return
	}
	if err := p.store.DeleteGroup(ctx, g.ID); err != nil {
		p.fail("delete local", g.Name, err)
		return
	}
	log.Printf("Deleted group: exam=%d group=%s name=%q", p.exam.ID, g.UUID, g.Name)
	p.report.Deleted++
}

func (p *pass) localGroup(d desiredGroup, remote *types.RemoteGroup) *types.ProctoringGroup {
	return &types.ProctoringGroup{
		ExamID:        p.exam.ID,
		UUID:          remote.UUID,
		Name:          d.name,
		Capacity:      p.settings.CollectingRoomSize,
		IsFallback:    d.fallback,
		ClientGroupID: d.clientGroupID,
		Data:          encodeRemote(remote),
	}
}

func (p *pass) fail(op, name string, err error) {
	log.Printf("Warning: group %s failed: exam=%d group=%q error=%v", op, p.exam.ID, name, err)
	p.report.Failures++
}

func encodeRemote(g *types.RemoteGroup) string {
	data, err := json.Marshal(g)
	if err != nil {
		return ""
	}
	return string(data)
}
