package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"proctorhub/internal/database"
	"proctorhub/internal/exam"
	"proctorhub/internal/groupsync"
	"proctorhub/internal/provider"
	dbconfig "proctorhub/pkg/database"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Test doubles

type fakeAdapter struct {
	mu          sync.Mutex
	kind        types.ProviderType
	collecting  int
	breakOuts   int
	disposed    []string
	disposedAll int
	tested      int
	failClient  bool
}

func (f *fakeAdapter) Type() types.ProviderType { return f.kind }

func (f *fakeAdapter) TestConnection(ctx context.Context, settings *types.ProctoringSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested++
	return nil
}

func (f *fakeAdapter) NewCollectingRoom(ctx context.Context, settings *types.ProctoringSettings, ordinal int) (*types.RoomHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collecting++
	return &types.RoomHandle{Name: fmt.Sprintf("collect-%d", ordinal), Subject: fmt.Sprintf("Room %d", ordinal+1)}, nil
}

func (f *fakeAdapter) NewBreakOutRoom(ctx context.Context, settings *types.ProctoringSettings, subject string) (*types.RoomHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakOuts++
	return &types.RoomHandle{Name: fmt.Sprintf("breakout-%d", f.breakOuts), Subject: subject}, nil
}

func (f *fakeAdapter) DisposeRoom(ctx context.Context, settings *types.ProctoringSettings, room *types.ProctoringRoom) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, room.Name)
	return nil
}

func (f *fakeAdapter) DisposeAllRoomsForExam(ctx context.Context, examID int64, settings *types.ProctoringSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposedAll++
	return nil
}

func (f *fakeAdapter) GetClientConnection(ctx context.Context, settings *types.ProctoringSettings, connectionToken, roomName, subject string) (*types.RoomConnection, error) {
	if f.failClient {
		return nil, &types.ServiceUnavailableError{Service: "fake", StatusCode: 503}
	}
	return &types.RoomConnection{ServerType: f.kind, ConnectionToken: connectionToken, RoomName: roomName, Subject: subject}, nil
}

func (f *fakeAdapter) GetProctorConnection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject string) (*types.RoomConnection, error) {
	return &types.RoomConnection{ServerType: f.kind, RoomName: roomName, Subject: subject, UserName: "proctor"}, nil
}

func (f *fakeAdapter) MapInstructionAttributes(attributes map[string]string) map[string]string {
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		if k == provider.AttrReceiveAudio {
			k = "fakeAudio"
		}
		out[k] = v
	}
	return out
}

func (f *fakeAdapter) DefaultInstructionAttributes() map[string]string {
	return map[string]string{"fakeAudio": "false"}
}

func (f *fakeAdapter) CreateJoinInstructionAttributes(conn *types.RoomConnection) map[string]string {
	return map[string]string{"method": "JOIN", "room": conn.RoomName}
}

func (f *fakeAdapter) disposedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disposed...)
}

type rejoiningAdapter struct {
	*fakeAdapter
}

func (rejoiningAdapter) SendRejoinForCollectingRoom() bool { return true }

type sentInstruction struct {
	examID int64
	kind   types.InstructionType
	attrs  map[string]string
	token  string
	urgent bool
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []sentInstruction
}

func (q *fakeQueue) Enqueue(ctx context.Context, examID int64, instructionType types.InstructionType, attributes map[string]string, connectionToken string, urgent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, sentInstruction{examID, instructionType, attributes, connectionToken, urgent})
	return nil
}

func (q *fakeQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = nil
}

// tokens returns the sorted tokens addressed with the given instruction type
func (q *fakeQueue) tokens(kind types.InstructionType) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, s := range q.sent {
		if s.kind == kind {
			out = append(out, s.token)
		}
	}
	sort.Strings(out)
	return out
}

func (q *fakeQueue) last(kind types.InstructionType) *sentInstruction {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.sent) - 1; i >= 0; i-- {
		if q.sent[i].kind == kind {
			return &q.sent[i]
		}
	}
	return nil
}

type fakeScreen struct {
	activations int
	created     []string
	deleted     []string
}

func (f *fakeScreen) ActivateExam(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) error {
	f.activations++
	return nil
}

func (f *fakeScreen) ExamUUID(ctx context.Context, examID int64) (string, error) {
	return "exam-uuid", nil
}

func (f *fakeScreen) CreateGroup(ctx context.Context, settings *types.ProctoringSettings, examUUID, name string) (*types.RemoteGroup, error) {
	f.created = append(f.created, name)
	return &types.RemoteGroup{UUID: fmt.Sprintf("remote-%d", len(f.created)), ExamUUID: examUUID, Name: name}, nil
}

func (f *fakeScreen) DeleteGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID string) error {
	f.deleted = append(f.deleted, groupUUID)
	return nil
}

type fakeSync struct {
	calls int
}

func (f *fakeSync) Synchronize(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) (*groupsync.Report, error) {
	f.calls++
	return &groupsync.Report{}, nil
}

type prefixCryptor struct{}

func (prefixCryptor) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }
func (prefixCryptor) Decrypt(ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

// Test fixture

type fixture struct {
	db      *database.Manager
	exams   *exam.Manager
	adapter *fakeAdapter
	queue   *fakeQueue
	screen  *fakeScreen
	sync    *fakeSync
	orch    *Orchestrator
	exam    *types.Exam
}

func jitsiSettings() *types.ProctoringSettings {
	return &types.ProctoringSettings{
		ExamID:             1,
		Enabled:            true,
		ServerType:         types.ProviderJitsi,
		ServerURL:          "https://meet.example.org",
		CollectingRoomSize: 2,
		AppKey:             "app",
		AppSecret:          "secret",
	}
}

func screenSettings() *types.ProctoringSettings {
	return &types.ProctoringSettings{
		ExamID:             1,
		Enabled:            true,
		ServerType:         types.ProviderScreenProctoring,
		ServerURL:          "https://sps.example.org",
		CollectingRoomSize: 1,
		AppKey:             "client",
		AppSecret:          "secret",
		AccountID:          "admin",
		AccountPassword:    "password",
	}
}

func setupFixture(t *testing.T, settings *types.ProctoringSettings, wrap func(*fakeAdapter) interfaces.ProviderAdapter) *fixture {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "orchestrator.db")
	cfg.BusyRetryDelay = 10 * time.Millisecond

	db, err := database.NewManager(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := dbconfig.NewMigrationManager(db.GetDB(), "").ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	ctx := context.Background()
	e := &types.Exam{ID: 1, Name: "Exam 1", Status: types.ExamStatusRunning, StartTime: time.Now()}
	if err := db.SaveExam(ctx, e); err != nil {
		t.Fatalf("SaveExam failed: %v", err)
	}

	exams := exam.NewManager(db, prefixCryptor{})
	if _, err := exams.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	f := &fixture{
		db:      db,
		exams:   exams,
		adapter: &fakeAdapter{kind: settings.ServerType},
		queue:   &fakeQueue{},
		screen:  &fakeScreen{},
		sync:    &fakeSync{},
		exam:    e,
	}
	var adapter interfaces.ProviderAdapter = f.adapter
	if wrap != nil {
		adapter = wrap(f.adapter)
	}

	f.orch = New(DefaultConfig(), Deps{
		Store:    db,
		Exams:    exams,
		Registry: provider.NewRegistry(adapter),
		Groups:   f.sync,
		Screen:   f.screen,
		Queue:    f.queue,
	})
	return f
}

func (f *fixture) connect(t *testing.T, token string) {
	t.Helper()
	conn := &types.ClientConnection{Token: token, ExamID: 1, Status: types.ConnectionActive, NeedsRoomUpdate: true}
	if err := f.db.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}
}

func (f *fixture) update(t *testing.T) {
	t.Helper()
	if err := f.orch.UpdateCollectingRooms(context.Background(), f.exam); err != nil {
		t.Fatalf("UpdateCollectingRooms failed: %v", err)
	}
}

func equalTokens(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	sort.Strings(want)
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Functional Validation Tests - collecting rooms

func TestOrchestrator_CapacityTwoThreeClients(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	for _, token := range []string{"a", "b", "c"} {
		f.connect(t, token)
	}
	f.update(t)

	rooms, err := f.orch.GetCollectingRooms(ctx, 1)
	if err != nil {
		t.Fatalf("GetCollectingRooms failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("Expected 2 collecting rooms, got %d", len(rooms))
	}
	if rooms[0].Size != 2 || rooms[1].Size != 1 {
		t.Errorf("Expected sizes 2 and 1, got %d and %d", rooms[0].Size, rooms[1].Size)
	}
	if got := f.queue.tokens(types.InstructionProctoring); !equalTokens(got, "a", "b", "c") {
		t.Errorf("Expected join instructions for a, b and c, got %v", got)
	}
	if last := f.queue.last(types.InstructionProctoring); !last.urgent || last.attrs["room"] != rooms[1].Name {
		t.Errorf("Expected urgent join into %s, got %+v", rooms[1].Name, last)
	}

	flagged, _ := f.db.ListConnectionsForUpdate(ctx, 1)
	if len(flagged) != 0 {
		t.Errorf("Expected no flagged connections after the pass, got %d", len(flagged))
	}
}

func TestOrchestrator_AssignFailureReleasesSlot(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()
	f.adapter.failClient = true

	f.connect(t, "a")
	conn, _ := f.db.GetConnection(ctx, "a")

	err := f.orch.AssignToCollectingRoom(ctx, conn)
	if !types.IsServiceUnavailable(err) {
		t.Fatalf("Expected service unavailable error, got %v", err)
	}

	rooms, _ := f.orch.GetCollectingRooms(ctx, 1)
	if len(rooms) != 1 || rooms[0].Size != 0 {
		t.Errorf("Expected one empty room after release, got %+v", rooms)
	}
	conn, _ = f.db.GetConnection(ctx, "a")
	if conn.RoomID != nil {
		t.Errorf("Expected no room link, got %d", *conn.RoomID)
	}
	if !conn.NeedsRoomUpdate {
		t.Error("Expected connection to stay flagged for retry")
	}

	f.adapter.failClient = false
	f.update(t)
	rooms, _ = f.orch.GetCollectingRooms(ctx, 1)
	if len(rooms) != 1 || rooms[0].Size != 1 {
		t.Errorf("Expected the retry to reuse the room, got %+v", rooms)
	}
}

func TestOrchestrator_DisabledSettingsClearFlag(t *testing.T) {
	s := jitsiSettings()
	s.Enabled = false
	f := setupFixture(t, s, nil)
	ctx := context.Background()

	f.connect(t, "a")
	f.update(t)

	if f.adapter.collecting != 0 || len(f.queue.sent) != 0 {
		t.Errorf("Expected no rooms or instructions, got %d rooms and %d instructions", f.adapter.collecting, len(f.queue.sent))
	}
	flagged, _ := f.db.ListConnectionsForUpdate(ctx, 1)
	if len(flagged) != 0 {
		t.Errorf("Expected flag cleared, got %d flagged", len(flagged))
	}
}

// Functional Validation Tests - town-hall

func TestOrchestrator_OpenTownhallRequiresRunningExam(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	finished := &types.Exam{ID: 2, Name: "Exam 2", Status: types.ExamStatusFinished, StartTime: time.Now()}
	if err := f.db.SaveExam(ctx, finished); err != nil {
		t.Fatalf("SaveExam failed: %v", err)
	}

	_, err := f.orch.OpenTownhall(ctx, 2, "All")
	if !errors.Is(err, types.ErrExamNotRunning) {
		t.Errorf("Expected ErrExamNotRunning, got %v", err)
	}
	if f.adapter.breakOuts != 0 {
		t.Errorf("Expected no remote room, got %d", f.adapter.breakOuts)
	}
}

func TestOrchestrator_AtMostOneTownhall(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	f.connect(t, "a")
	f.connect(t, "b")
	if err := f.db.SaveConnection(ctx, &types.ClientConnection{Token: "gone", ExamID: 1, Status: types.ConnectionClosed}); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}

	proctor, err := f.orch.OpenTownhall(ctx, 1, "All hands")
	if err != nil {
		t.Fatalf("OpenTownhall failed: %v", err)
	}
	if proctor.UserName != "proctor" || proctor.Subject != "All hands" {
		t.Errorf("Expected proctor descriptor for All hands, got %+v", proctor)
	}
	if got := f.queue.tokens(types.InstructionProctoring); !equalTokens(got, "a", "b") {
		t.Errorf("Expected joins for the active connections only, got %v", got)
	}

	if _, err := f.orch.OpenTownhall(ctx, 1, "Again"); !errors.Is(err, types.ErrTownhallActive) {
		t.Errorf("Expected ErrTownhallActive, got %v", err)
	}
	if f.adapter.breakOuts != 1 {
		t.Errorf("Expected a single remote room, got %d", f.adapter.breakOuts)
	}
}

func TestOrchestrator_LateClientJoinsTownhall(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	if _, err := f.orch.OpenTownhall(ctx, 1, "All"); err != nil {
		t.Fatalf("OpenTownhall failed: %v", err)
	}
	townhall, _ := f.db.GetTownhallRoom(ctx, 1)

	f.connect(t, "late")
	f.update(t)

	last := f.queue.last(types.InstructionProctoring)
	if last == nil || last.token != "late" || last.attrs["room"] != townhall.Name {
		t.Errorf("Expected late client to join %s, got %+v", townhall.Name, last)
	}
	conn, _ := f.db.GetConnection(ctx, "late")
	if conn.RoomID == nil {
		t.Error("Expected late client to still hold a collecting slot")
	}
}

func TestOrchestrator_CloseTownhallRejoinsCollectingRooms(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	for _, token := range []string{"a", "b", "c"} {
		f.connect(t, token)
	}
	f.update(t)
	if _, err := f.orch.OpenTownhall(ctx, 1, "All"); err != nil {
		t.Fatalf("OpenTownhall failed: %v", err)
	}
	townhall, _ := f.db.GetTownhallRoom(ctx, 1)
	f.queue.reset()

	if err := f.orch.CloseRoom(ctx, 1, townhall.Name); err != nil {
		t.Fatalf("CloseRoom failed: %v", err)
	}

	if got := f.queue.tokens(types.InstructionReconfigure); !equalTokens(got, "a", "b", "c") {
		t.Errorf("Expected default instructions to every active client, got %v", got)
	}
	if got := f.queue.tokens(types.InstructionProctoring); !equalTokens(got, "a", "b", "c") {
		t.Errorf("Expected rejoin instructions to every active client, got %v", got)
	}
	if last := f.queue.last(types.InstructionProctoring); strings.HasPrefix(last.attrs["room"], "breakout") {
		t.Errorf("Expected rejoin into a collecting room, got %s", last.attrs["room"])
	}
	if _, err := f.db.GetTownhallRoom(ctx, 1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected town-hall deleted, got %v", err)
	}
	if rooms := f.adapter.disposedRooms(); len(rooms) != 1 || rooms[0] != townhall.Name {
		t.Errorf("Expected remote disposal of %s, got %v", townhall.Name, rooms)
	}

	if _, err := f.orch.OpenTownhall(ctx, 1, "Again"); err != nil {
		t.Errorf("Expected a new town-hall after close, got %v", err)
	}
}

// Functional Validation Tests - break-out rooms

func TestOrchestrator_CloseBreakOutWithTwoParticipants(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	for _, token := range []string{"a", "b", "c"} {
		f.connect(t, token)
	}
	f.update(t)

	if _, err := f.orch.CreateBreakOutRoom(ctx, 1, "Talk", []string{"a", "b"}); err != nil {
		t.Fatalf("CreateBreakOutRoom failed: %v", err)
	}
	if got := f.queue.tokens(types.InstructionProctoring); !equalTokens(got, "a", "b", "c", "a", "b") {
		t.Errorf("Expected break-out joins for a and b, got %v", got)
	}
	f.queue.reset()

	if err := f.orch.CloseRoom(ctx, 1, "breakout-1"); err != nil {
		t.Fatalf("CloseRoom failed: %v", err)
	}

	if got := f.queue.tokens(types.InstructionReconfigure); !equalTokens(got, "a", "b") {
		t.Errorf("Expected default instructions to exactly a and b, got %v", got)
	}
	if last := f.queue.last(types.InstructionReconfigure); last.attrs["fakeAudio"] != "false" {
		t.Errorf("Expected provider defaults, got %v", last.attrs)
	}
	if got := f.queue.tokens(types.InstructionProctoring); !equalTokens(got, "a", "b") {
		t.Errorf("Expected rejoin for a and b, got %v", got)
	}
	if _, err := f.db.GetRoom(ctx, 1, "breakout-1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected break-out room deleted, got %v", err)
	}
	if rooms := f.adapter.disposedRooms(); len(rooms) != 1 || rooms[0] != "breakout-1" {
		t.Errorf("Expected remote disposal of breakout-1, got %v", rooms)
	}
}

func TestOrchestrator_CreateBreakOutNeedsParticipants(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)

	if _, err := f.orch.CreateBreakOutRoom(context.Background(), 1, "Talk", nil); !errors.Is(err, ErrNoParticipants) {
		t.Errorf("Expected ErrNoParticipants, got %v", err)
	}
}

func TestOrchestrator_CreateBreakOutRequiresRunningExam(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	finished := &types.Exam{ID: 2, Name: "Exam 2", Status: types.ExamStatusFinished, StartTime: time.Now()}
	if err := f.db.SaveExam(ctx, finished); err != nil {
		t.Fatalf("SaveExam failed: %v", err)
	}

	_, err := f.orch.CreateBreakOutRoom(ctx, 2, "Talk", []string{"tok-1"})
	if !errors.Is(err, types.ErrExamNotRunning) {
		t.Errorf("Expected ErrExamNotRunning, got %v", err)
	}
	if f.adapter.breakOuts != 0 {
		t.Errorf("Expected no remote room, got %d", f.adapter.breakOuts)
	}
}

func TestOrchestrator_RoomConnectionsExcludeBreakOut(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	f.connect(t, "a")
	f.connect(t, "b")
	f.update(t)
	rooms, _ := f.orch.GetCollectingRooms(ctx, 1)

	if _, err := f.orch.CreateBreakOutRoom(ctx, 1, "Talk", []string{"a"}); err != nil {
		t.Fatalf("CreateBreakOutRoom failed: %v", err)
	}

	conns, err := f.orch.GetRoomConnections(ctx, rooms[0].ID)
	if err != nil {
		t.Fatalf("GetRoomConnections failed: %v", err)
	}
	if len(conns) != 1 || conns[0].Token != "b" {
		t.Errorf("Expected only b in the collecting room, got %v", conns)
	}

	breakOut, _ := f.db.GetRoom(ctx, 1, "breakout-1")
	conns, _ = f.orch.GetRoomConnections(ctx, breakOut.ID)
	if len(conns) != 1 || conns[0].Token != "a" {
		t.Errorf("Expected only a in the break-out room, got %v", conns)
	}
}

func TestOrchestrator_DisconnectDisposesEmptyBreakOut(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	f.connect(t, "a")
	f.connect(t, "b")
	f.update(t)
	if _, err := f.orch.CreateBreakOutRoom(ctx, 1, "Talk", []string{"a"}); err != nil {
		t.Fatalf("CreateBreakOutRoom failed: %v", err)
	}

	if err := f.db.SaveConnection(ctx, &types.ClientConnection{Token: "a", ExamID: 1, Status: types.ConnectionClosed, NeedsRoomUpdate: true}); err != nil {
		t.Fatalf("SaveConnection failed: %v", err)
	}
	f.update(t)

	rooms, _ := f.db.ListRooms(ctx, 1)
	if len(rooms) != 1 || !rooms[0].IsCollecting() {
		t.Fatalf("Expected only the collecting room left, got %+v", rooms)
	}
	if rooms[0].Size != 1 {
		t.Errorf("Expected collecting room size 1 after release, got %d", rooms[0].Size)
	}
	if disposed := f.adapter.disposedRooms(); len(disposed) != 1 || disposed[0] != "breakout-1" {
		t.Errorf("Expected breakout-1 disposed, got %v", disposed)
	}

	conn, _ := f.db.GetConnection(ctx, "a")
	if conn.RoomID != nil || conn.NeedsRoomUpdate {
		t.Errorf("Expected a unlinked and unflagged, got %+v", conn)
	}
}

// Functional Validation Tests - collecting room close and reopen

func TestOrchestrator_CloseCollectingRoomKeepsRoom(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), func(a *fakeAdapter) interfaces.ProviderAdapter {
		return rejoiningAdapter{a}
	})
	ctx := context.Background()

	f.connect(t, "a")
	f.connect(t, "b")
	f.update(t)
	rooms, _ := f.orch.GetCollectingRooms(ctx, 1)
	f.queue.reset()

	if err := f.orch.CloseRoom(ctx, 1, rooms[0].Name); err != nil {
		t.Fatalf("CloseRoom failed: %v", err)
	}
	if got := f.queue.tokens(types.InstructionReconfigure); !equalTokens(got, "a", "b") {
		t.Errorf("Expected default instructions to the members, got %v", got)
	}
	room, err := f.db.GetRoom(ctx, 1, rooms[0].Name)
	if err != nil {
		t.Fatalf("Expected collecting room to survive close, got %v", err)
	}
	if room.IsOpen {
		t.Error("Expected collecting room marked closed")
	}

	f.queue.reset()
	if err := f.orch.NotifyRoomOpened(ctx, 1, rooms[0].Name); err != nil {
		t.Fatalf("NotifyRoomOpened failed: %v", err)
	}
	if got := f.queue.tokens(types.InstructionProctoring); !equalTokens(got, "a", "b") {
		t.Errorf("Expected rejoin for the members, got %v", got)
	}
	room, _ = f.db.GetRoom(ctx, 1, rooms[0].Name)
	if !room.IsOpen {
		t.Error("Expected collecting room reopened")
	}
}

// Functional Validation Tests - reconfiguration

func TestOrchestrator_SendReconfigurationMapsAttributes(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := provider.WithProctorName(context.Background(), "Dr. Proctor")

	f.connect(t, "a")
	f.connect(t, "b")
	f.update(t)
	rooms, _ := f.orch.GetCollectingRooms(ctx, 1)
	f.queue.reset()

	err := f.orch.SendReconfiguration(ctx, 1, rooms[0].Name, map[string]string{provider.AttrReceiveAudio: "true"})
	if err != nil {
		t.Fatalf("SendReconfiguration failed: %v", err)
	}
	if got := f.queue.tokens(types.InstructionReconfigure); !equalTokens(got, "a", "b") {
		t.Errorf("Expected reconfiguration for a and b, got %v", got)
	}
	last := f.queue.last(types.InstructionReconfigure)
	if last.attrs["fakeAudio"] != "true" {
		t.Errorf("Expected mapped audio key, got %v", last.attrs)
	}
	if last.attrs[provider.AttrProctorName] != "Dr. Proctor" {
		t.Errorf("Expected proctor name from context, got %v", last.attrs)
	}
}

// Functional Validation Tests - disposal and settings

func TestOrchestrator_DisposeForExamIsIdempotent(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	f.connect(t, "a")
	f.update(t)
	if _, err := f.orch.OpenTownhall(ctx, 1, "All"); err != nil {
		t.Fatalf("OpenTownhall failed: %v", err)
	}

	if err := f.orch.DisposeForExam(ctx, f.exam); err != nil {
		t.Fatalf("DisposeForExam failed: %v", err)
	}
	rooms, _ := f.db.ListRooms(ctx, 1)
	if len(rooms) != 0 {
		t.Errorf("Expected no rooms after disposal, got %d", len(rooms))
	}
	if len(f.adapter.disposedRooms()) != 2 || f.adapter.disposedAll != 1 {
		t.Errorf("Expected 2 remote rooms and one exam disposal, got %v / %d", f.adapter.disposedRooms(), f.adapter.disposedAll)
	}

	if err := f.orch.DisposeForExam(ctx, f.exam); err != nil {
		t.Errorf("Expected second disposal to succeed, got %v", err)
	}
}

func TestOrchestrator_TestSettings(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)
	ctx := context.Background()

	bad := jitsiSettings()
	bad.ServerURL = "https://meet.example.org?room=1"
	if err := f.orch.TestSettings(ctx, bad); !types.IsValidationError(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if f.adapter.tested != 0 {
		t.Errorf("Expected no remote probe for invalid settings, got %d", f.adapter.tested)
	}

	good := jitsiSettings()
	good.AppSecret = ""
	if err := f.orch.TestSettings(ctx, good); err != nil {
		t.Errorf("Expected stored secret to be reused, got %v", err)
	}
	if f.adapter.tested != 1 {
		t.Errorf("Expected one remote probe, got %d", f.adapter.tested)
	}
}

// Functional Validation Tests - screen proctoring

func TestOrchestrator_SynchronizeGroupsActivatesOnce(t *testing.T) {
	f := setupFixture(t, screenSettings(), nil)
	ctx := context.Background()

	if _, err := f.orch.SynchronizeGroups(ctx, f.exam); err != nil {
		t.Fatalf("SynchronizeGroups failed: %v", err)
	}
	if f.screen.activations != 1 || f.sync.calls != 1 {
		t.Errorf("Expected one activation and one sync, got %d / %d", f.screen.activations, f.sync.calls)
	}

	if err := f.exams.SetRemoteExamActive(ctx, 1, true); err != nil {
		t.Fatalf("SetRemoteExamActive failed: %v", err)
	}
	if _, err := f.orch.SynchronizeGroups(ctx, f.exam); err != nil {
		t.Fatalf("SynchronizeGroups failed: %v", err)
	}
	if f.screen.activations != 1 || f.sync.calls != 2 {
		t.Errorf("Expected activation skipped on an active exam, got %d / %d", f.screen.activations, f.sync.calls)
	}
}

func TestOrchestrator_SynchronizeGroupsRejectsVideoProviders(t *testing.T) {
	f := setupFixture(t, jitsiSettings(), nil)

	if _, err := f.orch.SynchronizeGroups(context.Background(), f.exam); !errors.Is(err, ErrNotScreen) {
		t.Errorf("Expected ErrNotScreen, got %v", err)
	}
}

func TestOrchestrator_ScreenOverflowGroup(t *testing.T) {
	f := setupFixture(t, screenSettings(), nil)
	ctx := context.Background()

	fallback := &types.ProctoringGroup{ExamID: 1, UUID: "g-1", Name: "Exam 1", Capacity: 1, IsFallback: true}
	if err := f.db.CreateGroup(ctx, fallback); err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	f.connect(t, "a")
	f.connect(t, "b")
	f.update(t)

	groups, err := f.orch.GetCollectingGroups(ctx, 1)
	if err != nil {
		t.Fatalf("GetCollectingGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("Expected fallback plus one overflow group, got %d", len(groups))
	}
	if len(f.screen.created) != 1 || f.screen.created[0] != "Proctoring Group 2 : Exam 1" {
		t.Errorf("Expected overflow group name, got %v", f.screen.created)
	}
	if f.adapter.collecting != 0 {
		t.Errorf("Expected no collecting rooms for screen proctoring, got %d", f.adapter.collecting)
	}

	if got := f.queue.tokens(types.InstructionScreenProctoring); !equalTokens(got, "a", "b") {
		t.Errorf("Expected screen proctoring joins for a and b, got %v", got)
	}
	if last := f.queue.last(types.InstructionScreenProctoring); last.attrs["room"] != "remote-1" {
		t.Errorf("Expected b to join the overflow group, got %v", last.attrs)
	}
}
