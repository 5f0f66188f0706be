package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"proctorhub/internal/provider"
	"proctorhub/pkg/types"
)

// Mock implementations for testing
type mockOrchestrator struct {
	calls       []string
	proctorName string
	tokens      []string
	attributes  map[string]string
	err         error
}

func (m *mockOrchestrator) GetCollectingRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error) {
	m.calls = append(m.calls, "rooms")
	return []*types.ProctoringRoom{{ID: 1, ExamID: examID, Name: "room-1", Size: 2, IsOpen: true}}, m.err
}

func (m *mockOrchestrator) GetCollectingGroups(ctx context.Context, examID int64) ([]*types.ProctoringGroup, error) {
	m.calls = append(m.calls, "groups")
	return nil, m.err
}

func (m *mockOrchestrator) GetRoomConnections(ctx context.Context, roomID int64) ([]*types.ClientConnection, error) {
	m.calls = append(m.calls, fmt.Sprintf("connections:%d", roomID))
	return []*types.ClientConnection{{Token: "tok-1", Status: types.ConnectionActive}}, m.err
}

func (m *mockOrchestrator) OpenTownhall(ctx context.Context, examID int64, subject string) (*types.RoomConnection, error) {
	m.calls = append(m.calls, "townhall:"+subject)
	m.proctorName = provider.ProctorName(ctx)
	if m.err != nil {
		return nil, m.err
	}
	return &types.RoomConnection{ServerType: types.ProviderJitsi, RoomName: "townhall", Subject: subject}, nil
}

func (m *mockOrchestrator) CreateBreakOutRoom(ctx context.Context, examID int64, subject string, connectionTokens []string) (*types.RoomConnection, error) {
	m.calls = append(m.calls, "breakout:"+subject)
	m.tokens = connectionTokens
	if m.err != nil {
		return nil, m.err
	}
	return &types.RoomConnection{ServerType: types.ProviderJitsi, RoomName: "breakout"}, nil
}

func (m *mockOrchestrator) CloseRoom(ctx context.Context, examID int64, roomName string) error {
	m.calls = append(m.calls, "close:"+roomName)
	return m.err
}

func (m *mockOrchestrator) NotifyRoomOpened(ctx context.Context, examID int64, roomName string) error {
	m.calls = append(m.calls, "open:"+roomName)
	return m.err
}

func (m *mockOrchestrator) SendReconfiguration(ctx context.Context, examID int64, roomName string, attributes map[string]string) error {
	m.calls = append(m.calls, "reconfigure:"+roomName)
	m.attributes = attributes
	return m.err
}

func (m *mockOrchestrator) DisposeForExam(ctx context.Context, exam *types.Exam) error {
	m.calls = append(m.calls, fmt.Sprintf("dispose:%d", exam.ID))
	return m.err
}

func (m *mockOrchestrator) TestSettings(ctx context.Context, settings *types.ProctoringSettings) error {
	m.calls = append(m.calls, "test")
	return m.err
}

type mockSettingsStore struct {
	saved   *types.ProctoringSettings
	deleted bool
}

func (m *mockSettingsStore) GetExam(ctx context.Context, examID int64) (*types.Exam, error) {
	if examID != 1 {
		return nil, types.ErrNotFound
	}
	return &types.Exam{ID: 1, Status: types.ExamStatusFinished}, nil
}

func (m *mockSettingsStore) GetSettings(ctx context.Context, examID int64) (*types.ProctoringSettings, error) {
	if m.saved == nil {
		return nil, types.ErrNotEnabled
	}
	return m.saved, nil
}

func (m *mockSettingsStore) SaveSettings(ctx context.Context, settings *types.ProctoringSettings) (*types.ProctoringSettings, error) {
	if settings.ServerURL == "" {
		return nil, types.NewValidationError("serverURL", "notNull")
	}
	out := *settings
	out.AppSecret = "sealed"
	m.saved = &out
	return m.saved, nil
}

func (m *mockSettingsStore) DeleteSettings(ctx context.Context, examID int64) error {
	m.deleted = true
	return nil
}

type mockHealth struct {
	err error
}

func (m *mockHealth) HealthCheck(ctx context.Context) error { return m.err }

type mockRegistry struct{}

func (mockRegistry) GetStats() map[string]int {
	return map[string]int{"total_connections": 2, "active_exams": 1}
}

func newTestServer() (*Server, *mockOrchestrator, *mockSettingsStore, *mockHealth) {
	orch := &mockOrchestrator{}
	settings := &mockSettingsStore{}
	health := &mockHealth{}
	return NewServer(orch, settings, health, mockRegistry{}, nil), orch, settings, health
}

func do(server *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

// ARCHITECTURAL VALIDATION TEST: Server is an http.Handler
func TestServer_ArchitecturalCompliance(t *testing.T) {
	var _ http.Handler = (*Server)(nil)
}

// FUNCTIONAL VALIDATION TEST: GET /health endpoint
func TestServer_HealthCheck(t *testing.T) {
	server, _, _, health := newTestServer()

	w := do(server, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Expected JSON response, got %v", err)
	}
	if response["status"] != "healthy" {
		t.Error("Expected health status to be 'healthy'")
	}
	if response["connections"] == nil || response["system"] == nil {
		t.Error("Expected connection and system statistics")
	}

	health.err = errors.New("disk I/O error")
	if w := do(server, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d for unhealthy database, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestServer_SettingsLifecycle(t *testing.T) {
	server, orch, settings, _ := newTestServer()

	if w := do(server, http.MethodGet, "/api/exams/1/proctoring", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected %d before settings exist, got %d", http.StatusConflict, w.Code)
	}

	w := do(server, http.MethodPut, "/api/exams/1/proctoring",
		`{"enabled":true,"server_type":"JITSI_MEET","server_url":"https://meet.example.org","app_key":"k","app_secret":"plain"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if settings.saved.ExamID != 1 {
		t.Errorf("Expected exam id taken from the path, got %d", settings.saved.ExamID)
	}
	var saved types.ProctoringSettings
	_ = json.Unmarshal(w.Body.Bytes(), &saved)
	if saved.AppSecret != "" {
		t.Error("Expected secrets redacted from the response")
	}

	w = do(server, http.MethodDelete, "/api/exams/1/proctoring?purge=true", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if len(orch.calls) != 1 || orch.calls[0] != "dispose:1" || !settings.deleted {
		t.Errorf("Expected dispose and purge, got %v deleted=%t", orch.calls, settings.deleted)
	}

	if w := do(server, http.MethodDelete, "/api/exams/2/proctoring", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected %d for unknown exam, got %d", http.StatusNotFound, w.Code)
	}
}

func TestServer_SettingsValidationError(t *testing.T) {
	server, _, _, _ := newTestServer()

	w := do(server, http.MethodPut, "/api/exams/1/proctoring", `{"enabled":true,"server_type":"ZOOM"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Field != "serverURL" {
		t.Errorf("Expected serverURL field error, got %+v", resp)
	}
}

func TestServer_TestSettings(t *testing.T) {
	server, orch, _, _ := newTestServer()

	if w := do(server, http.MethodPost, "/api/proctoring/test", `{"server_type":"JITSI_MEET"}`); w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	orch.err = &types.ServiceUnavailableError{Service: "jitsi", StatusCode: 502}
	if w := do(server, http.MethodPost, "/api/proctoring/test", `{"server_type":"JITSI_MEET"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	if w := do(server, http.MethodGet, "/api/proctoring/test", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestServer_RoomEndpoints(t *testing.T) {
	server, orch, _, _ := newTestServer()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		call   string
	}{
		{"list rooms", http.MethodGet, "/api/exams/1/rooms", "", http.StatusOK, "rooms"},
		{"list groups", http.MethodGet, "/api/exams/1/groups", "", http.StatusOK, "groups"},
		{"room connections", http.MethodGet, "/api/rooms/5/connections", "", http.StatusOK, "connections:5"},
		{"open townhall", http.MethodPost, "/api/exams/1/townhall", `{"subject":"All hands"}`, http.StatusCreated, "townhall:All hands"},
		{"townhall without body", http.MethodPost, "/api/exams/1/townhall", "", http.StatusCreated, "townhall:"},
		{"break-out", http.MethodPost, "/api/exams/1/breakout", `{"subject":"Talk","connection_tokens":["a","b"]}`, http.StatusCreated, "breakout:Talk"},
		{"close room", http.MethodDelete, "/api/exams/1/rooms/room-1", "", http.StatusOK, "close:room-1"},
		{"open room", http.MethodPost, "/api/exams/1/rooms/room-1/open", "", http.StatusOK, "open:room-1"},
		{"reconfigure", http.MethodPost, "/api/exams/1/rooms/room-1/reconfigure", `{"attributes":{"webserviceReceiveAudio":"true"}}`, http.StatusAccepted, "reconfigure:room-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch.calls = nil
			w := do(server, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if len(orch.calls) != 1 || orch.calls[0] != tt.call {
				t.Errorf("Expected call %s, got %v", tt.call, orch.calls)
			}
		})
	}

	if len(orch.tokens) != 2 || orch.attributes["webserviceReceiveAudio"] != "true" {
		t.Errorf("Expected request payloads forwarded, got %v / %v", orch.tokens, orch.attributes)
	}
}

func TestServer_ProctorNameHeader(t *testing.T) {
	server, orch, _, _ := newTestServer()

	do(server, http.MethodPost, "/api/exams/1/townhall", `{"subject":"s"}`, ProctorNameHeader, "Ada")
	if orch.proctorName != "Ada" {
		t.Errorf("Expected proctor name Ada, got %q", orch.proctorName)
	}
}

func TestServer_RequestValidation(t *testing.T) {
	server, orch, _, _ := newTestServer()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad exam id", http.MethodGet, "/api/exams/abc/rooms", "", http.StatusBadRequest},
		{"missing resource", http.MethodGet, "/api/exams/1", "", http.StatusBadRequest},
		{"unknown resource", http.MethodGet, "/api/exams/1/bogus", "", http.StatusNotFound},
		{"wrong method", http.MethodPost, "/api/exams/1/rooms", "", http.StatusMethodNotAllowed},
		{"break-out without tokens", http.MethodPost, "/api/exams/1/breakout", `{"subject":"x"}`, http.StatusBadRequest},
		{"invalid JSON", http.MethodPost, "/api/exams/1/breakout", `invalid json`, http.StatusBadRequest},
		{"reconfigure without attributes", http.MethodPost, "/api/exams/1/rooms/r/reconfigure", `{}`, http.StatusBadRequest},
		{"bad room id", http.MethodGet, "/api/rooms/x/connections", "", http.StatusBadRequest},
		{"unknown room resource", http.MethodGet, "/api/rooms/1/other", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(server, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Error("Expected JSON error response")
			}
		})
	}

	if len(orch.calls) != 0 {
		t.Errorf("Expected no orchestrator calls for rejected requests, got %v", orch.calls)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{types.ErrTownhallActive, http.StatusConflict},
		{types.ErrExamNotRunning, http.StatusConflict},
		{fmt.Errorf("room x: %w", types.ErrNotFound), http.StatusNotFound},
		{types.ErrUnsupported, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		server, orch, _, _ := newTestServer()
		orch.err = tt.err
		if w := do(server, http.MethodPost, "/api/exams/1/townhall", ""); w.Code != tt.status {
			t.Errorf("Expected status %d for %v, got %d", tt.status, tt.err, w.Code)
		}
	}
}

// FUNCTIONAL VALIDATION TEST: CORS middleware
func TestServer_CORSMiddleware(t *testing.T) {
	server, _, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodOptions, "/api/exams/1/townhall", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d for preflight, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected CORS headers to be set")
	}
}

func TestServer_WebSocketRoute(t *testing.T) {
	called := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	server := NewServer(&mockOrchestrator{}, &mockSettingsStore{}, &mockHealth{}, mockRegistry{}, ws)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=t", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	if !called || w.Code != http.StatusTeapot {
		t.Errorf("Expected /ws routed to the client channel handler, got %d", w.Code)
	}
}
