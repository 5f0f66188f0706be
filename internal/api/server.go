package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"proctorhub/internal/provider"
	"proctorhub/pkg/types"
)

// ProctorNameHeader carries the acting proctor's display name
const ProctorNameHeader = "X-Proctor-Name"

// Orchestrator is the proctoring core the API exposes
type Orchestrator interface {
	GetCollectingRooms(ctx context.Context, examID int64) ([]*types.ProctoringRoom, error)
	GetCollectingGroups(ctx context.Context, examID int64) ([]*types.ProctoringGroup, error)
	GetRoomConnections(ctx context.Context, roomID int64) ([]*types.ClientConnection, error)
	OpenTownhall(ctx context.Context, examID int64, subject string) (*types.RoomConnection, error)
	CreateBreakOutRoom(ctx context.Context, examID int64, subject string, connectionTokens []string) (*types.RoomConnection, error)
	CloseRoom(ctx context.Context, examID int64, roomName string) error
	NotifyRoomOpened(ctx context.Context, examID int64, roomName string) error
	SendReconfiguration(ctx context.Context, examID int64, roomName string, attributes map[string]string) error
	DisposeForExam(ctx context.Context, exam *types.Exam) error
	TestSettings(ctx context.Context, settings *types.ProctoringSettings) error
}

// SettingsStore reads exams and persists their proctoring settings
type SettingsStore interface {
	GetExam(ctx context.Context, examID int64) (*types.Exam, error)
	GetSettings(ctx context.Context, examID int64) (*types.ProctoringSettings, error)
	SaveSettings(ctx context.Context, settings *types.ProctoringSettings) (*types.ProctoringSettings, error)
	DeleteSettings(ctx context.Context, examID int64) error
}

// HealthChecker verifies database connectivity
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between proctors and the core
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	orchestrator Orchestrator
	settings     SettingsStore
	health       HealthChecker
	registry     Registry
	websocket    http.Handler
	intake       IntakeStore
	router       *http.ServeMux
	started      time.Time
}

// NewServer wires the routes. ws may be nil when the client channel is served elsewhere.
func NewServer(orchestrator Orchestrator, settings SettingsStore, health HealthChecker, registry Registry, ws http.Handler) *Server {
	s := &Server{
		orchestrator: orchestrator,
		settings:     settings,
		health:       health,
		registry:     registry,
		websocket:    ws,
		router:       http.NewServeMux(),
		started:      time.Now(),
	}

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: CORS and JSON middleware applied to all API routes;
// the client channel bypasses both because it upgrades the connection
func (s *Server) setupRoutes() {
	s.router.Handle("/api/proctoring/test", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleTestSettings))))
	s.router.Handle("/api/exams/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleExam))))
	s.router.Handle("/api/rooms/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRoomByID))))
	s.router.Handle("/api/connections/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleConnectionIntake))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket)
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type OpenRoomRequest struct {
	Subject          string   `json:"subject"`
	ConnectionTokens []string `json:"connection_tokens,omitempty"`
}

type ReconfigureRequest struct {
	Attributes map[string]string `json:"attributes"`
}

type RoomsResponse struct {
	Rooms []*types.ProctoringRoom `json:"rooms"`
}

type GroupsResponse struct {
	Groups []*types.ProctoringGroup `json:"groups"`
}

type ConnectionsResponse struct {
	Connections []*types.ClientConnection `json:"connections"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// POST /api/proctoring/test - probe a provider with unsaved settings
func (s *Server) handleTestSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var settings types.ProctoringSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.orchestrator.TestSettings(r.Context(), &settings); err != nil {
		s.sendFailure(w, "Settings test failed", err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Connection successful"})
}

// FUNCTIONAL DISCOVERY: Exam-scoped endpoints share one prefix handler
// /api/exams/{id}/{proctoring|rooms|groups|townhall|breakout}[/{name}[/{action}]]
func (s *Server) handleExam(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/exams/"), "/"), "/")
	if len(parts) == 1 && parts[0] != "" && s.intake != nil {
		s.handleExamIntake(w, r, parts[0])
		return
	}
	if len(parts) < 2 || parts[0] == "" {
		s.sendError(w, "Exam ID and resource required", http.StatusBadRequest)
		return
	}

	examID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || examID <= 0 {
		s.sendError(w, "Invalid exam ID", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if name := strings.TrimSpace(r.Header.Get(ProctorNameHeader)); name != "" {
		ctx = provider.WithProctorName(ctx, name)
	}
	r = r.WithContext(ctx)

	switch {
	case len(parts) == 2 && parts[1] == "proctoring":
		s.handleSettings(w, r, examID)
	case len(parts) == 2 && parts[1] == "rooms":
		s.onlyMethod(w, r, http.MethodGet, func() { s.listRooms(w, r, examID) })
	case len(parts) == 2 && parts[1] == "groups":
		s.onlyMethod(w, r, http.MethodGet, func() { s.listGroups(w, r, examID) })
	case len(parts) == 2 && parts[1] == "townhall":
		s.onlyMethod(w, r, http.MethodPost, func() { s.openTownhall(w, r, examID) })
	case len(parts) == 2 && parts[1] == "breakout":
		s.onlyMethod(w, r, http.MethodPost, func() { s.createBreakOut(w, r, examID) })
	case len(parts) == 3 && parts[1] == "rooms":
		s.onlyMethod(w, r, http.MethodDelete, func() { s.closeRoom(w, r, examID, parts[2]) })
	case len(parts) == 4 && parts[1] == "rooms" && parts[3] == "open":
		s.onlyMethod(w, r, http.MethodPost, func() { s.openRoom(w, r, examID, parts[2]) })
	case len(parts) == 4 && parts[1] == "rooms" && parts[3] == "reconfigure":
		s.onlyMethod(w, r, http.MethodPost, func() { s.reconfigure(w, r, examID, parts[2]) })
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) onlyMethod(w http.ResponseWriter, r *http.Request, method string, handle func()) {
	if r.Method != method {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handle()
}

// GET/PUT/DELETE /api/exams/{id}/proctoring
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, examID int64) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetSettings(r.Context(), examID)
		if err != nil {
			s.sendFailure(w, "Failed to get settings", err)
			return
		}
		s.sendJSON(w, http.StatusOK, redact(settings))

	case http.MethodPut:
		var settings types.ProctoringSettings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		settings.ExamID = examID

		saved, err := s.settings.SaveSettings(r.Context(), &settings)
		if err != nil {
			s.sendFailure(w, "Failed to save settings", err)
			return
		}
		s.sendJSON(w, http.StatusOK, redact(saved))

	case http.MethodDelete:
		s.disposeExam(w, r, examID)

	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// DELETE /api/exams/{id}/proctoring[?purge=true] - dispose rooms and groups,
// optionally dropping the settings as well
func (s *Server) disposeExam(w http.ResponseWriter, r *http.Request, examID int64) {
	exam, err := s.settings.GetExam(r.Context(), examID)
	if err != nil {
		s.sendFailure(w, "Failed to get exam", err)
		return
	}

	if err := s.orchestrator.DisposeForExam(r.Context(), exam); err != nil {
		// FUNCTIONAL DISCOVERY: Local state is already gone; remote leftovers are reported, not retried here
		log.Printf("Warning: disposal left remote state behind: exam=%d error=%v", examID, err)
	}

	if r.URL.Query().Get("purge") == "true" {
		if err := s.settings.DeleteSettings(r.Context(), examID); err != nil {
			s.sendFailure(w, "Failed to delete settings", err)
			return
		}
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Proctoring disposed"})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request, examID int64) {
	rooms, err := s.orchestrator.GetCollectingRooms(r.Context(), examID)
	if err != nil {
		s.sendFailure(w, "Failed to list rooms", err)
		return
	}
	if rooms == nil {
		rooms = []*types.ProctoringRoom{}
	}
	s.sendJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request, examID int64) {
	groups, err := s.orchestrator.GetCollectingGroups(r.Context(), examID)
	if err != nil {
		s.sendFailure(w, "Failed to list groups", err)
		return
	}
	if groups == nil {
		groups = []*types.ProctoringGroup{}
	}
	s.sendJSON(w, http.StatusOK, GroupsResponse{Groups: groups})
}

func (s *Server) openTownhall(w http.ResponseWriter, r *http.Request, examID int64) {
	var req OpenRoomRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}

	conn, err := s.orchestrator.OpenTownhall(r.Context(), examID, req.Subject)
	if err != nil {
		s.sendFailure(w, "Failed to open town-hall", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, conn)
}

func (s *Server) createBreakOut(w http.ResponseWriter, r *http.Request, examID int64) {
	var req OpenRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.ConnectionTokens) == 0 {
		s.sendError(w, "At least one connection token is required", http.StatusBadRequest)
		return
	}

	conn, err := s.orchestrator.CreateBreakOutRoom(r.Context(), examID, req.Subject, req.ConnectionTokens)
	if err != nil {
		s.sendFailure(w, "Failed to create break-out room", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, conn)
}

func (s *Server) closeRoom(w http.ResponseWriter, r *http.Request, examID int64, name string) {
	if err := s.orchestrator.CloseRoom(r.Context(), examID, name); err != nil {
		s.sendFailure(w, "Failed to close room", err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Room closed"})
}

func (s *Server) openRoom(w http.ResponseWriter, r *http.Request, examID int64, name string) {
	if err := s.orchestrator.NotifyRoomOpened(r.Context(), examID, name); err != nil {
		s.sendFailure(w, "Failed to open room", err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Room opened"})
}

func (s *Server) reconfigure(w http.ResponseWriter, r *http.Request, examID int64, name string) {
	var req ReconfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Attributes) == 0 {
		s.sendError(w, "At least one attribute is required", http.StatusBadRequest)
		return
	}

	if err := s.orchestrator.SendReconfiguration(r.Context(), examID, name, req.Attributes); err != nil {
		s.sendFailure(w, "Failed to reconfigure room", err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"message": "Reconfiguration sent"})
}

// GET /api/rooms/{id}/connections
func (s *Server) handleRoomByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "connections" {
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}
	roomID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || roomID <= 0 {
		s.sendError(w, "Invalid room ID", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conns, err := s.orchestrator.GetRoomConnections(r.Context(), roomID)
	if err != nil {
		s.sendFailure(w, "Failed to get room connections", err)
		return
	}
	if conns == nil {
		conns = []*types.ClientConnection{}
	}
	s.sendJSON(w, http.StatusOK, ConnectionsResponse{Connections: conns})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

// decodeOptional accepts an empty body
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// redact strips secrets before settings leave the service
func redact(settings *types.ProctoringSettings) *types.ProctoringSettings {
	out := *settings
	out.AppSecret = ""
	out.SDKSecret = ""
	out.AccountPassword = ""
	return &out
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// sendFailure maps core errors onto HTTP status codes
func (s *Server) sendFailure(w http.ResponseWriter, message string, err error) {
	var ve *types.ValidationError
	switch {
	case errors.As(err, &ve):
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Error:   http.StatusText(http.StatusBadRequest),
			Code:    http.StatusBadRequest,
			Message: err.Error(),
			Field:   ve.Field,
		})
		return
	case errors.Is(err, types.ErrNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrExamNotRunning), errors.Is(err, types.ErrTownhallActive), errors.Is(err, types.ErrNotEnabled):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrUnsupported):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case types.IsServiceUnavailable(err):
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("%s: %v", message, err)
		s.sendError(w, message, http.StatusInternalServerError)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables browser-based proctor consoles
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ProctorNameHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
