package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proctorhub/pkg/types"
)

// IntakeStore receives exams and client sessions from the exam system that
// owns them
type IntakeStore interface {
	GetExam(ctx context.Context, examID int64) (*types.Exam, error)
	SaveExam(ctx context.Context, exam *types.Exam) error
	SaveClientGroup(ctx context.Context, group *types.ClientGroup) error
	GetConnection(ctx context.Context, connectionToken string) (*types.ClientConnection, error)
	SaveConnection(ctx context.Context, conn *types.ClientConnection) error
}

// EnableIntake serves PUT /api/exams/{id} and PUT /api/connections/{token}.
// Without it both return 404.
func (s *Server) EnableIntake(store IntakeStore) {
	s.intake = store
}

type ExamRequest struct {
	InstitutionID int64               `json:"institution_id"`
	Name          string              `json:"name"`
	Status        types.ExamStatus    `json:"status"`
	StartTime     time.Time           `json:"start_time"`
	EndTime       *time.Time          `json:"end_time,omitempty"`
	ClientGroups  []types.ClientGroup `json:"client_groups,omitempty"`
}

type ConnectionRequest struct {
	ExamID        int64  `json:"exam_id"`
	ClientGroupID int64  `json:"seb_group_id,omitempty"`
	UserSessionID string `json:"user_session_id"`
}

// PUT /api/exams/{id} - register or update an exam
func (s *Server) handleExamIntake(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodPut {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	examID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || examID <= 0 {
		s.sendError(w, "Invalid exam ID", http.StatusBadRequest)
		return
	}

	var req ExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.sendFailure(w, "Invalid exam", &types.ValidationError{Field: "name", Code: "exam:name:required"})
		return
	}
	switch req.Status {
	case types.ExamStatusUpcoming, types.ExamStatusRunning, types.ExamStatusFinished, types.ExamStatusArchived:
	default:
		s.sendFailure(w, "Invalid exam", &types.ValidationError{Field: "status", Code: "exam:status:invalid"})
		return
	}

	// FUNCTIONAL DISCOVERY: Attributes are left out so intake never touches
	// stored proctoring settings or access records
	exam := &types.Exam{
		ID:            examID,
		InstitutionID: req.InstitutionID,
		Name:          req.Name,
		Status:        req.Status,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	}
	if err := s.intake.SaveExam(r.Context(), exam); err != nil {
		s.sendFailure(w, "Failed to save exam", err)
		return
	}
	for i := range req.ClientGroups {
		g := req.ClientGroups[i]
		g.ExamID = examID
		if err := s.intake.SaveClientGroup(r.Context(), &g); err != nil {
			s.sendFailure(w, "Failed to save client group", err)
			return
		}
	}

	s.sendJSON(w, http.StatusOK, exam)
}

// PUT /api/connections/{token} - register a client session before it connects
func (s *Server) handleConnectionIntake(w http.ResponseWriter, r *http.Request) {
	if s.intake == nil {
		s.sendError(w, "Not found", http.StatusNotFound)
		return
	}
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/connections/"), "/")
	if token == "" || strings.Contains(token, "/") {
		s.sendError(w, "Connection token required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPut {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if _, err := s.intake.GetExam(r.Context(), req.ExamID); err != nil {
		s.sendFailure(w, "Unknown exam", err)
		return
	}

	conn := &types.ClientConnection{
		Token:         token,
		ExamID:        req.ExamID,
		ClientGroupID: req.ClientGroupID,
		UserSessionID: req.UserSessionID,
		Status:        types.ConnectionRequested,
	}

	existing, err := s.intake.GetConnection(r.Context(), token)
	switch {
	case err == nil:
		if existing.ExamID != req.ExamID {
			s.sendFailure(w, "Invalid connection", &types.ValidationError{Field: "exam_id", Code: "connection:exam_id:immutable"})
			return
		}
		// Re-registering keeps the lifecycle the channel already drove
		conn.Status = existing.Status
		conn.NeedsRoomUpdate = existing.NeedsRoomUpdate
	case !errors.Is(err, types.ErrNotFound):
		s.sendFailure(w, "Failed to read connection", err)
		return
	}

	if err := s.intake.SaveConnection(r.Context(), conn); err != nil {
		s.sendFailure(w, "Failed to save connection", err)
		return
	}
	s.sendJSON(w, http.StatusOK, conn)
}
