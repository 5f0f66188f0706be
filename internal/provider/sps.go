package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"proctorhub/internal/remote"
	"proctorhub/pkg/types"
)

// Screen proctoring admin API
const (
	spsTokenPath    = "/oauth/token"
	spsTestPath     = "/admin-api/v1/proctoring/group"
	spsExamPath     = "/admin-api/v1/exam"
	spsAccessPath   = "/admin-api/v1/clientaccess"
	spsGroupPath    = "/admin-api/v1/group"
	spsSessionPath  = "/admin-api/v1/session"
	spsActivePath   = "/active"
	spsInactivePath = "/inactive"

	// DefaultGroupDescription marks groups created by this service
	DefaultGroupDescription = "Created by SEB Server"
)

// SPS binds exams to the screen proctoring service. Collecting rooms are
// remote groups; meetings and break-out rooms do not exist there.
type SPS struct {
	config SPSConfig
	deps   Deps
}

// NewSPS creates the screen proctoring adapter
func NewSPS(config SPSConfig, deps Deps) *SPS {
	return &SPS{config: config, deps: deps}
}

func (s *SPS) Type() types.ProviderType {
	return types.ProviderScreenProctoring
}

func (s *SPS) template(settings *types.ProctoringSettings) (*remote.Template, error) {
	return s.deps.template(settings, s.passwordGrant(settings))
}

func (s *SPS) passwordGrant(settings *types.ProctoringSettings) remote.TemplateOption {
	key := "sps:" + settingsFingerprint(settings)
	tokenURL := strings.TrimRight(settings.ServerURL, "/") + spsTokenPath
	return remote.WithTokenSource(s.deps.Tokens, key, func() oauth2.TokenSource {
		return remote.PasswordGrant(tokenURL, settings.AppKey, settings.AccountID, s.config.Scopes,
			func() (string, string, error) {
				secret, err := s.deps.decrypt("appSecret", settings.AppSecret)
				if err != nil {
					return "", "", err
				}
				password, err := s.deps.decrypt("accountPassword", settings.AccountPassword)
				return secret, password, err
			}, s.deps.client(), s.deps.Remote.RequestTimeout)
	})
}

// call sends req and decodes a 2xx body into out. Non-2xx answers become
// errors; a 404 on an entity path becomes a DataInconsistencyError.
func (s *SPS) call(ctx context.Context, settings *types.ProctoringSettings, req remote.Request, out interface{}) error {
	t, err := s.template(settings)
	if err != nil {
		return err
	}
	resp, err := t.Exchange(ctx, req)
	if err != nil {
		return err
	}
	if resp.NotFound() {
		return &types.DataInconsistencyError{Entity: entityOf(req.Path), RemoteID: lastSegment(req.Path)}
	}
	if !resp.OK() {
		return fmt.Errorf("sps %s %s: status %d", req.Method, req.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func entityOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return path
}

func lastSegment(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// TestConnection authenticates and reads one page of groups
func (s *SPS) TestConnection(ctx context.Context, settings *types.ProctoringSettings) error {
	t, err := s.deps.probeTemplate(settings, s.passwordGrant(settings))
	if err != nil {
		return types.NewValidationError("serverURL", "url.invalid")
	}
	resp, err := t.Exchange(ctx, remote.Request{
		Method: http.MethodGet,
		Path:   spsTestPath,
		Query:  url.Values{"pageSize": {"1"}, "pageNumber": {"1"}},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return types.NewValidationError("serverURL", "url.noAccess")
	}
	return nil
}

// ActivateExam creates the remote exam and SEB access on first use, or
// reactivates them from the stored access record
func (s *SPS) ActivateExam(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) error {
	record, err := s.deps.Access.LoadAccessRecord(ctx, exam.ID)
	switch {
	case err == nil:
		if err := s.activation(ctx, settings, record, true); err != nil {
			return err
		}
		log.Printf("Reactivated screen proctoring: exam=%d remote=%s", exam.ID, record.ExamUUID)
	case errors.Is(err, types.ErrNotFound):
		if err := s.createRemoteExam(ctx, exam, settings); err != nil {
			return err
		}
	default:
		return err
	}
	return s.deps.Access.SetRemoteExamActive(ctx, exam.ID, true)
}

func (s *SPS) createRemoteExam(ctx context.Context, exam *types.Exam, settings *types.ProctoringSettings) error {
	var access struct {
		UUID         string `json:"uuid"`
		ClientName   string `json:"clientName"`
		ClientSecret string `json:"clientSecret"`
	}
	name := s.config.AccessPrefix + exam.Name
	err := s.call(ctx, settings, remote.Request{
		Method: http.MethodPost,
		Path:   spsAccessPath,
		Form: url.Values{
			"name":        {name},
			"description": {"SEB Client access for exam " + exam.Name},
		},
	}, &access)
	if err != nil {
		return fmt.Errorf("creating sps seb access: %w", err)
	}

	form := url.Values{
		"name":        {exam.Name},
		"description": {DefaultGroupDescription},
		"startTime":   {strconv.FormatInt(exam.StartTime.UnixMilli(), 10)},
	}
	if exam.EndTime != nil {
		form.Set("endTime", strconv.FormatInt(exam.EndTime.UnixMilli(), 10))
	}
	var remoteExam struct {
		UUID string `json:"uuid"`
	}
	err = s.call(ctx, settings, remote.Request{Method: http.MethodPost, Path: spsExamPath, Form: form}, &remoteExam)
	if err != nil {
		if derr := s.call(ctx, settings, remote.Request{
			Method: http.MethodDelete,
			Path:   spsAccessPath + "/" + url.PathEscape(access.UUID),
		}, nil); derr != nil {
			log.Printf("Warning: failed to roll back sps seb access: exam=%d access=%s error=%v", exam.ID, access.UUID, derr)
		}
		return fmt.Errorf("creating sps exam: %w", err)
	}

	record := &types.RemoteAccessRecord{
		SEBAccessUUID:     access.UUID,
		SEBAccessName:     access.ClientName,
		SEBAccessPassword: access.ClientSecret,
		ExamUUID:          remoteExam.UUID,
	}
	if err := s.deps.Access.SaveAccessRecord(ctx, exam.ID, record); err != nil {
		return fmt.Errorf("storing sps access record: %w", err)
	}
	log.Printf("Created screen proctoring exam: exam=%d remote=%s", exam.ID, remoteExam.UUID)
	return nil
}

func (s *SPS) activation(ctx context.Context, settings *types.ProctoringSettings, record *types.RemoteAccessRecord, active bool) error {
	segment := spsInactivePath
	if active {
		segment = spsActivePath
	}
	for _, path := range []string{
		spsExamPath + "/" + url.PathEscape(record.ExamUUID),
		spsAccessPath + "/" + url.PathEscape(record.SEBAccessUUID),
	} {
		if err := s.call(ctx, settings, remote.Request{Method: http.MethodPost, Path: path + segment}, nil); err != nil {
			return fmt.Errorf("sps activation %s: %w", path, err)
		}
	}
	return nil
}

// DeactivateExam switches the remote exam and SEB access off, keeping the
// access record for a later reactivation
func (s *SPS) DeactivateExam(ctx context.Context, examID int64, settings *types.ProctoringSettings) error {
	record, err := s.deps.Access.LoadAccessRecord(ctx, examID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.activation(ctx, settings, record, false); err != nil {
		return err
	}
	log.Printf("Deactivated screen proctoring: exam=%d remote=%s", examID, record.ExamUUID)
	return s.deps.Access.SetRemoteExamActive(ctx, examID, false)
}

// ExamUUID returns the remote exam id, ErrNotActivated before activation
func (s *SPS) ExamUUID(ctx context.Context, examID int64) (string, error) {
	record, err := s.deps.Access.LoadAccessRecord(ctx, examID)
	if errors.Is(err, types.ErrNotFound) {
		return "", ErrNotActivated
	}
	if err != nil {
		return "", err
	}
	return record.ExamUUID, nil
}

// CreateGroup creates a remote group in the exam
func (s *SPS) CreateGroup(ctx context.Context, settings *types.ProctoringSettings, examUUID, name string) (*types.RemoteGroup, error) {
	var group types.RemoteGroup
	err := s.call(ctx, settings, remote.Request{
		Method: http.MethodPost,
		Path:   spsGroupPath,
		Form: url.Values{
			"name":        {name},
			"description": {DefaultGroupDescription},
			"examId":      {examUUID},
		},
	}, &group)
	if err != nil {
		return nil, fmt.Errorf("creating sps group %q: %w", name, err)
	}
	if group.Name == "" {
		group.Name = name
	}
	group.ExamUUID = examUUID
	return &group, nil
}

// GetGroup returns a DataInconsistencyError when the group is gone
func (s *SPS) GetGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID string) (*types.RemoteGroup, error) {
	var group types.RemoteGroup
	err := s.call(ctx, settings, remote.Request{
		Method: http.MethodGet,
		Path:   spsGroupPath + "/" + url.PathEscape(groupUUID),
	}, &group)
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// ListGroups returns every remote group of the exam
func (s *SPS) ListGroups(ctx context.Context, settings *types.ProctoringSettings, examUUID string) ([]*types.RemoteGroup, error) {
	var page struct {
		Content []*types.RemoteGroup `json:"content"`
	}
	err := s.call(ctx, settings, remote.Request{
		Method: http.MethodGet,
		Path:   spsGroupPath,
		Query:  url.Values{"examId": {examUUID}},
	}, &page)
	if err != nil {
		return nil, fmt.Errorf("listing sps groups: %w", err)
	}
	return page.Content, nil
}

// RenameGroup returns a DataInconsistencyError when the group is gone
func (s *SPS) RenameGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID, name string) error {
	return s.call(ctx, settings, remote.Request{
		Method: http.MethodPut,
		Path:   spsGroupPath + "/" + url.PathEscape(groupUUID),
		Form:   url.Values{"name": {name}, "description": {DefaultGroupDescription}},
	}, nil)
}

// DeleteGroup treats an already missing group as deleted
func (s *SPS) DeleteGroup(ctx context.Context, settings *types.ProctoringSettings, groupUUID string) error {
	err := s.call(ctx, settings, remote.Request{
		Method: http.MethodDelete,
		Path:   spsGroupPath + "/" + url.PathEscape(groupUUID),
	}, nil)
	if types.IsDataInconsistency(err) {
		return nil
	}
	return err
}

// CreateSession registers the exam client in the group. The session id is
// the connection token.
func (s *SPS) CreateSession(ctx context.Context, settings *types.ProctoringSettings, groupUUID, connectionToken, clientName string) error {
	err := s.call(ctx, settings, remote.Request{
		Method: http.MethodPost,
		Path:   spsSessionPath,
		Form: url.Values{
			"uuid":       {connectionToken},
			"groupId":    {groupUUID},
			"clientName": {clientName},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("creating sps session: %w", err)
	}
	return nil
}

// NewCollectingRoom creates a remote group named after the exam
func (s *SPS) NewCollectingRoom(ctx context.Context, settings *types.ProctoringSettings, ordinal int) (*types.RoomHandle, error) {
	examUUID, err := s.ExamUUID(ctx, settings.ExamID)
	if err != nil {
		return nil, err
	}
	name := "Proctoring Group " + strconv.Itoa(ordinal+1)
	if exam := s.deps.examOrNil(ctx, settings.ExamID); exam != nil {
		name += " : " + exam.Name
	}
	group, err := s.CreateGroup(ctx, settings, examUUID, name)
	if err != nil {
		return nil, err
	}
	return &types.RoomHandle{Name: group.UUID, Subject: group.Name}, nil
}

func (s *SPS) NewBreakOutRoom(ctx context.Context, settings *types.ProctoringSettings, subject string) (*types.RoomHandle, error) {
	return nil, types.ErrUnsupported
}

func (s *SPS) DisposeRoom(ctx context.Context, settings *types.ProctoringSettings, room *types.ProctoringRoom) error {
	return s.DeleteGroup(ctx, settings, room.Name)
}

func (s *SPS) DisposeAllRoomsForExam(ctx context.Context, examID int64, settings *types.ProctoringSettings) error {
	return s.DeactivateExam(ctx, examID, settings)
}

// GetClientConnection opens a remote session for the client in the group
// named roomName and hands out the exam's SEB access credentials
func (s *SPS) GetClientConnection(ctx context.Context, settings *types.ProctoringSettings, connectionToken, roomName, subject string) (*types.RoomConnection, error) {
	record, err := s.deps.Access.LoadAccessRecord(ctx, settings.ExamID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrNotActivated
	}
	if err != nil {
		return nil, err
	}

	name := s.deps.clientName(ctx, connectionToken)
	if err := s.CreateSession(ctx, settings, roomName, connectionToken, name); err != nil {
		return nil, err
	}

	return &types.RoomConnection{
		ServerType:      types.ProviderScreenProctoring,
		ConnectionToken: connectionToken,
		ServerHost:      serverHost(settings.ServerURL),
		ServerURL:       settings.ServerURL,
		RoomName:        roomName,
		Subject:         subject,
		APIKey:          record.SEBAccessName,
		RoomKey:         record.SEBAccessPassword,
		MeetingID:       connectionToken,
		UserName:        name,
	}, nil
}

// GetProctorConnection is unsupported; proctors use the service's own UI
func (s *SPS) GetProctorConnection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject string) (*types.RoomConnection, error) {
	return nil, types.ErrUnsupported
}

func (s *SPS) MapInstructionAttributes(attributes map[string]string) map[string]string {
	result := copyMap(attributes)
	delete(result, AttrProctorName)
	return result
}

func (s *SPS) DefaultInstructionAttributes() map[string]string {
	return map[string]string{}
}

func (s *SPS) CreateJoinInstructionAttributes(conn *types.RoomConnection) map[string]string {
	return map[string]string{
		AttrServiceType:     string(types.ProviderScreenProctoring),
		AttrMethod:          MethodJoin,
		AttrSPSURL:          conn.ServerURL,
		AttrSPSClientID:     conn.APIKey,
		AttrSPSClientSecret: conn.RoomKey,
		AttrSPSGroupID:      conn.RoomName,
		AttrSPSSessionID:    conn.MeetingID,
	}
}
