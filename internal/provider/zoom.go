package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"proctorhub/internal/remote"
	"proctorhub/pkg/types"
)

const (
	zoomUsersPath      = "v2/users"
	zoomMeetingsPath   = "v2/meetings"
	zoomUserLastName   = "SEBProctoringRoomUser"
	zoomDefaultMinutes = 24 * 60
	zoomRoleHost       = 1
	zoomRoleAttendee   = 0
)

var zoomAttributeMapping = map[string]string{
	AttrReceiveAudio: AttrZoomReceiveAudio,
	AttrReceiveVideo: AttrZoomReceiveVideo,
	AttrAllowChat:    AttrZoomAllowChat,
}

// zoomRoomData is persisted as the room's additional data
type zoomRoomData struct {
	MeetingID int64  `json:"meeting_id"`
	UserID    string `json:"user_id"`
	StartURL  string `json:"start_url"`
	JoinURL   string `json:"join_url"`
}

// Zoom runs every room as an instant meeting hosted by an ad-hoc user.
// FUNCTIONAL DISCOVERY: the meeting password is kept encrypted as the room's
// join key and only decrypted to sign a meeting signature
type Zoom struct {
	config ZoomConfig
	deps   Deps
	now    func() time.Time
}

// NewZoom creates the Zoom adapter
func NewZoom(config ZoomConfig, deps Deps) *Zoom {
	return &Zoom{config: config, deps: deps, now: time.Now}
}

func (z *Zoom) Type() types.ProviderType {
	return types.ProviderZoom
}

// SendRejoinForCollectingRoom tells the orchestrator whether clients must be
// re-sent a join instruction when they return to their collecting room
func (z *Zoom) SendRejoinForCollectingRoom() bool {
	return z.config.SendRejoinForCollectingRoom
}

// zoomAPISource mints the short lived HS256 API token
type zoomAPISource struct {
	appKey    string
	appSecret string
	deps      Deps
	lifetime  time.Duration
	now       func() time.Time
}

func (s *zoomAPISource) Token() (*oauth2.Token, error) {
	secret, err := s.deps.decrypt("appSecret", s.appSecret)
	if err != nil {
		return nil, err
	}
	expiry := s.now().Add(s.lifetime)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": s.appKey,
		"exp": expiry.Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("signing zoom api token: %w", err)
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: expiry}, nil
}

func (z *Zoom) template(settings *types.ProctoringSettings) (*remote.Template, error) {
	return z.deps.template(settings, z.apiToken(settings))
}

func (z *Zoom) apiToken(settings *types.ProctoringSettings) remote.TemplateOption {
	key := "zoom:" + settingsFingerprint(settings)
	return remote.WithTokenSource(z.deps.Tokens, key, func() oauth2.TokenSource {
		return &zoomAPISource{
			appKey:    settings.AppKey,
			appSecret: settings.AppSecret,
			deps:      z.deps,
			lifetime:  z.config.APITokenLifetime,
			now:       z.now,
		}
	})
}

// TestConnection lists active users with the configured API credentials
func (z *Zoom) TestConnection(ctx context.Context, settings *types.ProctoringSettings) error {
	t, err := z.deps.probeTemplate(settings, z.apiToken(settings))
	if err != nil {
		return types.NewValidationError("serverURL", "url.invalid")
	}
	resp, err := t.Exchange(ctx, remote.Request{
		Method: http.MethodGet,
		Path:   zoomUsersPath,
		Query: url.Values{
			"status":      {"active"},
			"page_size":   {"10"},
			"page_number": {"1"},
			"data_type":   {"Json"},
		},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return types.NewValidationError("serverURL", "url.invalid")
	}
	return nil
}

func (z *Zoom) NewCollectingRoom(ctx context.Context, settings *types.ProctoringSettings, ordinal int) (*types.RoomHandle, error) {
	return z.createMeeting(ctx, settings, "Proctoring Room "+strconv.Itoa(ordinal+1))
}

func (z *Zoom) NewBreakOutRoom(ctx context.Context, settings *types.ProctoringSettings, subject string) (*types.RoomHandle, error) {
	return z.createMeeting(ctx, settings, subject)
}

func (z *Zoom) createMeeting(ctx context.Context, settings *types.ProctoringSettings, subject string) (*types.RoomHandle, error) {
	t, err := z.template(settings)
	if err != nil {
		return nil, err
	}
	roomName := uuid.New().String()

	var user struct {
		ID string `json:"id"`
	}
	err = z.call(ctx, t, remote.Request{
		Method: http.MethodPost,
		Path:   zoomUsersPath,
		JSON: map[string]interface{}{
			"action": "custCreate",
			"user_info": map[string]interface{}{
				"email":      roomName + "@" + serverHost(settings.ServerURL),
				"type":       2,
				"first_name": roomName,
				"last_name":  zoomUserLastName,
			},
		},
	}, &user)
	if err != nil {
		return nil, fmt.Errorf("creating zoom user: %w", err)
	}

	err = z.call(ctx, t, remote.Request{
		Method: http.MethodPatch,
		Path:   zoomUsersPath + "/" + url.PathEscape(user.ID) + "/settings",
		JSON: map[string]interface{}{
			"in_meeting": map[string]interface{}{
				"chat":         true,
				"private_chat": false,
				"waiting_room": z.config.EnableWaitingRoom,
			},
		},
	}, nil)
	if err != nil {
		log.Printf("Warning: failed to apply zoom user settings: user=%s error=%v", user.ID, err)
	}

	password := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	var meeting struct {
		ID       int64  `json:"id"`
		StartURL string `json:"start_url"`
		JoinURL  string `json:"join_url"`
	}
	err = z.call(ctx, t, remote.Request{
		Method: http.MethodPost,
		Path:   zoomUsersPath + "/" + url.PathEscape(user.ID) + "/meetings",
		JSON: map[string]interface{}{
			"topic":    subject,
			"type":     1,
			"duration": z.meetingMinutes(ctx, settings.ExamID),
			"password": password,
			"settings": map[string]interface{}{
				"host_video":        true,
				"participant_video": true,
				"join_before_host":  true,
				"waiting_room":      z.config.EnableWaitingRoom,
			},
		},
	}, &meeting)
	if err != nil {
		z.deleteUser(ctx, t, user.ID)
		return nil, fmt.Errorf("creating zoom meeting: %w", err)
	}

	joinKey, err := z.deps.Cryptor.Encrypt(password)
	if err != nil {
		z.rollbackMeeting(ctx, t, meeting.ID, user.ID)
		return nil, fmt.Errorf("encrypting meeting password: %w", err)
	}
	data, err := json.Marshal(zoomRoomData{
		MeetingID: meeting.ID,
		UserID:    user.ID,
		StartURL:  meeting.StartURL,
		JoinURL:   meeting.JoinURL,
	})
	if err != nil {
		z.rollbackMeeting(ctx, t, meeting.ID, user.ID)
		return nil, err
	}

	log.Printf("Created zoom meeting: exam=%d room=%s meeting=%d", settings.ExamID, roomName, meeting.ID)
	return &types.RoomHandle{
		Name:           roomName,
		Subject:        subject,
		JoinKey:        joinKey,
		AdditionalData: string(data),
	}, nil
}

// meetingMinutes runs the meeting until the exam ends, or a day when unknown
func (z *Zoom) meetingMinutes(ctx context.Context, examID int64) int {
	exam := z.deps.examOrNil(ctx, examID)
	if exam == nil || exam.EndTime == nil {
		return zoomDefaultMinutes
	}
	minutes := int(exam.EndTime.Sub(z.now()).Minutes())
	if minutes <= 0 {
		return zoomDefaultMinutes
	}
	return minutes
}

// call treats any non-2xx response as a failure and decodes the body into out
func (z *Zoom) call(ctx context.Context, t *remote.Template, req remote.Request, out interface{}) error {
	resp, err := t.Exchange(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("zoom %s %s: status %d", req.Method, req.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// deleteMeeting removes the meeting; one already gone counts as removed
func (z *Zoom) deleteMeeting(ctx context.Context, t *remote.Template, meetingID int64) error {
	resp, err := t.Exchange(ctx, remote.Request{Method: http.MethodDelete, Path: zoomMeetingsPath + "/" + strconv.FormatInt(meetingID, 10)})
	if err != nil {
		return fmt.Errorf("deleting zoom meeting: %w", err)
	}
	if !resp.OK() && !resp.NotFound() {
		return fmt.Errorf("deleting zoom meeting %d: status %d", meetingID, resp.StatusCode)
	}
	return nil
}

// rollbackMeeting removes a meeting and its host user that never became a room
func (z *Zoom) rollbackMeeting(ctx context.Context, t *remote.Template, meetingID int64, userID string) {
	if err := z.deleteMeeting(ctx, t, meetingID); err != nil {
		log.Printf("Warning: failed to roll back zoom meeting: meeting=%d error=%v", meetingID, err)
	}
	z.deleteUser(ctx, t, userID)
}

func (z *Zoom) deleteUser(ctx context.Context, t *remote.Template, userID string) {
	err := z.call(ctx, t, remote.Request{
		Method: http.MethodDelete,
		Path:   zoomUsersPath + "/" + url.PathEscape(userID),
		Query:  url.Values{"action": {"delete"}},
	}, nil)
	if err != nil {
		log.Printf("Warning: failed to delete zoom user: user=%s error=%v", userID, err)
	}
}

// DisposeRoom ends and deletes the meeting, then removes its host user
func (z *Zoom) DisposeRoom(ctx context.Context, settings *types.ProctoringSettings, room *types.ProctoringRoom) error {
	data, err := parseZoomRoomData(room.AdditionalData)
	if err != nil {
		return err
	}
	t, err := z.template(settings)
	if err != nil {
		return err
	}

	meetingPath := zoomMeetingsPath + "/" + strconv.FormatInt(data.MeetingID, 10)
	// ending an idle meeting answers 4xx, deletion still goes ahead
	if resp, err := t.Exchange(ctx, remote.Request{
		Method: http.MethodPut,
		Path:   meetingPath + "/status",
		JSON:   map[string]string{"action": "end"},
	}); err != nil {
		return fmt.Errorf("ending zoom meeting: %w", err)
	} else if !resp.OK() {
		log.Printf("Zoom meeting not ended: meeting=%d status=%d", data.MeetingID, resp.StatusCode)
	}

	if err := z.deleteMeeting(ctx, t, data.MeetingID); err != nil {
		return err
	}

	z.deleteUser(ctx, t, data.UserID)
	log.Printf("Disposed zoom meeting: exam=%d room=%s meeting=%d", room.ExamID, room.Name, data.MeetingID)
	return nil
}

// DisposeAllRoomsForExam is a no-op; rooms are disposed one by one by the caller
func (z *Zoom) DisposeAllRoomsForExam(ctx context.Context, examID int64, settings *types.ProctoringSettings) error {
	return nil
}

func (z *Zoom) GetClientConnection(ctx context.Context, settings *types.ProctoringSettings, connectionToken, roomName, subject string) (*types.RoomConnection, error) {
	conn, err := z.connection(ctx, settings, roomName, subject, z.deps.clientName(ctx, connectionToken), zoomRoleAttendee)
	if err != nil {
		return nil, err
	}
	conn.ConnectionToken = connectionToken
	return conn, nil
}

func (z *Zoom) GetProctorConnection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject string) (*types.RoomConnection, error) {
	return z.connection(ctx, settings, roomName, subject, ProctorName(ctx), zoomRoleHost)
}

func (z *Zoom) connection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject, userName string, role int) (*types.RoomConnection, error) {
	if z.deps.Rooms == nil {
		return nil, ErrRoomData
	}
	room, err := z.deps.Rooms.GetRoom(ctx, settings.ExamID, roomName)
	if err != nil {
		return nil, fmt.Errorf("loading zoom room %s: %w", roomName, err)
	}
	data, err := parseZoomRoomData(room.AdditionalData)
	if err != nil {
		return nil, err
	}

	secret, err := z.deps.decrypt("appSecret", settings.AppSecret)
	if err != nil {
		return nil, err
	}
	meetingID := strconv.FormatInt(data.MeetingID, 10)
	signature := zoomMeetingSignature(settings.AppKey, secret, meetingID, role, z.now())

	var sdkToken string
	if settings.SDKKey != "" {
		sdkToken, err = z.sdkToken(ctx, settings)
		if err != nil {
			return nil, err
		}
	}

	password, err := z.deps.decrypt("joinKey", room.JoinKey)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = room.Subject
	}

	return &types.RoomConnection{
		ServerType:     types.ProviderZoom,
		ServerHost:     serverHost(settings.ServerURL),
		ServerURL:      data.JoinURL,
		RoomName:       roomName,
		Subject:        subject,
		AccessToken:    signature,
		SDKToken:       sdkToken,
		RoomKey:        password,
		APIKey:         settings.AppKey,
		MeetingID:      meetingID,
		UserName:       userName,
		AdditionalData: room.AdditionalData,
	}, nil
}

func (z *Zoom) sdkToken(ctx context.Context, settings *types.ProctoringSettings) (string, error) {
	secret, err := z.deps.decrypt("sdkSecret", settings.SDKSecret)
	if err != nil {
		return "", err
	}
	now := z.now()
	expiry := z.config.Tokens.Expiry(z.deps.examOrNil(ctx, settings.ExamID), now)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"appKey":   settings.SDKKey,
		"iat":      now.Unix(),
		"exp":      expiry.Unix(),
		"tokenExp": expiry.Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing zoom sdk token: %w", err)
	}
	return signed, nil
}

// zoomMeetingSignature builds the web client meeting signature.
// TECHNICAL DISCOVERY: the timestamp is backdated 30s to absorb clock skew
func zoomMeetingSignature(apiKey, apiSecret, meetingID string, role int, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli()-30000, 10)
	r := strconv.Itoa(role)
	msg := base64.StdEncoding.EncodeToString([]byte(apiKey + meetingID + ts + r))

	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(msg))
	hash := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	raw := strings.Join([]string{apiKey, meetingID, ts, r, hash}, ".")
	return strings.TrimRight(base64.StdEncoding.EncodeToString([]byte(raw)), "=")
}

func parseZoomRoomData(raw string) (*zoomRoomData, error) {
	if raw == "" {
		return nil, ErrRoomData
	}
	var data zoomRoomData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.Join(ErrRoomData, err)
	}
	return &data, nil
}

func (z *Zoom) MapInstructionAttributes(attributes map[string]string) map[string]string {
	result := mapAttributes(attributes, zoomAttributeMapping)
	delete(result, AttrProctorName)
	return result
}

func (z *Zoom) DefaultInstructionAttributes() map[string]string {
	return map[string]string{
		AttrZoomReceiveAudio: "false",
		AttrZoomReceiveVideo: "false",
		AttrZoomAllowChat:    "false",
	}
}

func (z *Zoom) CreateJoinInstructionAttributes(conn *types.RoomConnection) map[string]string {
	attrs := map[string]string{
		AttrServiceType:    string(types.ProviderZoom),
		AttrMethod:         MethodJoin,
		AttrZoomURL:        conn.ServerURL,
		AttrZoomRoom:       conn.MeetingID,
		AttrZoomToken:      conn.AccessToken,
		AttrZoomAPIKey:     conn.APIKey,
		AttrZoomMeetingKey: conn.RoomKey,
		AttrZoomUserName:   conn.UserName,
	}
	if conn.SDKToken != "" {
		attrs[AttrZoomSDKToken] = conn.SDKToken
	}
	if conn.Subject != "" {
		attrs[AttrZoomRoomSubject] = conn.Subject
	}
	return attrs
}
