package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"proctorhub/internal/remote"
	"proctorhub/pkg/types"
)

const (
	jitsiClientAudience  = "seb-client"
	jitsiProctorAudience = "seb-server"
)

var jitsiAttributeMapping = map[string]string{
	AttrReceiveAudio: AttrJitsiReceiveAudio,
	AttrReceiveVideo: AttrJitsiReceiveVideo,
	AttrAllowChat:    AttrJitsiAllowChat,
}

// Jitsi signs meeting JWTs for a Jitsi Meet deployment. Rooms exist only as
// names, nothing is created or disposed remotely.
type Jitsi struct {
	config JitsiConfig
	deps   Deps
	now    func() time.Time
}

// NewJitsi creates the Jitsi Meet adapter
func NewJitsi(config JitsiConfig, deps Deps) *Jitsi {
	return &Jitsi{config: config, deps: deps, now: time.Now}
}

func (j *Jitsi) Type() types.ProviderType {
	return types.ProviderJitsi
}

// TestConnection checks that the server publishes the meet external API
func (j *Jitsi) TestConnection(ctx context.Context, settings *types.ProctoringSettings) error {
	t, err := j.deps.probeTemplate(settings)
	if err != nil {
		return types.NewValidationError("serverURL", "url.invalid")
	}
	resp, err := t.Exchange(ctx, remote.Request{Method: http.MethodGet, Path: "external_api.js"})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return types.NewValidationError("serverURL", "url.noservice")
	}
	return nil
}

func (j *Jitsi) NewCollectingRoom(ctx context.Context, settings *types.ProctoringSettings, ordinal int) (*types.RoomHandle, error) {
	return &types.RoomHandle{
		Name:    uuid.New().String(),
		Subject: "Room " + strconv.Itoa(ordinal+1),
	}, nil
}

func (j *Jitsi) NewBreakOutRoom(ctx context.Context, settings *types.ProctoringSettings, subject string) (*types.RoomHandle, error) {
	return &types.RoomHandle{Name: uuid.New().String(), Subject: subject}, nil
}

func (j *Jitsi) DisposeRoom(ctx context.Context, settings *types.ProctoringSettings, room *types.ProctoringRoom) error {
	return nil
}

func (j *Jitsi) DisposeAllRoomsForExam(ctx context.Context, examID int64, settings *types.ProctoringSettings) error {
	return nil
}

func (j *Jitsi) GetClientConnection(ctx context.Context, settings *types.ProctoringSettings, connectionToken, roomName, subject string) (*types.RoomConnection, error) {
	name := j.deps.clientName(ctx, connectionToken)
	conn, err := j.connection(ctx, settings, roomName, subject, name, jitsiClientAudience, false)
	if err != nil {
		return nil, err
	}
	conn.ConnectionToken = connectionToken
	return conn, nil
}

func (j *Jitsi) GetProctorConnection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject string) (*types.RoomConnection, error) {
	return j.connection(ctx, settings, roomName, subject, ProctorName(ctx), jitsiProctorAudience, true)
}

func (j *Jitsi) connection(ctx context.Context, settings *types.ProctoringSettings, roomName, subject, userName, audience string, moderator bool) (*types.RoomConnection, error) {
	secret, err := j.deps.decrypt("appSecret", settings.AppSecret)
	if err != nil {
		return nil, err
	}

	host := serverHost(settings.ServerURL)
	expiry := j.config.Tokens.Expiry(j.deps.examOrNil(ctx, settings.ExamID), j.now())

	claims := jwt.MapClaims{
		"context": map[string]interface{}{
			"user": map[string]interface{}{"name": userName},
		},
		"iss":       settings.AppKey,
		"aud":       audience,
		"sub":       host,
		"room":      roomName,
		"moderator": moderator,
		"exp":       expiry.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("signing jitsi token: %w", err)
	}

	return &types.RoomConnection{
		ServerType:  types.ProviderJitsi,
		ServerHost:  host,
		ServerURL:   settings.ServerURL,
		RoomName:    roomName,
		Subject:     subject,
		AccessToken: token,
		UserName:    userName,
	}, nil
}

// MapInstructionAttributes pins the proctor when the client is asked to send video
func (j *Jitsi) MapInstructionAttributes(attributes map[string]string) map[string]string {
	result := mapAttributes(attributes, jitsiAttributeMapping)
	proctor, ok := result[AttrProctorName]
	delete(result, AttrProctorName)
	if ok && result[AttrJitsiReceiveVideo] == "true" {
		result[AttrJitsiPinUser] = proctor
	}
	return result
}

func (j *Jitsi) DefaultInstructionAttributes() map[string]string {
	return map[string]string{
		AttrJitsiReceiveAudio: "false",
		AttrJitsiReceiveVideo: "false",
		AttrJitsiAllowChat:    "false",
	}
}

func (j *Jitsi) CreateJoinInstructionAttributes(conn *types.RoomConnection) map[string]string {
	attrs := map[string]string{
		AttrServiceType: string(types.ProviderJitsi),
		AttrMethod:      MethodJoin,
		AttrJitsiURL:    conn.ServerURL,
		AttrJitsiRoom:   conn.RoomName,
		AttrJitsiToken:  conn.AccessToken,
	}
	if conn.Subject != "" {
		attrs[AttrJitsiRoomSubject] = conn.Subject
	}
	return attrs
}
