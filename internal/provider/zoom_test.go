package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"proctorhub/pkg/types"
)

func zoomSettings(serverURL string) *types.ProctoringSettings {
	return &types.ProctoringSettings{
		ExamID:     3,
		Enabled:    true,
		ServerType: types.ProviderZoom,
		ServerURL:  serverURL,
		AppKey:     "zoom-key",
		AppSecret:  "enc:zoom-secret",
	}
}

func TestZoom_CreateMeeting(t *testing.T) {
	var meetingBody map[string]interface{}
	var authHeader string
	server, calls := serve(t, map[string]http.HandlerFunc{
		"POST /v2/users": func(w http.ResponseWriter, r *http.Request) {
			authHeader = r.Header.Get("Authorization")
			writeJSON(`{"id":"u-1"}`)(w, r)
		},
		"PATCH /v2/users/u-1/settings": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"POST /v2/users/u-1/meetings": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&meetingBody)
			writeJSON(`{"id":4711,"start_url":"https://zoom/s/4711","join_url":"https://zoom/j/4711"}`)(w, r)
		},
	})

	z := NewZoom(DefaultConfig().Zoom, testDeps(t))
	handle, err := z.NewCollectingRoom(context.Background(), zoomSettings(server.URL), 0)
	if err != nil {
		t.Fatalf("NewCollectingRoom failed: %v", err)
	}

	if len(*calls) != 3 {
		t.Errorf("Expected user, settings and meeting calls, got %v", *calls)
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		t.Errorf("Expected bearer API token, got %q", authHeader)
	}
	if handle.Subject != "Proctoring Room 1" {
		t.Errorf("Expected ordinal topic, got %q", handle.Subject)
	}
	if meetingBody["topic"] != "Proctoring Room 1" || meetingBody["duration"] != float64(zoomDefaultMinutes) {
		t.Errorf("Unexpected meeting request: %v", meetingBody)
	}
	if !strings.HasPrefix(handle.JoinKey, "enc:") || "enc:"+meetingBody["password"].(string) != handle.JoinKey {
		t.Errorf("Expected encrypted meeting password as join key, got %q", handle.JoinKey)
	}

	data, err := parseZoomRoomData(handle.AdditionalData)
	if err != nil {
		t.Fatalf("Expected parseable room data, got %v", err)
	}
	if data.MeetingID != 4711 || data.UserID != "u-1" || data.JoinURL != "https://zoom/j/4711" {
		t.Errorf("Unexpected room data: %+v", data)
	}
}

func TestZoom_CreateMeetingFailureRemovesUser(t *testing.T) {
	server, calls := serve(t, map[string]http.HandlerFunc{
		"POST /v2/users":               writeJSON(`{"id":"u-2"}`),
		"PATCH /v2/users/u-2/settings": writeJSON(`{}`),
		"POST /v2/users/u-2/meetings": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
		"DELETE /v2/users/u-2": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})

	z := NewZoom(DefaultConfig().Zoom, testDeps(t))
	if _, err := z.NewBreakOutRoom(context.Background(), zoomSettings(server.URL), "Help"); err == nil {
		t.Fatal("Expected meeting creation failure")
	}
	last := (*calls)[len(*calls)-1]
	if last != "DELETE /v2/users/u-2" {
		t.Errorf("Expected ad-hoc user cleanup, got %v", *calls)
	}
}

type sealFailCryptor struct{ prefixCryptor }

func (sealFailCryptor) Encrypt(plaintext string) (string, error) {
	return "", errors.New("identity unavailable")
}

func TestZoom_SealFailureRemovesMeetingAndUser(t *testing.T) {
	server, calls := serve(t, map[string]http.HandlerFunc{
		"POST /v2/users":               writeJSON(`{"id":"u-3"}`),
		"PATCH /v2/users/u-3/settings": writeJSON(`{}`),
		"POST /v2/users/u-3/meetings":  writeJSON(`{"id":815,"join_url":"https://zoom/j/815"}`),
		"DELETE /v2/meetings/815": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE /v2/users/u-3": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})

	deps := testDeps(t)
	deps.Cryptor = sealFailCryptor{}
	z := NewZoom(DefaultConfig().Zoom, deps)
	if _, err := z.NewBreakOutRoom(context.Background(), zoomSettings(server.URL), "Help"); err == nil {
		t.Fatal("Expected failure when the meeting password cannot be sealed")
	}

	got := strings.Join(*calls, ",")
	if !strings.HasSuffix(got, "DELETE /v2/meetings/815,DELETE /v2/users/u-3") {
		t.Errorf("Expected meeting and ad-hoc user removed, got %v", *calls)
	}
}

func TestZoom_DisposeRoom(t *testing.T) {
	server, calls := serve(t, map[string]http.HandlerFunc{
		"PUT /v2/meetings/4711/status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
		"DELETE /v2/meetings/4711": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE /v2/users/u-1": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("action") != "delete" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		},
	})

	z := NewZoom(DefaultConfig().Zoom, testDeps(t))
	room := &types.ProctoringRoom{ExamID: 3, Name: "r", AdditionalData: `{"meeting_id":4711,"user_id":"u-1"}`}
	if err := z.DisposeRoom(context.Background(), zoomSettings(server.URL), room); err != nil {
		t.Fatalf("DisposeRoom failed: %v", err)
	}
	want := []string{"PUT /v2/meetings/4711/status", "DELETE /v2/meetings/4711", "DELETE /v2/users/u-1"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, *calls)
	}

	if err := z.DisposeRoom(context.Background(), zoomSettings(server.URL), &types.ProctoringRoom{}); !errors.Is(err, ErrRoomData) {
		t.Errorf("Expected ErrRoomData for room without meeting data, got %v", err)
	}
}

func TestZoomMeetingSignature(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	sig := zoomMeetingSignature("key", "secret", "4711", zoomRoleHost, now)

	if strings.HasSuffix(sig, "=") {
		t.Error("Expected padding to be stripped")
	}
	raw, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("Expected base64 signature, got %v", err)
	}
	parts := strings.Split(string(raw), ".")
	if len(parts) != 5 {
		t.Fatalf("Expected 5 signature parts, got %v", parts)
	}
	if parts[0] != "key" || parts[1] != "4711" || parts[3] != "1" {
		t.Errorf("Unexpected signature parts: %v", parts)
	}
	if parts[2] != strconv.FormatInt(now.UnixMilli()-30000, 10) {
		t.Errorf("Expected timestamp backdated by 30s, got %s", parts[2])
	}
	if sig != zoomMeetingSignature("key", "secret", "4711", zoomRoleHost, now) {
		t.Error("Expected deterministic signature")
	}
	if sig == zoomMeetingSignature("key", "secret", "4711", zoomRoleAttendee, now) {
		t.Error("Expected role to change the signature")
	}
}

func TestZoom_ClientConnection(t *testing.T) {
	deps := testDeps(t)
	deps.Rooms = fakeRooms{"room-z": {
		ExamID:         3,
		Name:           "room-z",
		Subject:        "Proctoring Room 1",
		JoinKey:        "enc:pw123",
		AdditionalData: `{"meeting_id":4711,"user_id":"u-1","join_url":"https://zoom/j/4711"}`,
	}}
	deps.Conns = fakeConns{"tok-1": {Token: "tok-1", UserSessionID: "student-1"}}
	z := NewZoom(DefaultConfig().Zoom, deps)

	s := zoomSettings("https://api.zoom.us")
	s.SDKKey = "sdk-key"
	s.SDKSecret = "enc:sdk-secret"

	conn, err := z.GetClientConnection(context.Background(), s, "tok-1", "room-z", "")
	if err != nil {
		t.Fatalf("GetClientConnection failed: %v", err)
	}
	if conn.ServerURL != "https://zoom/j/4711" || conn.MeetingID != "4711" || conn.RoomKey != "pw123" {
		t.Errorf("Unexpected descriptor: %+v", conn)
	}
	if conn.Subject != "Proctoring Room 1" || conn.UserName != "student-1" {
		t.Errorf("Expected room subject and client name, got %q/%q", conn.Subject, conn.UserName)
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(conn.SDKToken, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("sdk-secret"), nil
	}); err != nil {
		t.Fatalf("Expected SDK token signed with sdk secret, got %v", err)
	}
	if claims["appKey"] != "sdk-key" || claims["tokenExp"] != claims["exp"] {
		t.Errorf("Unexpected SDK claims: %v", claims)
	}

	join := z.CreateJoinInstructionAttributes(conn)
	if join[AttrServiceType] != "ZOOM" || join[AttrZoomRoom] != "4711" || join[AttrZoomSDKToken] == "" {
		t.Errorf("Unexpected join attributes: %v", join)
	}
	if join[AttrZoomMeetingKey] != "pw123" || join[AttrZoomAPIKey] != "zoom-key" {
		t.Errorf("Expected meeting key and api key, got %v", join)
	}

	if _, err := z.GetProctorConnection(context.Background(), s, "unknown", ""); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown room, got %v", err)
	}
}

func TestZoom_TestConnection(t *testing.T) {
	server, _ := serve(t, map[string]http.HandlerFunc{
		"GET /good/v2/users": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("status") != "active" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			writeJSON(`{"users":[]}`)(w, r)
		},
	})
	z := NewZoom(DefaultConfig().Zoom, testDeps(t))

	if err := z.TestConnection(context.Background(), zoomSettings(server.URL+"/good")); err != nil {
		t.Errorf("Expected valid credentials to pass, got %v", err)
	}

	s := zoomSettings(server.URL + "/bad")
	s.ExamID = 4
	var ve *types.ValidationError
	if err := z.TestConnection(context.Background(), s); !errors.As(err, &ve) || ve.Field != "serverURL" {
		t.Errorf("Expected serverURL validation error, got %v", err)
	}
}

func TestZoom_Attributes(t *testing.T) {
	z := NewZoom(DefaultConfig().Zoom, testDeps(t))
	mapped := z.MapInstructionAttributes(map[string]string{AttrReceiveAudio: "true", AttrProctorName: "Ada"})
	if mapped[AttrZoomReceiveAudio] != "true" {
		t.Errorf("Expected zoom audio key, got %v", mapped)
	}
	if _, ok := mapped[AttrProctorName]; ok {
		t.Error("Expected proctor name to be dropped")
	}
	if !z.SendRejoinForCollectingRoom() {
		t.Error("Expected rejoin for collecting room by default")
	}
}
