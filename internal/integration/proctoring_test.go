package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proctorhub/internal/provider"
	"proctorhub/pkg/types"
)

func registerExam(env *TestEnvironment, examID int64, status types.ExamStatus) {
	start := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	end := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	env.MustDo(http.MethodPut, fmt.Sprintf("/api/exams/%d", examID),
		fmt.Sprintf(`{"name":"Integration Exam","status":%q,"start_time":%q,"end_time":%q}`, status, start, end),
		http.StatusOK, nil)
}

const jitsiSettings = `{
	"enabled": true,
	"server_type": "JITSI_MEET",
	"server_url": "https://meet.example.org",
	"collecting_room_size": 2,
	"app_key": "proctorhub",
	"app_secret": "jitsi-secret"
}`

// TestIntegration_CollectingRoomLifecycle drives an exam from settings to
// disposal: clients connect, get assigned and joined, a town-hall opens and
// closes, a client leaves and the finished exam is cleaned up
func TestIntegration_CollectingRoomLifecycle(t *testing.T) {
	env := StartTestApplication(t)

	registerExam(env, 1, types.ExamStatusRunning)

	var saved types.ProctoringSettings
	env.MustDo(http.MethodPut, "/api/exams/1/proctoring", jitsiSettings, http.StatusOK, &saved)
	if saved.AppSecret != "" {
		t.Error("Expected the stored secret to stay out of the response")
	}

	tokens := []string{"tok-a", "tok-b", "tok-c"}
	clients := make(map[string]*TestClient)
	for _, token := range tokens {
		env.MustDo(http.MethodPut, "/api/connections/"+token,
			fmt.Sprintf(`{"exam_id":1,"user_session_id":"student %s"}`, token), http.StatusOK, nil)
		clients[token] = env.ConnectClient(token)
	}

	// Assignment
	{
		env.Eventually("all clients assigned", func() bool { return env.Occupancy(1) == 3 })

		rooms := env.CollectingRooms(1)
		if len(rooms) != 2 {
			t.Fatalf("Expected 2 collecting rooms of size 2 for 3 clients, got %d", len(rooms))
		}
		names := map[string]bool{rooms[0].Name: true, rooms[1].Name: true}

		for _, token := range tokens {
			in := clients[token].Next()
			if in.Type != types.InstructionProctoring {
				t.Errorf("Expected %s for %s, got %s", types.InstructionProctoring, token, in.Type)
			}
			if !names[in.Attributes[provider.AttrJitsiRoom]] {
				t.Errorf("Expected %s joined to a collecting room, got %q", token, in.Attributes[provider.AttrJitsiRoom])
			}
		}
	}

	// Townhall
	{
		var proctor types.RoomConnection
		env.MustDo(http.MethodPost, "/api/exams/1/townhall", `{"subject":"Announcement"}`, http.StatusCreated, &proctor)
		if proctor.RoomName == "" || proctor.AccessToken == "" {
			t.Fatalf("Expected a signed proctor join descriptor, got %+v", proctor)
		}

		for _, token := range tokens {
			in := clients[token].Next()
			if in.Attributes[provider.AttrJitsiRoom] != proctor.RoomName {
				t.Errorf("Expected %s called into the town-hall, got %q", token, in.Attributes[provider.AttrJitsiRoom])
			}
		}

		if code := env.Do(http.MethodPost, "/api/exams/1/townhall", "", nil); code != http.StatusConflict {
			t.Errorf("Expected %d for a second town-hall, got %d", http.StatusConflict, code)
		}

		env.MustDo(http.MethodDelete, "/api/exams/1/rooms/"+proctor.RoomName, "", http.StatusOK, nil)
		for _, token := range tokens {
			reset := clients[token].Next()
			if reset.Type != types.InstructionReconfigure {
				t.Errorf("Expected a reset before the rejoin for %s, got %s", token, reset.Type)
			}
			rejoin := clients[token].Next()
			if rejoin.Type != types.InstructionProctoring || rejoin.Attributes[provider.AttrJitsiRoom] == proctor.RoomName {
				t.Errorf("Expected %s sent back to its collecting room, got %+v", token, rejoin.Attributes)
			}
		}
	}

	// Disconnect
	{
		clients["tok-c"].Close()
		env.Eventually("slot released", func() bool { return env.Occupancy(1) == 2 })
	}

	// Disposal
	{
		registerExam(env, 1, types.ExamStatusFinished)
		env.Eventually("rooms disposed", func() bool { return len(env.CollectingRooms(1)) == 0 })
	}
}

func TestIntegration_SettingsProbe(t *testing.T) {
	meet := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/external_api.js" {
			_, _ = w.Write([]byte("// meet api"))
			return
		}
		http.NotFound(w, r)
	}))
	defer meet.Close()

	env := StartTestApplication(t)
	registerExam(env, 2, types.ExamStatusRunning)

	probe := fmt.Sprintf(`{"exam_id":2,"enabled":true,"server_type":"JITSI_MEET","server_url":%q,"app_key":"k","app_secret":"s"}`, meet.URL)
	env.MustDo(http.MethodPost, "/api/proctoring/test", probe, http.StatusOK, nil)

	var failure struct {
		Field string `json:"field"`
	}
	noQuery := fmt.Sprintf(`{"exam_id":2,"enabled":true,"server_type":"JITSI_MEET","server_url":"%s?x=1","app_key":"k","app_secret":"s"}`, meet.URL)
	if code := env.Do(http.MethodPost, "/api/proctoring/test", noQuery, &failure); code != http.StatusBadRequest {
		t.Errorf("Expected %d for a URL with a query, got %d", http.StatusBadRequest, code)
	}
	if failure.Field != "serverURL" {
		t.Errorf("Expected the server URL field reported, got %q", failure.Field)
	}
}

func TestIntegration_ClientChannelRequiresRegistration(t *testing.T) {
	env := StartTestApplication(t)

	resp, err := http.Get(env.BaseURL + "/ws?token=unknown")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected %d for an unregistered token, got %d", http.StatusNotFound, resp.StatusCode)
	}

	var health map[string]interface{}
	env.MustDo(http.MethodGet, "/health", "", http.StatusOK, &health)
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}
}
