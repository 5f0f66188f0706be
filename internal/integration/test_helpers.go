package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"proctorhub/internal/app"
	"proctorhub/internal/config"
	"proctorhub/pkg/types"
)

// TestEnvironment is a started application on a loopback port with its
// database and identity in a temp dir
type TestEnvironment struct {
	App     *app.Application
	BaseURL string
	t       *testing.T
}

// StartTestApplication builds and starts the application. The background
// pass is effectively disabled so tests drive it with RunPass.
func StartTestApplication(t *testing.T) *TestEnvironment {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "proctorhub.db")
	cfg.Database.BusyRetryDelay = 10 * time.Millisecond
	cfg.Crypto.IdentityPath = filepath.Join(dir, "identity.age")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.Proctoring.UpdateInterval = time.Hour
	cfg.Proctoring.RetryInterval = time.Hour

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}

	env := &TestEnvironment{App: application, BaseURL: "http://" + application.GetAddr(), t: t}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return env
}

// Do sends a JSON request and decodes the response into out when out is non-nil
func (e *TestEnvironment) Do(method, path, body string, out interface{}) int {
	e.t.Helper()
	req, err := http.NewRequest(method, e.BaseURL+path, bytes.NewReader([]byte(body)))
	if err != nil {
		e.t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Proctor-Name", "Integration Proctor")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			e.t.Fatalf("Failed to decode %s %s response %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode
}

// MustDo is Do that fails the test on an unexpected status
func (e *TestEnvironment) MustDo(method, path, body string, status int, out interface{}) {
	e.t.Helper()
	if code := e.Do(method, path, body, out); code != status {
		e.t.Fatalf("%s %s: expected status %d, got %d", method, path, status, code)
	}
}

// TestClient is an exam client connected over the instruction channel
type TestClient struct {
	Token string
	conn  *websocket.Conn
	t     *testing.T
}

// ConnectClient opens the client channel for a registered connection token
func (e *TestEnvironment) ConnectClient(token string) *TestClient {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.BaseURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		e.t.Fatalf("Failed to connect client %s: %v", token, err)
	}
	c := &TestClient{Token: token, conn: conn, t: e.t}
	e.t.Cleanup(func() { _ = conn.Close() })
	return c
}

// Next reads the next instruction and acknowledges it
func (c *TestClient) Next() *types.Instruction {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var in types.Instruction
	if err := c.conn.ReadJSON(&in); err != nil {
		c.t.Fatalf("Client %s expected an instruction: %v", c.Token, err)
	}
	if err := c.conn.WriteJSON(map[string]string{"type": "ack", "id": in.ID}); err != nil {
		c.t.Fatalf("Client %s failed to acknowledge: %v", c.Token, err)
	}
	return &in
}

// Close drops the channel
func (c *TestClient) Close() {
	_ = c.conn.Close()
}

// Eventually runs a pass until cond holds or the deadline passes
func (e *TestEnvironment) Eventually(what string, cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.App.RunPass(context.Background())
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("Timed out waiting for %s", what)
}

// CollectingRooms lists the exam's collecting rooms through the API
func (e *TestEnvironment) CollectingRooms(examID int64) []*types.ProctoringRoom {
	e.t.Helper()
	var resp struct {
		Rooms []*types.ProctoringRoom `json:"rooms"`
	}
	e.MustDo(http.MethodGet, fmt.Sprintf("/api/exams/%d/rooms", examID), "", http.StatusOK, &resp)
	return resp.Rooms
}

// Occupancy sums the sizes of the exam's collecting rooms
func (e *TestEnvironment) Occupancy(examID int64) int {
	total := 0
	for _, r := range e.CollectingRooms(examID) {
		total += r.Size
	}
	return total
}
