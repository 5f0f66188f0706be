package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proctorhub/internal/remote"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Test doubles

type prefixCryptor struct{}

func (prefixCryptor) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }
func (prefixCryptor) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, "enc:") {
		return "", errors.New("not encrypted")
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type fakeExams map[int64]*types.Exam

func (f fakeExams) GetExam(ctx context.Context, examID int64) (*types.Exam, error) {
	if e, ok := f[examID]; ok {
		return e, nil
	}
	return nil, types.ErrNotFound
}

type fakeRooms map[string]*types.ProctoringRoom

func (f fakeRooms) GetRoom(ctx context.Context, examID int64, name string) (*types.ProctoringRoom, error) {
	if r, ok := f[name]; ok {
		return r, nil
	}
	return nil, types.ErrNotFound
}

type fakeConns map[string]*types.ClientConnection

func (f fakeConns) GetConnection(ctx context.Context, token string) (*types.ClientConnection, error) {
	if c, ok := f[token]; ok {
		return c, nil
	}
	return nil, types.ErrNotFound
}

type fakeAccess struct {
	record *types.RemoteAccessRecord
	active bool
	saves  int
}

func (f *fakeAccess) LoadAccessRecord(ctx context.Context, examID int64) (*types.RemoteAccessRecord, error) {
	if f.record == nil {
		return nil, types.ErrNotFound
	}
	return f.record, nil
}

func (f *fakeAccess) SaveAccessRecord(ctx context.Context, examID int64, record *types.RemoteAccessRecord) error {
	f.record = record
	f.saves++
	return nil
}

func (f *fakeAccess) ClearAccessRecord(ctx context.Context, examID int64) error {
	f.record = nil
	return nil
}

func (f *fakeAccess) SetRemoteExamActive(ctx context.Context, examID int64, active bool) error {
	f.active = active
	return nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	cache, err := remote.NewCache(5)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	cfg := remote.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	return Deps{
		Cryptor:   prefixCryptor{},
		Exams:     fakeExams{},
		Rooms:     fakeRooms{},
		Conns:     fakeConns{},
		Access:    &fakeAccess{},
		Templates: cache,
		Tokens:    remote.NewTokenCache(time.Minute),
		Remote:    cfg,
	}
}

// Architectural Validation

func TestAdapters_InterfaceCompliance(t *testing.T) {
	var _ interfaces.ProviderAdapter = &Jitsi{}
	var _ interfaces.ProviderAdapter = &Zoom{}
	var _ interfaces.ProviderAdapter = &SPS{}
}

func TestRegistry(t *testing.T) {
	reg := NewDefaultRegistry(DefaultConfig(), testDeps(t))

	for _, pt := range []types.ProviderType{types.ProviderJitsi, types.ProviderZoom, types.ProviderScreenProctoring} {
		a, err := reg.Get(pt)
		if err != nil {
			t.Fatalf("Expected adapter for %s, got %v", pt, err)
		}
		if a.Type() != pt {
			t.Errorf("Expected adapter type %s, got %s", pt, a.Type())
		}
	}

	_, err := reg.Get("SKYPE")
	var ve *types.ValidationError
	if !errors.As(err, &ve) || ve.Field != "serverType" {
		t.Errorf("Expected serverType validation error, got %v", err)
	}

	if _, err := reg.ForSettings(nil); !errors.Is(err, types.ErrNotEnabled) {
		t.Errorf("Expected ErrNotEnabled for missing settings, got %v", err)
	}
	if _, ok := reg.SPS(); !ok {
		t.Error("Expected screen proctoring adapter to be registered")
	}
}

func TestTokenPolicy_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := now.Add(2 * time.Hour)
	running := &types.Exam{Status: types.ExamStatusRunning, EndTime: &end}
	upcoming := &types.Exam{Status: types.ExamStatusUpcoming, EndTime: &end}

	policy := TokenPolicy{DefaultHorizon: 24 * time.Hour, Padding: 10 * time.Minute}

	if got := policy.Expiry(running, now); !got.Equal(end.Add(10 * time.Minute)) {
		t.Errorf("Expected exam end plus padding, got %v", got)
	}
	if got := policy.Expiry(upcoming, now); !got.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("Expected default horizon for non-running exam, got %v", got)
	}
	if got := policy.Expiry(nil, now); !got.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("Expected default horizon without exam, got %v", got)
	}

	policy.MaxHorizon = time.Hour
	if got := policy.Expiry(running, now); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected expiry capped at max horizon, got %v", got)
	}

	soon := now.Add(5 * time.Minute)
	ending := &types.Exam{Status: types.ExamStatusRunning, EndTime: &soon}
	zoom := DefaultConfig().Zoom.Tokens
	if got := zoom.Expiry(ending, now); !got.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("Expected expiry under min horizon to fall back to default, got %v", got)
	}
}

func TestProctorName(t *testing.T) {
	if got := ProctorName(context.Background()); got != "Proctor" {
		t.Errorf("Expected default proctor name, got %q", got)
	}
	ctx := WithProctorName(context.Background(), "Ada")
	if got := ProctorName(ctx); got != "Ada" {
		t.Errorf("Expected Ada, got %q", got)
	}
}

func TestMapAttributes_PassesUnmappedKeys(t *testing.T) {
	got := mapAttributes(map[string]string{AttrReceiveAudio: "true", "custom": "x"}, zoomAttributeMapping)
	if got[AttrZoomReceiveAudio] != "true" || got["custom"] != "x" {
		t.Errorf("Expected mapped and passthrough keys, got %v", got)
	}
	if _, ok := got[AttrReceiveAudio]; ok {
		t.Error("Expected generic key to be replaced")
	}
}

// serve is a tiny router for provider fakes
func serve(t *testing.T, routes map[string]http.HandlerFunc) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		calls = append(calls, key)
		if h, ok := routes[key]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func writeJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}
