// Package provider implements one ProviderAdapter per proctoring service and
// the registry selecting between them.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"proctorhub/internal/crypto"
	"proctorhub/internal/remote"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// ExamReader resolves exams for token horizons and remote exam metadata
type ExamReader interface {
	GetExam(ctx context.Context, examID int64) (*types.Exam, error)
}

// RoomReader resolves persisted rooms by provider name
type RoomReader interface {
	GetRoom(ctx context.Context, examID int64, name string) (*types.ProctoringRoom, error)
}

// ConnectionReader resolves exam client sessions for display names
type ConnectionReader interface {
	GetConnection(ctx context.Context, connectionToken string) (*types.ClientConnection, error)
}

// AccessStore keeps the sealed remote access record of an exam.
// LoadAccessRecord returns types.ErrNotFound before the first activation.
type AccessStore interface {
	LoadAccessRecord(ctx context.Context, examID int64) (*types.RemoteAccessRecord, error)
	SaveAccessRecord(ctx context.Context, examID int64, record *types.RemoteAccessRecord) error
	ClearAccessRecord(ctx context.Context, examID int64) error
	SetRemoteExamActive(ctx context.Context, examID int64, active bool) error
}

// TokenPolicy derives the expiry of signed join credentials
type TokenPolicy struct {
	DefaultHorizon time.Duration `json:"default_horizon" yaml:"default_horizon"`
	Padding        time.Duration `json:"padding" yaml:"padding"`
	MinHorizon     time.Duration `json:"min_horizon" yaml:"min_horizon"`
	MaxHorizon     time.Duration `json:"max_horizon" yaml:"max_horizon"`
}

// Expiry is the running exam's end plus padding, or now plus the default
// horizon when the end is unknown. A result closer than MinHorizon falls
// back to the default; MaxHorizon caps it.
func (p TokenPolicy) Expiry(exam *types.Exam, now time.Time) time.Time {
	exp := now.Add(p.DefaultHorizon)
	if exam.IsRunning() && exam.EndTime != nil {
		exp = exam.EndTime.Add(p.Padding)
	}
	if p.MinHorizon > 0 && exp.Before(now.Add(p.MinHorizon)) {
		exp = now.Add(p.DefaultHorizon)
	}
	if p.MaxHorizon > 0 && exp.After(now.Add(p.MaxHorizon)) {
		exp = now.Add(p.MaxHorizon)
	}
	return exp
}

// JitsiConfig configures the Jitsi Meet adapter
type JitsiConfig struct {
	Tokens TokenPolicy `json:"tokens" yaml:"tokens"`
}

// ZoomConfig configures the Zoom adapter
type ZoomConfig struct {
	Tokens                      TokenPolicy   `json:"tokens" yaml:"tokens"`
	APITokenLifetime            time.Duration `json:"api_token_lifetime" yaml:"api_token_lifetime"`
	EnableWaitingRoom           bool          `json:"enable_waiting_room" yaml:"enable_waiting_room"`
	SendRejoinForCollectingRoom bool          `json:"send_rejoin_for_collecting_room" yaml:"send_rejoin_for_collecting_room"`
}

// SPSConfig configures the screen proctoring adapter
type SPSConfig struct {
	AccessPrefix string   `json:"access_prefix" yaml:"access_prefix"`
	Scopes       []string `json:"scopes" yaml:"scopes"`
}

// Config groups the per-provider settings
type Config struct {
	Jitsi JitsiConfig `json:"jitsi" yaml:"jitsi"`
	Zoom  ZoomConfig  `json:"zoom" yaml:"zoom"`
	SPS   SPSConfig   `json:"sps" yaml:"sps"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Jitsi: JitsiConfig{
			Tokens: TokenPolicy{DefaultHorizon: 24 * time.Hour},
		},
		Zoom: ZoomConfig{
			// SDK tokens must live between 30 minutes and 48 hours
			Tokens: TokenPolicy{
				DefaultHorizon: 24 * time.Hour,
				MinHorizon:     30 * time.Minute,
				MaxHorizon:     48*time.Hour - 10*time.Second,
			},
			APITokenLifetime:            time.Minute,
			SendRejoinForCollectingRoom: true,
		},
		SPS: SPSConfig{
			AccessPrefix: "SEBServer_SEB_Access_",
			Scopes:       []string{"read", "write"},
		},
	}
}

// Deps are the collaborators shared by all adapters
type Deps struct {
	Cryptor    interfaces.Cryptor
	Exams      ExamReader
	Rooms      RoomReader
	Conns      ConnectionReader
	Access     AccessStore
	Templates  *remote.Cache
	Tokens     *remote.TokenCache
	Remote     remote.Config
	HTTPClient *http.Client
}

func (d Deps) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// template returns the exam's cached template for settings, rebuilt whenever
// the settings fingerprint changes
func (d Deps) template(settings *types.ProctoringSettings, opts ...remote.TemplateOption) (*remote.Template, error) {
	fp := settingsFingerprint(settings)
	return d.Templates.Get(settings.ExamID, fp, func() (*remote.Template, error) {
		return d.probeTemplate(settings, opts...)
	})
}

// probeTemplate builds a one-off template for candidate settings. It never
// enters the cache, so a connection test leaves the exam's live template and
// its breaker state alone.
func (d Deps) probeTemplate(settings *types.ProctoringSettings, opts ...remote.TemplateOption) (*remote.Template, error) {
	return remote.NewTemplate(string(settings.ServerType), settings.ServerURL, d.Remote,
		append([]remote.TemplateOption{remote.WithHTTPClient(d.client())}, opts...)...)
}

func settingsFingerprint(s *types.ProctoringSettings) string {
	return crypto.Fingerprint(string(s.ServerType), s.ServerURL, s.AppKey, s.AppSecret,
		s.SDKKey, s.SDKSecret, s.AccountID, s.AccountPassword)
}

func (d Deps) decrypt(field, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plain, err := d.Cryptor.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", field, err)
	}
	return plain, nil
}

// examOrNil tolerates lookup failures; callers fall back to default horizons
func (d Deps) examOrNil(ctx context.Context, examID int64) *types.Exam {
	if d.Exams == nil || examID == 0 {
		return nil
	}
	exam, err := d.Exams.GetExam(ctx, examID)
	if err != nil {
		return nil
	}
	return exam
}

// clientName is the display name of an exam client inside a meeting
func (d Deps) clientName(ctx context.Context, connectionToken string) string {
	if d.Conns != nil {
		if conn, err := d.Conns.GetConnection(ctx, connectionToken); err == nil && conn.UserSessionID != "" {
			return conn.UserSessionID
		}
	}
	return connectionToken
}

func serverHost(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

type proctorNameKey struct{}

// WithProctorName attaches the acting proctor's display name
func WithProctorName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, proctorNameKey{}, name)
}

// ProctorName returns the acting proctor's display name, "Proctor" if unset
func ProctorName(ctx context.Context) string {
	if name, ok := ctx.Value(proctorNameKey{}).(string); ok && name != "" {
		return name
	}
	return "Proctor"
}

// mapAttributes renames generic keys through mapping; unmapped keys pass through
func mapAttributes(attributes, mapping map[string]string) map[string]string {
	result := make(map[string]string, len(attributes))
	for k, v := range attributes {
		if mapped, ok := mapping[k]; ok {
			result[mapped] = v
			continue
		}
		result[k] = v
	}
	return result
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
