// Package exam keeps the proctoring view of exams: their provider settings
// and the sealed access record a provider issued for them.
package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"proctorhub/internal/crypto"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Manager fronts the exam store with a settings cache.
// FUNCTIONAL DISCOVERY: secret settings fields are encrypted before they reach
// the cache or the store, so only ciphertext ever sits in memory between calls
type Manager struct {
	store    interfaces.ExamStore
	cryptor  interfaces.Cryptor
	settings map[int64]*types.ProctoringSettings // examID -> settings
	mu       sync.RWMutex
}

// NewManager creates a new exam manager
func NewManager(store interfaces.ExamStore, cryptor interfaces.Cryptor) *Manager {
	return &Manager{
		store:    store,
		cryptor:  cryptor,
		settings: make(map[int64]*types.ProctoringSettings),
	}
}

// LoadRunningExams warms the settings cache for every running exam
func (m *Manager) LoadRunningExams(ctx context.Context) error {
	exams, err := m.store.ListExamsByStatus(ctx, types.ExamStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to load running exams: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, exam := range exams {
		s, err := decodeSettings(exam)
		if err != nil {
			log.Printf("Warning: skipping exam settings: exam=%d error=%v", exam.ID, err)
			continue
		}
		if s != nil {
			m.settings[exam.ID] = s
			loaded++
		}
	}

	log.Printf("Loaded proctoring settings for %d of %d running exams", loaded, len(exams))
	return nil
}

// GetExam reads an exam from the store
func (m *Manager) GetExam(ctx context.Context, examID int64) (*types.Exam, error) {
	return m.store.GetExam(ctx, examID)
}

// ListRunningExams returns the exams in the RUNNING state
func (m *Manager) ListRunningExams(ctx context.Context) ([]*types.Exam, error) {
	return m.store.ListExamsByStatus(ctx, types.ExamStatusRunning)
}

// ListFinishedExams returns the exams in the FINISHED state
func (m *Manager) ListFinishedExams(ctx context.Context) ([]*types.Exam, error) {
	return m.store.ListExamsByStatus(ctx, types.ExamStatusFinished)
}

// GetSettings returns the exam's settings with secrets still encrypted, or
// types.ErrNotEnabled when none were saved
func (m *Manager) GetSettings(ctx context.Context, examID int64) (*types.ProctoringSettings, error) {
	m.mu.RLock()
	if s, ok := m.settings[examID]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	exam, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	s, err := decodeSettings(exam)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("exam %d: %w", examID, types.ErrNotEnabled)
	}

	m.mu.Lock()
	m.settings[examID] = s
	m.mu.Unlock()
	return s, nil
}

// PrepareSettings validates settings holding plaintext secrets and returns a
// copy with the secrets encrypted. Empty secrets are taken from the settings
// already stored for the exam.
func (m *Manager) PrepareSettings(ctx context.Context, settings *types.ProctoringSettings) (*types.ProctoringSettings, error) {
	if settings.ExamID <= 0 {
		return nil, ErrInvalidExamID
	}
	prepared := *settings
	prepared.SEBGroupIDs = append([]int64(nil), settings.SEBGroupIDs...)

	stored, err := m.GetSettings(ctx, settings.ExamID)
	if err != nil && !errors.Is(err, types.ErrNotEnabled) && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	for _, f := range secretFields(&prepared, stored) {
		if *f.value == "" {
			*f.value = f.stored
			continue
		}
		cipher, err := m.cryptor.Encrypt(*f.value)
		if err != nil {
			return nil, fmt.Errorf("encrypting %s: %w", f.name, err)
		}
		*f.value = cipher
	}

	if err := prepared.Validate(); err != nil {
		return nil, err
	}
	return &prepared, nil
}

type secretField struct {
	name   string
	value  *string
	stored string
}

func secretFields(s, stored *types.ProctoringSettings) []secretField {
	if stored == nil {
		stored = &types.ProctoringSettings{}
	}
	return []secretField{
		{"appSecret", &s.AppSecret, stored.AppSecret},
		{"sdkSecret", &s.SDKSecret, stored.SDKSecret},
		{"accountPassword", &s.AccountPassword, stored.AccountPassword},
	}
}

// SaveSettings validates, encrypts and stores the settings, then marks the
// exam for update so running clients pick up the change
func (m *Manager) SaveSettings(ctx context.Context, settings *types.ProctoringSettings) (*types.ProctoringSettings, error) {
	prepared, err := m.PrepareSettings(ctx, settings)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(prepared)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	if err := m.store.SetExamAttribute(ctx, prepared.ExamID, types.AttrProctoringSettings, string(data)); err != nil {
		return nil, fmt.Errorf("failed to save settings: %w", err)
	}
	if err := m.store.MarkExamForUpdate(ctx, prepared.ExamID); err != nil {
		log.Printf("Warning: failed to mark exam for update: exam=%d error=%v", prepared.ExamID, err)
	}

	m.mu.Lock()
	m.settings[prepared.ExamID] = prepared
	m.mu.Unlock()

	log.Printf("Saved proctoring settings: exam=%d provider=%s enabled=%t", prepared.ExamID, prepared.ServerType, prepared.Enabled)
	return prepared, nil
}

// DeleteSettings removes the exam's settings
func (m *Manager) DeleteSettings(ctx context.Context, examID int64) error {
	if err := m.store.DeleteExamAttribute(ctx, examID, types.AttrProctoringSettings); err != nil {
		return fmt.Errorf("failed to delete settings: %w", err)
	}
	m.Invalidate(examID)
	log.Printf("Deleted proctoring settings: exam=%d", examID)
	return nil
}

// Invalidate drops the cached settings of one exam
func (m *Manager) Invalidate(examID int64) {
	m.mu.Lock()
	delete(m.settings, examID)
	m.mu.Unlock()
}

// LoadAccessRecord opens the exam's sealed remote access record
func (m *Manager) LoadAccessRecord(ctx context.Context, examID int64) (*types.RemoteAccessRecord, error) {
	exam, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	sealed, ok := exam.Attributes[types.AttrRemoteAccessData]
	if !ok || sealed == "" {
		return nil, fmt.Errorf("access record of exam %d: %w", examID, types.ErrNotFound)
	}
	return crypto.OpenRecord(m.cryptor, sealed)
}

// SaveAccessRecord seals and stores the exam's remote access record
func (m *Manager) SaveAccessRecord(ctx context.Context, examID int64, record *types.RemoteAccessRecord) error {
	sealed, err := crypto.SealRecord(m.cryptor, record)
	if err != nil {
		return err
	}
	return m.store.SetExamAttribute(ctx, examID, types.AttrRemoteAccessData, sealed)
}

// ClearAccessRecord forgets the remote access record and its active flag
func (m *Manager) ClearAccessRecord(ctx context.Context, examID int64) error {
	if err := m.store.DeleteExamAttribute(ctx, examID, types.AttrRemoteAccessData); err != nil {
		return err
	}
	return m.store.DeleteExamAttribute(ctx, examID, types.AttrRemoteExamActive)
}

// SetRemoteExamActive records whether the remote exam is switched on
func (m *Manager) SetRemoteExamActive(ctx context.Context, examID int64, active bool) error {
	return m.store.SetExamAttribute(ctx, examID, types.AttrRemoteExamActive, strconv.FormatBool(active))
}

// RemoteExamActive reports the recorded remote activation state
func (m *Manager) RemoteExamActive(ctx context.Context, examID int64) (bool, error) {
	exam, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return false, err
	}
	active, _ := strconv.ParseBool(exam.Attributes[types.AttrRemoteExamActive])
	return active, nil
}

// GetStats returns exam manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"cached_settings": len(m.settings),
	}
}

// decodeSettings returns nil settings when the exam has none
func decodeSettings(exam *types.Exam) (*types.ProctoringSettings, error) {
	raw, ok := exam.Attributes[types.AttrProctoringSettings]
	if !ok || raw == "" {
		return nil, nil
	}
	var s types.ProctoringSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("%w: exam %d: %v", ErrCorruptSettings, exam.ID, err)
	}
	if s.ExamID != 0 && s.ExamID != exam.ID {
		return nil, fmt.Errorf("%w: exam %d holds settings of %d", ErrSettingsMismatch, exam.ID, s.ExamID)
	}
	s.ExamID = exam.ID
	return &s, nil
}
