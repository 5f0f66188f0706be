package types

import (
	"net/url"
	"strings"
)

// Validate checks the settings shape before any remote call is attempted.
// FUNCTIONAL DISCOVERY: All field errors are reported together so an administrator
// can fix the whole form in one round trip
func (s *ProctoringSettings) Validate() error {
	var errs ValidationErrors

	if !IsValidProvider(s.ServerType) {
		errs = append(errs, NewValidationError("serverType", "invalid"))
	}

	if err := ValidateServerURL(s.ServerURL); err != nil {
		errs = append(errs, err)
	}

	if s.CollectingRoomSize < 0 {
		errs = append(errs, NewValidationError("collectingRoomSize", "invalid"))
	}

	switch s.Strategy {
	case "", StrategyExam:
	case StrategyApplySEBGroups:
		if len(s.SEBGroupIDs) == 0 {
			errs = append(errs, NewValidationError("sebGroupIDs", "notNull"))
		}
		seen := make(map[int64]bool, len(s.SEBGroupIDs))
		for _, id := range s.SEBGroupIDs {
			if seen[id] {
				errs = append(errs, NewValidationError("sebGroupIDs", "duplicate"))
				break
			}
			seen[id] = true
		}
	case StrategySEBGroup, StrategyFixSize:
		errs = append(errs, NewValidationError("collectingStrategy", "notSupported"))
	default:
		errs = append(errs, NewValidationError("collectingStrategy", "invalid"))
	}

	if s.AppKey == "" {
		errs = append(errs, NewValidationError("appKey", "notNull"))
	}
	if s.AppSecret == "" {
		errs = append(errs, NewValidationError("appSecret", "notNull"))
	}

	switch s.ServerType {
	case ProviderZoom:
		if s.SDKKey != "" && s.SDKSecret == "" {
			errs = append(errs, NewValidationError("sdkSecret", "notNull"))
		}
	case ProviderScreenProctoring:
		if s.AccountID == "" {
			errs = append(errs, NewValidationError("accountId", "notNull"))
		}
		if s.AccountPassword == "" {
			errs = append(errs, NewValidationError("accountPassword", "notNull"))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateServerURL rejects empty, relative, non-http and query-carrying URLs
func ValidateServerURL(raw string) *ValidationError {
	if strings.TrimSpace(raw) == "" {
		return NewValidationError("serverURL", "notNull")
	}
	if strings.Contains(raw, "?") {
		return NewValidationError("serverURL", "invalidURL")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return NewValidationError("serverURL", "invalidURL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError("serverURL", "invalidURL")
	}
	return nil
}

// IsValidProvider checks the provider type against the known variants
func IsValidProvider(p ProviderType) bool {
	switch p {
	case ProviderJitsi, ProviderZoom, ProviderScreenProctoring:
		return true
	default:
		return false
	}
}

// IsValidInstructionType checks the instruction type against the known variants
func IsValidInstructionType(t InstructionType) bool {
	switch t {
	case InstructionProctoring, InstructionReconfigure, InstructionScreenProctoring:
		return true
	default:
		return false
	}
}

// EffectiveStrategy defaults an unset strategy to EXAM
func (s *ProctoringSettings) EffectiveStrategy() CollectingStrategy {
	if s.Strategy == "" {
		return StrategyExam
	}
	return s.Strategy
}

// FallbackGroupName is the configured collecting group name or the exam name
func (s *ProctoringSettings) FallbackGroupName(exam *Exam) string {
	if name := strings.TrimSpace(s.CollectingGroupName); name != "" {
		return name
	}
	if exam != nil {
		return exam.Name
	}
	return ""
}
