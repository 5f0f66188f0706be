package provider

import (
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Registry maps provider types to adapters. Built once at startup, read-only after.
type Registry struct {
	adapters map[types.ProviderType]interfaces.ProviderAdapter
}

// NewRegistry registers the given adapters by their Type
func NewRegistry(adapters ...interfaces.ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[types.ProviderType]interfaces.ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// NewDefaultRegistry wires the Jitsi, Zoom and screen proctoring adapters
func NewDefaultRegistry(cfg Config, deps Deps) *Registry {
	return NewRegistry(
		NewJitsi(cfg.Jitsi, deps),
		NewZoom(cfg.Zoom, deps),
		NewSPS(cfg.SPS, deps),
	)
}

// Get returns the adapter for a provider type
func (r *Registry) Get(t types.ProviderType) (interfaces.ProviderAdapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, types.NewValidationError("serverType", "invalid")
	}
	return a, nil
}

// ForSettings returns the adapter selected by the settings' server type
func (r *Registry) ForSettings(settings *types.ProctoringSettings) (interfaces.ProviderAdapter, error) {
	if settings == nil {
		return nil, types.ErrNotEnabled
	}
	return r.Get(settings.ServerType)
}

// SPS returns the screen proctoring adapter when registered
func (r *Registry) SPS() (*SPS, bool) {
	a, ok := r.adapters[types.ProviderScreenProctoring].(*SPS)
	return a, ok
}
