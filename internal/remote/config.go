package remote

import (
	"errors"
	"time"
)

// Config tunes every Template built by this package
type Config struct {
	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout"`
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`
	OpenDuration     time.Duration `json:"open_duration" yaml:"open_duration"`
	TokenRefreshSkew time.Duration `json:"token_refresh_skew" yaml:"token_refresh_skew"`
	CacheSize        int           `json:"cache_size" yaml:"cache_size"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   10 * time.Second,
		FailureThreshold: 2,
		OpenDuration:     10 * time.Second,
		TokenRefreshSkew: 60 * time.Second,
		CacheSize:        5,
	}
}

// Validate ensures the configuration is usable
func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("remote request timeout must be positive")
	}
	if c.FailureThreshold == 0 {
		return errors.New("remote failure threshold must be at least 1")
	}
	if c.OpenDuration <= 0 {
		return errors.New("remote open duration must be positive")
	}
	if c.TokenRefreshSkew < 0 {
		return errors.New("remote token refresh skew cannot be negative")
	}
	if c.CacheSize <= 0 {
		return errors.New("remote cache size must be positive")
	}
	return nil
}
