package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_GetRetryConfig_MapsFields(t *testing.T) {
	cfg := Config{
		RetryMaxRetries:    5,
		RetryInitialDelay:  3 * time.Second,
		RetryMaxDelay:      45 * time.Second,
		RetryMultiplier:    3.5,
		RetryJitter:        false,
		DLQMaxAge:          48 * time.Hour,
		DLQCleanupInterval: 6 * time.Hour,
	}

	rc := cfg.GetRetryConfig()

	assert.Equal(t, cfg.RetryMaxRetries, rc.MaxRetries)
	assert.Equal(t, cfg.RetryInitialDelay, rc.InitialDelay)
	assert.Equal(t, cfg.RetryMaxDelay, rc.MaxDelay)
	assert.Equal(t, cfg.RetryMultiplier, rc.Multiplier)
	assert.Equal(t, cfg.RetryJitter, rc.Jitter)
	assert.Equal(t, cfg.DLQMaxAge, rc.DLQMaxAge)
	assert.Equal(t, cfg.DLQCleanupInterval, rc.DLQCleanupInterval)
}
