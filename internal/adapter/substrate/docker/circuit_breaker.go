package docker

import (
	"log/slog"
	"sync"
	"time"
)

// circuitState is the daemon-health circuit breaker's state.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker trips when the Docker daemon itself becomes
// unreachable (not on ordinary per-job failures like a non-zero exit
// code), so a daemon outage fails fast instead of retrying every job
// creation through the full backoff window.
type circuitBreaker struct {
	mu               sync.RWMutex
	failureThreshold int
	recoveryTimeout  time.Duration
	state            circuitState
	failureCount     int
	lastFailureTime  time.Time
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: 5,
		recoveryTimeout:  30 * time.Second,
		state:            circuitClosed,
	}
}

func (cb *circuitBreaker) shouldAttempt() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case circuitOpen:
		return time.Since(cb.lastFailureTime) > cb.recoveryTimeout
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state != circuitClosed {
		cb.state = circuitClosed
		slog.Info("substrate circuit breaker closed after recovery")
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.failureCount >= cb.failureThreshold {
		cb.state = circuitOpen
		slog.Warn("substrate circuit breaker opened", slog.Int("failure_count", cb.failureCount))
	}
}
