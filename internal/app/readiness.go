// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coderunner/evalplatform/internal/domain"
)

// readyzProbeTimeout bounds each individual dependency check so a single
// unreachable dependency can't stall /readyz past the HTTP server's own
// request timeout.
const readyzProbeTimeout = 2 * time.Second

// BuildReadinessChecks returns one probe per external dependency the
// submission gateway depends on (§6 "/readyz"): the result store, the task
// broker, the event bus, and the execution substrate. Each probe exercises a
// real round trip against a sentinel id, treating ErrNotFound as healthy
// (the dependency answered; it just doesn't know this id) and any other
// error as unreachable.
func BuildReadinessChecks(store domain.ResultStore, broker domain.TaskBroker, bus domain.EventBus, substrate domain.ExecutionSubstrate) (
	storeCheck func(ctx context.Context) error,
	brokerCheck func(ctx context.Context) error,
	busCheck func(ctx context.Context) error,
	substrateCheck func(ctx context.Context) error,
) {
	storeCheck = func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("result store not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, readyzProbeTimeout)
		defer cancel()
		_, err := store.Get(ctx, "__readyz_probe__")
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("result store unreachable: %w", err)
	}

	brokerCheck = func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("task broker not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, readyzProbeTimeout)
		defer cancel()
		if err := broker.Revoke(ctx, "__readyz_probe__"); err != nil {
			return fmt.Errorf("task broker unreachable: %w", err)
		}
		return nil
	}

	busCheck = func(ctx context.Context) error {
		if bus == nil {
			return fmt.Errorf("event bus not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, readyzProbeTimeout)
		defer cancel()
		_, _, err := bus.Subscribe(ctx, "readyz.probe")
		if err != nil {
			return fmt.Errorf("event bus unreachable: %w", err)
		}
		return nil
	}

	substrateCheck = func(ctx context.Context) error {
		if substrate == nil {
			return fmt.Errorf("execution substrate not configured")
		}
		ctx, cancel := context.WithTimeout(ctx, readyzProbeTimeout)
		defer cancel()
		_, err := substrate.Inspect(ctx, "__readyz_probe__")
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("execution substrate unreachable: %w", err)
	}

	return storeCheck, brokerCheck, busCheck, substrateCheck
}
