// Package signaler implements domain.CancelSignaler on top of the event
// bus, so the gateway and the dispatch worker don't need a direct
// connection: the gateway publishes a cancel signal, any dispatch worker
// holding that evaluation's slot reacts to it independently of the
// store-facing "cancelled" lifecycle event it also emits.
package signaler

import (
	"fmt"
	"time"

	"github.com/coderunner/evalplatform/internal/domain"
)

// CancelChannel is a control channel distinct from "evaluation.cancelled":
// the storage worker never subscribes to it, so a cancel signal never
// competes with a real lifecycle transition for sequence-number ordering.
const CancelChannel = "dispatch.cancel-signal"

// BusSignaler publishes cancel signals on CancelChannel.
type BusSignaler struct {
	bus domain.EventBus
}

// New constructs a BusSignaler over bus.
func New(bus domain.EventBus) *BusSignaler { return &BusSignaler{bus: bus} }

// SignalCancel publishes a best-effort cancel signal for evalID.
func (s *BusSignaler) SignalCancel(ctx domain.Context, evalID string) error {
	err := s.bus.Publish(ctx, CancelChannel, domain.LifecycleEvent{
		EvalID: evalID,
		Kind:   domain.EventCancelled,
		TS:     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("op=signaler.SignalCancel eval_id=%s: %w", evalID, err)
	}
	return nil
}
