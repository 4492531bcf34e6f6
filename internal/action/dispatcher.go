package action

import (
	"context"
	"fmt"

	"github.com/shv/smarthome/internal/bus"
	"github.com/shv/smarthome/internal/infrastructure/logging"
	"github.com/shv/smarthome/internal/store"
)

// Publisher sends envelopes to channels. Satisfied by bus.Bus.
type Publisher interface {
	Publish(channelID string, env bus.Envelope) error
}

// Handler processes one action kind on behalf of an authenticated actor.
type Handler interface {
	// Kind is the client role this handler accepts actions from.
	Kind() ActorKind

	// Process applies the action. Data is the envelope's data object and
	// may be nil.
	Process(ctx context.Context, actor Actor, data map[string]any) error
}

// Dispatcher routes inbound envelopes to their handlers.
//
// The handler set is fixed at construction: two node-originated actions
// (lamp_changed, sensor_changed) and two user-originated ones
// (send_lamps_state_to_nodes, restart_node). Every other wire tag is
// server-produced and rejected here.
type Dispatcher struct {
	handlers map[bus.Action]Handler
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher with the full handler registry.
//
// Parameters:
//   - repo: Persistence for equipment lookups and updates
//   - pub: Channel publisher for derived events
//   - telemetry: Optional sensor reading recorder; may be nil
//   - logger: Structured logger
func NewDispatcher(repo store.Repository, pub Publisher, telemetry Telemetry, logger *logging.Logger) *Dispatcher {
	logger = logger.With("component", "action")
	return &Dispatcher{
		handlers: map[bus.Action]Handler{
			bus.ActionLampChanged:           &lampChangedHandler{repo: repo, pub: pub, logger: logger},
			bus.ActionSensorChanged:         &sensorChangedHandler{repo: repo, pub: pub, telemetry: telemetry, logger: logger},
			bus.ActionSendLampsStateToNodes: &sendLampsStateHandler{repo: repo, pub: pub, logger: logger},
			bus.ActionRestartNode:           &restartNodeHandler{repo: repo, pub: pub, logger: logger},
		},
		logger: logger,
	}
}

// Dispatch routes an envelope to its handler.
//
// Returns:
//   - error: ErrUnknownAction for tags without a handler, ErrActorMismatch
//     when the actor's role does not match the handler, or the handler's
//     own processing error
func (d *Dispatcher) Dispatch(ctx context.Context, actor Actor, env bus.Envelope) error {
	handler, ok := d.handlers[env.Action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	if handler.Kind() != actor.Kind {
		return fmt.Errorf("%w: %q requires %s, got %s", ErrActorMismatch, env.Action, handler.Kind(), actor.Kind)
	}

	d.logger.Info("dispatching action",
		"action", env.Action,
		"actor", actor.String(),
		"request_id", env.RequestID,
	)
	return handler.Process(ctx, actor, env.Data)
}
