package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shv/smarthome/internal/bus"
	"github.com/shv/smarthome/internal/infrastructure/logging"
	"github.com/shv/smarthome/internal/store"
)

// derivedRequestID tags every envelope the handlers produce themselves.
const derivedRequestID = "1"

// lampChangedHandler applies a lamp state report from a node and notifies
// the node's owners.
type lampChangedHandler struct {
	repo   store.Repository
	pub    Publisher
	logger *logging.Logger
}

func (h *lampChangedHandler) Kind() ActorKind { return ActorNode }

// Process expects data {"id": <node-local lamp id>, "value": <int>}.
//
// A report for an unknown lamp is logged and skipped without error: nodes
// may carry equipment that was never registered.
func (h *lampChangedHandler) Process(ctx context.Context, actor Actor, data map[string]any) error {
	nodeLampID, ok := intField(data, "id")
	if !ok {
		return fmt.Errorf("%w: lamp_changed needs an id", ErrInvalidPayload)
	}
	value, ok := intField(data, "value")
	if !ok {
		return fmt.Errorf("%w: lamp_changed needs a value", ErrInvalidPayload)
	}

	lamp, err := h.repo.GetNodeLamp(ctx, actor.Node.ID, nodeLampID)
	if err != nil {
		if errors.Is(err, store.ErrLampNotFound) {
			h.logger.Warn("lamp not registered, skipping report",
				"node_id", actor.Node.ID,
				"node_lamp_id", nodeLampID,
			)
			return nil
		}
		return fmt.Errorf("looking up lamp: %w", err)
	}

	lamp, err = h.repo.UpdateLampValue(ctx, lamp.ID, value)
	if err != nil {
		return fmt.Errorf("storing lamp value: %w", err)
	}

	return notifyOwners(ctx, h.repo, h.pub, h.logger, actor.Node.ID, bus.Envelope{
		RequestID: derivedRequestID,
		Action:    bus.ActionUpdatedLamp,
		Data: map[string]any{
			"id":      lamp.ID,
			"value":   lamp.Value,
			"updated": lamp.Updated.Format(time.RFC3339),
		},
	})
}

// sensorChangedHandler applies a sensor reading from a node, records it in
// telemetry, and notifies the node's owners.
type sensorChangedHandler struct {
	repo      store.Repository
	pub       Publisher
	telemetry Telemetry
	logger    *logging.Logger
}

func (h *sensorChangedHandler) Kind() ActorKind { return ActorNode }

// Process expects data {"id": <node-local sensor id>, "value": <float>}.
func (h *sensorChangedHandler) Process(ctx context.Context, actor Actor, data map[string]any) error {
	nodeSensorID, ok := intField(data, "id")
	if !ok {
		return fmt.Errorf("%w: sensor_changed needs an id", ErrInvalidPayload)
	}
	value, ok := floatField(data, "value")
	if !ok {
		return fmt.Errorf("%w: sensor_changed needs a value", ErrInvalidPayload)
	}

	sensor, err := h.repo.GetNodeSensor(ctx, actor.Node.ID, nodeSensorID)
	if err != nil {
		if errors.Is(err, store.ErrSensorNotFound) {
			h.logger.Warn("sensor not registered, skipping reading",
				"node_id", actor.Node.ID,
				"node_sensor_id", nodeSensorID,
			)
			return nil
		}
		return fmt.Errorf("looking up sensor: %w", err)
	}

	sensor, err = h.repo.UpdateSensorValue(ctx, sensor.ID, value)
	if err != nil {
		return fmt.Errorf("storing sensor value: %w", err)
	}

	// Telemetry is best effort. A down time series store must not stall
	// readings or owner notifications.
	if h.telemetry != nil {
		if err := h.telemetry.WriteSensorValue(ctx, actor.Node.ID, sensor.Name, sensor.Value, sensor.Updated); err != nil {
			h.logger.Warn("telemetry write failed",
				"sensor_id", sensor.ID,
				"error", err,
			)
		}
	}

	return notifyOwners(ctx, h.repo, h.pub, h.logger, actor.Node.ID, bus.Envelope{
		RequestID: derivedRequestID,
		Action:    bus.ActionUpdatedSensor,
		Data: map[string]any{
			"id":      sensor.ID,
			"value":   sensor.Value,
			"updated": sensor.Updated.Format(time.RFC3339),
		},
	})
}

// sendLampsStateHandler forwards desired lamp states from a user to the
// owning nodes.
type sendLampsStateHandler struct {
	repo   store.Repository
	pub    Publisher
	logger *logging.Logger
}

func (h *sendLampsStateHandler) Kind() ActorKind { return ActorUser }

// Process expects data {"lamps": [{"id": <db lamp id>, "value": <int>}, ...]}.
//
// Each entry is handled independently: unknown lamps and lamps on nodes the
// user does not own are logged and skipped, the rest are forwarded. The node
// answers with its own lamp_changed report, which is what updates the
// database and the other owners.
func (h *sendLampsStateHandler) Process(ctx context.Context, actor Actor, data map[string]any) error {
	raw, ok := data["lamps"].([]any)
	if !ok {
		return fmt.Errorf("%w: send_lamps_state_to_nodes needs a lamps list", ErrInvalidPayload)
	}

	for _, entry := range raw {
		fields, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: lamps entries must be objects", ErrInvalidPayload)
		}
		lampID, ok := intField(fields, "id")
		if !ok {
			return fmt.Errorf("%w: lamps entry needs an id", ErrInvalidPayload)
		}
		value, ok := intField(fields, "value")
		if !ok {
			return fmt.Errorf("%w: lamps entry needs a value", ErrInvalidPayload)
		}

		lamp, err := h.repo.GetLamp(ctx, lampID)
		if err != nil {
			if errors.Is(err, store.ErrLampNotFound) {
				h.logger.Warn("lamp not found, skipping", "lamp_id", lampID)
				continue
			}
			return fmt.Errorf("looking up lamp: %w", err)
		}

		owns, err := h.repo.UserOwnsNode(ctx, actor.User.ID, lamp.NodeID)
		if err != nil {
			return fmt.Errorf("checking lamp ownership: %w", err)
		}
		if !owns {
			h.logger.Error("lamp not owned by user, skipping",
				"lamp_id", lamp.ID,
				"user_id", actor.User.ID,
			)
			continue
		}

		env := bus.Envelope{
			RequestID: derivedRequestID,
			Action:    bus.ActionSetLampState,
			Data: map[string]any{
				"id":    lamp.NodeLampID,
				"value": value,
			},
		}
		if err := h.pub.Publish(bus.NodeChannel(lamp.NodeID), env); err != nil {
			return fmt.Errorf("publishing lamp state to node %d: %w", lamp.NodeID, err)
		}
		h.logger.Info("lamp state sent to node",
			"user_id", actor.User.ID,
			"node_id", lamp.NodeID,
			"lamp_id", lamp.ID,
		)
	}
	return nil
}

// restartNodeHandler forwards a restart order from a user to a node.
type restartNodeHandler struct {
	repo   store.Repository
	pub    Publisher
	logger *logging.Logger
}

func (h *restartNodeHandler) Kind() ActorKind { return ActorUser }

// Process expects data {"id": <node id>}. The node receives a bare restart
// envelope with no data.
func (h *restartNodeHandler) Process(ctx context.Context, actor Actor, data map[string]any) error {
	nodeID, ok := intField(data, "id")
	if !ok {
		return fmt.Errorf("%w: restart_node needs an id", ErrInvalidPayload)
	}

	node, err := h.repo.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			h.logger.Warn("node not found, skipping restart", "node_id", nodeID)
			return nil
		}
		return fmt.Errorf("looking up node: %w", err)
	}

	owns, err := h.repo.UserOwnsNode(ctx, actor.User.ID, node.ID)
	if err != nil {
		return fmt.Errorf("checking node ownership: %w", err)
	}
	if !owns {
		h.logger.Error("node not owned by user, skipping restart",
			"node_id", node.ID,
			"user_id", actor.User.ID,
		)
		return nil
	}

	env := bus.Envelope{RequestID: derivedRequestID, Action: bus.ActionRestart}
	if err := h.pub.Publish(bus.NodeChannel(node.ID), env); err != nil {
		return fmt.Errorf("publishing restart to node %d: %w", node.ID, err)
	}
	h.logger.Info("restart sent to node", "user_id", actor.User.ID, "node_id", node.ID)
	return nil
}

// notifyOwners publishes an envelope to every owner of a node.
func notifyOwners(ctx context.Context, repo store.Repository, pub Publisher, logger *logging.Logger, nodeID int64, env bus.Envelope) error {
	users, err := repo.NodeUsers(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("listing node owners: %w", err)
	}
	for _, user := range users {
		if err := pub.Publish(bus.UserChannel(user.ID), env); err != nil {
			return fmt.Errorf("publishing %s to user %d: %w", env.Action, user.ID, err)
		}
		logger.Info("owner notified",
			"action", env.Action,
			"node_id", nodeID,
			"user_id", user.ID,
		)
	}
	return nil
}

// intField reads an integer value out of decoded JSON data.
func intField(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// floatField reads a numeric value out of decoded JSON data.
func floatField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
