package bus

import (
	"encoding/json"
	"fmt"
)

// Action identifies the meaning of an Envelope. The set is closed: a payload
// carrying any other tag fails to decode.
type Action string

// Wire action tags, shared by nodes and browsers.
const (
	// ActionGetData requests current data.
	ActionGetData Action = "get_data"

	// ActionConnect announces a client connection.
	ActionConnect Action = "connect"

	// ActionDisconnect announces a client disconnection.
	ActionDisconnect Action = "disconnect"

	// ActionUpdatedValues carries current values.
	ActionUpdatedValues Action = "updated_values"

	// ActionSendLampsStateToNodes asks to push new lamp states to nodes (from a user).
	ActionSendLampsStateToNodes Action = "send_lamps_state_to_nodes"

	// ActionSetLampState sets a lamp's state on a node.
	ActionSetLampState Action = "set_lamp_state"

	// ActionLampChanged reports a lamp state change (from a node).
	ActionLampChanged Action = "lamp_changed"

	// ActionUpdatedLamp notifies users that a lamp was updated.
	ActionUpdatedLamp Action = "updated_lamp"

	// ActionSensorChanged reports new sensor readings (from a node).
	ActionSensorChanged Action = "sensor_changed"

	// ActionUpdatedSensor notifies users that a sensor was updated.
	ActionUpdatedSensor Action = "updated_sensor"

	// ActionUpdatedNode notifies users that a node was updated.
	ActionUpdatedNode Action = "updated_node"

	// ActionRestart orders a node to restart.
	ActionRestart Action = "restart"

	// ActionRestartNode asks to restart a node (from a user).
	ActionRestartNode Action = "restart_node"
)

// knownActions is the closed set of valid wire tags.
var knownActions = map[Action]struct{}{
	ActionGetData:               {},
	ActionConnect:               {},
	ActionDisconnect:            {},
	ActionUpdatedValues:         {},
	ActionSendLampsStateToNodes: {},
	ActionSetLampState:          {},
	ActionLampChanged:           {},
	ActionUpdatedLamp:           {},
	ActionSensorChanged:         {},
	ActionUpdatedSensor:         {},
	ActionUpdatedNode:           {},
	ActionRestart:               {},
	ActionRestartNode:           {},
}

// Valid reports whether a is a known wire tag.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

func (a Action) String() string {
	return string(a)
}

// Envelope is the wire message exchanged over sockets and channels.
//
// Envelopes are immutable once constructed: handlers build new ones rather
// than mutating inbound messages. Data is omitted from the wire form when
// nil.
type Envelope struct {
	RequestID string         `json:"request_id"`
	Action    Action         `json:"action"`
	Data      map[string]any `json:"data,omitempty"`
}

// DecodeEnvelope parses and validates a wire payload.
//
// Returns:
//   - Envelope: The decoded message
//   - error: ErrDecode for malformed payloads or a missing request id,
//     ErrUnknownAction for tags outside the closed set
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.RequestID == "" {
		return Envelope{}, fmt.Errorf("%w: request_id is required", ErrDecode)
	}
	if !env.Action.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	return env, nil
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return payload, nil
}
