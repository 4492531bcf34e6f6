package mqtt

import (
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified channel.
//
// Messages are published with the configured QoS and are never retained:
// channels carry live events, and a new subscriber must not replay the
// last one.
//
// Parameters:
//   - channel: The channel (MQTT topic) to publish to (e.g., "node-1")
//   - payload: The message payload (JSON, max 1MB)
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(channel string, payload []byte) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(channel, byte(c.cfg.QoS), false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}
