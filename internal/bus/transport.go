package bus

import (
	"time"

	"github.com/shv/smarthome/internal/infrastructure/mqtt"
)

// Transport is the pub/sub service the bus runs on.
//
// Implementations must give every Subscribe call an independent
// subscription: two subscriptions on the same channel each receive every
// message published to it after they subscribed.
type Transport interface {
	// Publish sends a payload to a channel.
	Publish(channel string, payload []byte) error

	// Subscribe opens a new subscription on a channel.
	Subscribe(channel string) (TransportSubscription, error)
}

// TransportSubscription is one live transport-side subscription.
type TransportSubscription interface {
	// Next waits up to timeout for the next payload. The second return is
	// false when the timeout elapsed or the subscription is gone.
	Next(timeout time.Duration) ([]byte, bool)

	// Unsubscribe drops the subscription. Idempotent.
	Unsubscribe() error
}

// mqttTransport adapts the MQTT client to the Transport interface.
type mqttTransport struct {
	client *mqtt.Client
}

// NewMQTTTransport wraps an MQTT client as a bus Transport.
func NewMQTTTransport(client *mqtt.Client) Transport {
	return &mqttTransport{client: client}
}

func (t *mqttTransport) Publish(channel string, payload []byte) error {
	return t.client.Publish(channel, payload)
}

func (t *mqttTransport) Subscribe(channel string) (TransportSubscription, error) {
	return t.client.Subscribe(channel)
}
