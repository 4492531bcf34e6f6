package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscription is one live handle onto a channel.
//
// Each handle owns a buffered message queue fed by the client's dispatcher.
// Two handles on the same channel each receive an independent copy of every
// message; the broker-side subscription is shared between them.
type Subscription struct {
	client  *Client
	channel string

	messages chan []byte
	closed   chan struct{}
	once     sync.Once
}

// Channel returns the channel this handle is subscribed to.
func (s *Subscription) Channel() string {
	return s.channel
}

// Next waits up to timeout for the next message on this handle.
//
// Returns:
//   - []byte: The message payload
//   - bool: false if the timeout elapsed or the handle was unsubscribed
func (s *Subscription) Next(timeout time.Duration) ([]byte, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-s.messages:
		return payload, true
	case <-s.closed:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Unsubscribe detaches this handle from its channel.
//
// The broker-side subscription is dropped only when the last handle on the
// channel unsubscribes. Safe to call more than once; subsequent calls are
// no-ops.
//
// Returns:
//   - error: If the broker-side unsubscribe fails. The handle is detached
//     locally regardless, so it stops receiving messages either way.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.client.removeHandle(s)
		close(s.closed)
	})
	return err
}

// Subscribe opens a new subscription handle on the specified channel.
//
// The first handle on a channel subscribes at the broker; later handles on
// the same channel share that broker subscription and are fanned out to
// locally. Messages are delivered in broker order per handle.
//
// Parameters:
//   - channel: The channel (MQTT topic) to subscribe to
//
// Returns:
//   - *Subscription: The live handle; the caller owns its lifecycle
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Subscribe(channel string) (*Subscription, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	sub := &Subscription{
		client:   c,
		channel:  channel,
		messages: make(chan []byte, subscriptionBuffer),
		closed:   make(chan struct{}),
	}

	c.subMu.Lock()
	handles := c.channels[channel]
	c.channels[channel] = append(handles, sub)
	first := len(handles) == 0
	c.subMu.Unlock()

	if !first {
		return sub, nil
	}

	// First handle on this channel: subscribe at the broker.
	token := c.client.Subscribe(channel, byte(c.cfg.QoS), c.dispatchHandler(channel))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.dropHandle(sub)
		return nil, fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.dropHandle(sub)
		return nil, fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return sub, nil
}

// dispatchHandler returns the paho handler that fans a channel's messages
// out to every live handle.
func (c *Client) dispatchHandler(channel string) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.subMu.Lock()
		handles := make([]*Subscription, len(c.channels[channel]))
		copy(handles, c.channels[channel])
		c.subMu.Unlock()

		for _, sub := range handles {
			select {
			case sub.messages <- msg.Payload():
			default:
				// Handle buffer full; drop for this handle only
				if logger := c.getLogger(); logger != nil {
					logger.Warn("subscription buffer full, message dropped",
						"channel", channel,
					)
				}
			}
		}
	}
}

// dropHandle removes a handle from tracking without touching the broker.
// Used on the subscribe failure path.
func (c *Client) dropHandle(sub *Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.detachLocked(sub)
}

// removeHandle detaches a handle and, if it was the channel's last,
// unsubscribes from the broker.
func (c *Client) removeHandle(sub *Subscription) error {
	c.subMu.Lock()
	c.detachLocked(sub)
	last := len(c.channels[sub.channel]) == 0
	if last {
		delete(c.channels, sub.channel)
	}
	c.subMu.Unlock()

	if !last {
		return nil
	}
	if !c.IsConnected() {
		// Broker side is already gone; local detach is all that's needed.
		return nil
	}

	token := c.client.Unsubscribe(sub.channel)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	// A concurrent Subscribe may have registered fresh handles on this
	// channel while the unsubscribe was in flight; its broker SUBSCRIBE can
	// land before our UNSUBSCRIBE, which then tears down the subscription
	// those handles depend on. Restore it.
	c.subMu.Lock()
	revived := len(c.channels[sub.channel]) > 0
	c.subMu.Unlock()
	if !revived {
		return nil
	}
	token = c.client.Subscribe(sub.channel, byte(c.cfg.QoS), c.dispatchHandler(sub.channel))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// detachLocked removes sub from its channel's handle list.
// Caller must hold subMu.
func (c *Client) detachLocked(sub *Subscription) {
	handles := c.channels[sub.channel]
	for i, h := range handles {
		if h == sub {
			c.channels[sub.channel] = append(handles[:i], handles[i+1:]...)
			return
		}
	}
}

// SubscriptionCount returns the number of live subscription handles.
//
// This can be useful for monitoring and debugging.
func (c *Client) SubscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	count := 0
	for _, handles := range c.channels {
		count += len(handles)
	}
	return count
}

// HasSubscription checks if any handle exists for the given channel.
func (c *Client) HasSubscription(channel string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.channels[channel]) > 0
}
