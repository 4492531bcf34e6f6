package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/shv/smarthome/internal/infrastructure/config"
	"github.com/shv/smarthome/internal/infrastructure/logging"
)

// defaultPollInterval is used when no interval is configured.
const defaultPollInterval = 100 * time.Millisecond

// Socket is the minimal view of a live connection the bus needs.
//
// Implemented by the websocket client in the api package and by fakes in
// tests.
type Socket interface {
	// Send forwards an envelope to the connected peer.
	Send(env Envelope) error

	// Connected reports whether the peer is still attached.
	Connected() bool
}

// Bus routes envelopes between entity channels and live sockets.
//
// There is exactly one Bus per process, constructed explicitly over an
// already-connected Transport and handed by reference to everything that
// publishes or subscribes. Teardown is the owner's job: cancel every
// Subscription, then close the transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Bus struct {
	transport    Transport
	logger       *logging.Logger
	pollInterval time.Duration
}

// New creates a Bus on the given transport.
//
// Parameters:
//   - transport: Connected pub/sub transport
//   - logger: Structured logger (a "component=bus" child is derived)
//   - cfg: Bus configuration from config.yaml
//
// Returns:
//   - *Bus: Ready to publish and subscribe
func New(transport Transport, logger *logging.Logger, cfg config.BusConfig) *Bus {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Bus{
		transport:    transport,
		logger:       logger.With("component", "bus"),
		pollInterval: interval,
	}
}

// Publish serializes an envelope and hands it to the transport.
//
// A transport failure propagates to the caller; the envelope is simply not
// delivered (no retry, no buffering).
//
// Parameters:
//   - channelID: Destination channel (see NodeChannel/UserChannel)
//   - env: The envelope to deliver
//
// Returns:
//   - error: ErrPublishFailed wrapping the transport error
func (b *Bus) Publish(channelID string, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if err := b.transport.Publish(channelID, payload); err != nil {
		return fmt.Errorf("%w: channel %s: %w", ErrPublishFailed, channelID, err)
	}

	b.logger.Debug("published", "channel", channelID, "action", env.Action)
	return nil
}

// Subscribe binds a socket to a channel and starts its delivery task.
//
// Every call creates an independent Subscription with its own delivery
// goroutine; calling it twice for the same socket yields two deliveries of
// each message. That is deliberate: it is exactly the multi-tab fan-out
// behaviour, never deduplicated.
//
// Parameters:
//   - sock: The live connection envelopes are forwarded to
//   - channelID: The channel to listen on
//
// Returns:
//   - *Subscription: Owned by the caller; tear down with Unsubscribe()
//   - error: ErrSubscribeFailed if the transport subscription cannot be opened
func (b *Bus) Subscribe(sock Socket, channelID string) (*Subscription, error) {
	tsub, err := b.transport.Subscribe(channelID)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", ErrSubscribeFailed, channelID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		channelID: channelID,
		transport: tsub,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    b.logger,
	}

	go b.deliver(ctx, sub, sock)

	b.logger.Info("subscription created", "channel", channelID)
	return sub, nil
}

// deliver is the per-subscription delivery task.
//
// It repeatedly polls the transport subscription, forwards decoded envelopes
// to the socket, and tears the subscription down from the inside when the
// socket is no longer connected. A single failed send never tears anything
// down; only cancellation or socket loss ends the loop.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, sock Socket) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Ungraceful disconnects surface here: the socket is gone but nobody
		// called Unsubscribe. Teardown is idempotent, so racing the owning
		// connection handler is fine.
		if !sock.Connected() {
			b.logger.Debug("socket gone, unsubscribing", "channel", sub.channelID)
			sub.Unsubscribe()
			return
		}

		payload, ok := sub.transport.Next(b.pollInterval)
		if !ok {
			continue
		}

		env, err := DecodeEnvelope(payload)
		if err != nil {
			b.logger.Warn("dropping undecodable channel message",
				"channel", sub.channelID,
				"error", err,
			)
			continue
		}

		if err := sock.Send(env); err != nil {
			b.logger.Warn("forward to socket failed",
				"channel", sub.channelID,
				"action", env.Action,
				"error", err,
			)
		}
	}
}
