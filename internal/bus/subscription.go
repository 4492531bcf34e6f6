package bus

import (
	"context"
	"sync"

	"github.com/shv/smarthome/internal/infrastructure/logging"
)

// Subscription binds one live connection to one channel.
//
// It owns the transport-side subscription and the delivery task draining
// it. A Subscription is created by Bus.Subscribe and destroyed exactly once
// by Unsubscribe, whether that comes from the connection handler (explicit
// disconnect) or from the delivery task itself (detected socket loss).
type Subscription struct {
	channelID string
	transport TransportSubscription

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	logger *logging.Logger
}

// ChannelID returns the channel this subscription listens on.
func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Unsubscribe tears the subscription down.
//
// Order matters: the transport subscription is dropped first, then the
// delivery task is cancelled — never the reverse, so the task cannot keep
// polling a handle that is being invalidated. A transport-side failure is
// logged and local cleanup proceeds anyway.
//
// Safe to call any number of times; only the first call does anything.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if err := s.transport.Unsubscribe(); err != nil {
			s.logger.Error("transport unsubscribe failed",
				"channel", s.channelID,
				"error", err,
			)
		}
		s.cancel()
		s.logger.Info("subscription removed", "channel", s.channelID)
	})
}

// Done is closed when the delivery task has exited.
//
// Useful in tests and during shutdown to wait for the task to finish after
// Unsubscribe.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
