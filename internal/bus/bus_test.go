package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shv/smarthome/internal/infrastructure/config"
	"github.com/shv/smarthome/internal/infrastructure/logging"
)

// fakeTransport is an in-memory pub/sub: Publish fans out to every live
// subscription on the channel, like the broker does.
type fakeTransport struct {
	mu           sync.Mutex
	subs         map[string][]*fakeTransportSub
	publishErr   error
	subscribeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]*fakeTransportSub)}
}

func (t *fakeTransport) Publish(channel string, payload []byte) error {
	if t.publishErr != nil {
		return t.publishErr
	}
	t.mu.Lock()
	subs := make([]*fakeTransportSub, len(t.subs[channel]))
	copy(subs, t.subs[channel])
	t.mu.Unlock()

	for _, sub := range subs {
		sub.push(payload)
	}
	return nil
}

func (t *fakeTransport) Subscribe(channel string) (TransportSubscription, error) {
	if t.subscribeErr != nil {
		return nil, t.subscribeErr
	}
	sub := &fakeTransportSub{channel: channel, msgs: make(chan []byte, 64)}
	t.mu.Lock()
	t.subs[channel] = append(t.subs[channel], sub)
	t.mu.Unlock()
	return sub, nil
}

type fakeTransportSub struct {
	channel  string
	msgs     chan []byte
	mu       sync.Mutex
	unsubs   int
	unsubErr error
}

func (s *fakeTransportSub) push(payload []byte) {
	s.mu.Lock()
	gone := s.unsubs > 0
	s.mu.Unlock()
	if gone {
		return
	}
	s.msgs <- payload
}

func (s *fakeTransportSub) Next(timeout time.Duration) ([]byte, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-s.msgs:
		return payload, true
	case <-timer.C:
		return nil, false
	}
}

func (s *fakeTransportSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs++
	return s.unsubErr
}

func (s *fakeTransportSub) unsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs
}

// fakeSocket records forwarded envelopes and exposes a signal channel so
// tests can wait for delivery without sleeping.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	received  chan Envelope
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{connected: true, received: make(chan Envelope, 64)}
}

func (s *fakeSocket) Send(env Envelope) error {
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.received <- env
	return nil
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *fakeSocket) setSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// waitEnvelope blocks until the socket receives an envelope or the timeout fires.
func (s *fakeSocket) waitEnvelope(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func testBus(transport Transport) *Bus {
	return New(transport, logging.Default(), config.BusConfig{PollIntervalMS: 5})
}

func TestPublish(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)

	sub, err := transport.Subscribe("user-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	env := Envelope{RequestID: "1", Action: ActionUpdatedLamp, Data: map[string]any{"id": float64(3)}}
	if err := b.Publish("user-1", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	payload, ok := sub.Next(time.Second)
	if !ok {
		t.Fatal("transport received no payload")
	}
	got, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.Action != ActionUpdatedLamp || got.RequestID != "1" {
		t.Errorf("decoded envelope = %+v, want %+v", got, env)
	}
}

func TestPublish_OmitsNilData(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)

	sub, _ := transport.Subscribe("node-1")
	if err := b.Publish("node-1", Envelope{RequestID: "1", Action: ActionRestart}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	payload, ok := sub.(*fakeTransportSub).Next(time.Second)
	if !ok {
		t.Fatal("transport received no payload")
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := raw["data"]; present {
		t.Errorf("payload %s carries a data key, want omitted", payload)
	}
}

func TestPublish_TransportError(t *testing.T) {
	transport := newFakeTransport()
	transport.publishErr = errors.New("broker down")
	b := testBus(transport)

	err := b.Publish("user-1", Envelope{RequestID: "1", Action: ActionRestart})
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribe_DeliversInOrder(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)
	sock := newFakeSocket()

	sub, err := b.Subscribe(sock, "user-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	for _, id := range []string{"a", "b", "c"} {
		if err := b.Publish("user-1", Envelope{RequestID: id, Action: ActionUpdatedNode}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		env := sock.waitEnvelope(t)
		if env.RequestID != want {
			t.Errorf("RequestID = %q, want %q", env.RequestID, want)
		}
	}
}

func TestSubscribe_FanOutToIndependentSubscriptions(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)
	sockA := newFakeSocket()
	sockB := newFakeSocket()

	subA, err := b.Subscribe(sockA, "user-1")
	if err != nil {
		t.Fatalf("Subscribe(A) error = %v", err)
	}
	defer subA.Unsubscribe()

	subB, err := b.Subscribe(sockB, "user-1")
	if err != nil {
		t.Fatalf("Subscribe(B) error = %v", err)
	}
	defer subB.Unsubscribe()

	env := Envelope{RequestID: "1", Action: ActionUpdatedLamp, Data: map[string]any{"id": float64(1)}}

	// Publishing the same envelope twice yields two deliveries per
	// subscriber: no deduplication anywhere.
	if err := b.Publish("user-1", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Publish("user-1", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, sock := range []*fakeSocket{sockA, sockB} {
		sock.waitEnvelope(t)
		sock.waitEnvelope(t)
	}
}

func TestSubscribe_TransportError(t *testing.T) {
	transport := newFakeTransport()
	transport.subscribeErr = errors.New("broker down")
	b := testBus(transport)

	_, err := b.Subscribe(newFakeSocket(), "user-1")
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestDeliver_MalformedMessageSkipped(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)
	sock := newFakeSocket()

	sub, err := b.Subscribe(sock, "user-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	transport.mu.Lock()
	tsub := transport.subs["user-1"][0]
	transport.mu.Unlock()

	tsub.push([]byte("{not json"))
	tsub.push([]byte(`{"request_id":"1","action":"no_such_action"}`))
	if err := b.Publish("user-1", Envelope{RequestID: "ok", Action: ActionUpdatedNode}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	env := sock.waitEnvelope(t)
	if env.RequestID != "ok" {
		t.Errorf("RequestID = %q, want %q (garbage should be skipped)", env.RequestID, "ok")
	}
}

func TestDeliver_SendFailureDoesNotTearDown(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)
	sock := newFakeSocket()

	sub, err := b.Subscribe(sock, "user-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	transport.mu.Lock()
	tsub := transport.subs["user-1"][0]
	transport.mu.Unlock()

	sock.setSendErr(errors.New("socket buffer full"))
	if err := b.Publish("user-1", Envelope{RequestID: "lost", Action: ActionUpdatedNode}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Give the delivery task a moment to hit the send failure.
	time.Sleep(50 * time.Millisecond)
	if tsub.unsubscribeCount() != 0 {
		t.Fatal("delivery task unsubscribed on a single send failure")
	}

	sock.setSendErr(nil)
	if err := b.Publish("user-1", Envelope{RequestID: "kept", Action: ActionUpdatedNode}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	env := sock.waitEnvelope(t)
	if env.RequestID != "kept" {
		t.Errorf("RequestID = %q, want %q", env.RequestID, "kept")
	}
}

func TestDeliver_SocketLossTriggersSelfTeardown(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)
	sock := newFakeSocket()

	sub, err := b.Subscribe(sock, "user-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	transport.mu.Lock()
	tsub := transport.subs["user-1"][0]
	transport.mu.Unlock()

	sock.disconnect()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery task did not exit after socket loss")
	}
	if tsub.unsubscribeCount() != 1 {
		t.Errorf("transport unsubscribe count = %d, want 1", tsub.unsubscribeCount())
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)

	sub, err := b.Subscribe(newFakeSocket(), "node-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	transport.mu.Lock()
	tsub := transport.subs["node-1"][0]
	transport.mu.Unlock()

	sub.Unsubscribe()
	sub.Unsubscribe()

	if tsub.unsubscribeCount() != 1 {
		t.Errorf("transport unsubscribe count = %d, want 1", tsub.unsubscribeCount())
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery task did not exit after Unsubscribe")
	}
}

func TestUnsubscribe_TransportFailureStillCancelsTask(t *testing.T) {
	transport := newFakeTransport()
	b := testBus(transport)

	sub, err := b.Subscribe(newFakeSocket(), "node-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	transport.mu.Lock()
	transport.subs["node-1"][0].unsubErr = errors.New("broker down")
	transport.mu.Unlock()

	sub.Unsubscribe()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery task not cancelled after failed transport unsubscribe")
	}
}
