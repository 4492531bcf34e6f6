package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shv/smarthome/internal/action"
	"github.com/shv/smarthome/internal/bus"
	"github.com/shv/smarthome/internal/infrastructure/config"
	"github.com/shv/smarthome/internal/infrastructure/logging"
	"github.com/shv/smarthome/internal/store"
)

// fakeTransport is an in-memory bus transport: Publish fans out to every
// live subscription on the channel.
type fakeTransport struct {
	mu   sync.Mutex
	subs map[string][]*fakeTransportSub
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]*fakeTransportSub)}
}

func (t *fakeTransport) Publish(channel string, payload []byte) error {
	t.mu.Lock()
	subs := make([]*fakeTransportSub, len(t.subs[channel]))
	copy(subs, t.subs[channel])
	t.mu.Unlock()

	for _, sub := range subs {
		sub.push(payload)
	}
	return nil
}

func (t *fakeTransport) Subscribe(channel string) (bus.TransportSubscription, error) {
	sub := &fakeTransportSub{msgs: make(chan []byte, 64)}
	t.mu.Lock()
	t.subs[channel] = append(t.subs[channel], sub)
	t.mu.Unlock()
	return sub, nil
}

type fakeTransportSub struct {
	msgs chan []byte
	mu   sync.Mutex
	gone bool
}

func (s *fakeTransportSub) push(payload []byte) {
	s.mu.Lock()
	gone := s.gone
	s.mu.Unlock()
	if gone {
		return
	}
	select {
	case s.msgs <- payload:
	default:
	}
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
	s.gone = true
	s.mu.Unlock()
	return nil
}

// mockRepo implements store.Repository: node 1 (token node-token-1) owned by
// user 7 (token user-token-1), carrying lamp 10 (local id 3) and sensor 20
// (local id 5).
type mockRepo struct {
	mu     sync.Mutex
	node   store.Node
	user   store.User
	lamp   store.Lamp
	sensor store.Sensor
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		node:   store.Node{ID: 1, URL: "http://node-1.local", IsActive: true},
		user:   store.User{ID: 7, Email: "alice@example.com", IsActive: true},
		lamp:   store.Lamp{ID: 10, NodeID: 1, NodeLampID: 3, Name: "hallway"},
		sensor: store.Sensor{ID: 20, NodeID: 1, NodeSensorID: 5, Name: "temperature"},
	}
}

func (m *mockRepo) GetNode(_ context.Context, id int64) (*store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.node.ID {
		return nil, store.ErrNodeNotFound
	}
	node := m.node
	return &node, nil
}

func (m *mockRepo) GetNodeByToken(_ context.Context, token string) (*store.Node, error) {
	if token != "node-token-1" {
		return nil, store.ErrTokenNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.node
	return &node, nil
}

func (m *mockRepo) GetUserByToken(_ context.Context, token string) (*store.User, error) {
	if token != "user-token-1" {
		return nil, store.ErrTokenNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.user
	return &user, nil
}

func (m *mockRepo) NodeUsers(_ context.Context, nodeID int64) ([]store.User, error) {
	if nodeID != 1 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return []store.User{m.user}, nil
}

func (m *mockRepo) UserOwnsNode(_ context.Context, userID, nodeID int64) (bool, error) {
	return userID == 7 && nodeID == 1, nil
}

func (m *mockRepo) SetNodeOnline(_ context.Context, nodeID int64, online bool) error {
	if nodeID != 1 {
		return store.ErrNodeNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.IsOnline = online
	return nil
}

func (m *mockRepo) GetLamp(_ context.Context, id int64) (*store.Lamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.lamp.ID {
		return nil, store.ErrLampNotFound
	}
	lamp := m.lamp
	return &lamp, nil
}

func (m *mockRepo) GetNodeLamp(_ context.Context, nodeID, nodeLampID int64) (*store.Lamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeID != m.lamp.NodeID || nodeLampID != m.lamp.NodeLampID {
		return nil, store.ErrLampNotFound
	}
	lamp := m.lamp
	return &lamp, nil
}

func (m *mockRepo) UpdateLampValue(_ context.Context, id, value int64) (*store.Lamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.lamp.ID {
		return nil, store.ErrLampNotFound
	}
	m.lamp.Value = value
	m.lamp.Updated = time.Now().UTC()
	lamp := m.lamp
	return &lamp, nil
}

func (m *mockRepo) GetNodeSensor(_ context.Context, nodeID, nodeSensorID int64) (*store.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeID != m.sensor.NodeID || nodeSensorID != m.sensor.NodeSensorID {
		return nil, store.ErrSensorNotFound
	}
	sensor := m.sensor
	return &sensor, nil
}

func (m *mockRepo) UpdateSensorValue(_ context.Context, id int64, value float64) (*store.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.sensor.ID {
		return nil, store.ErrSensorNotFound
	}
	m.sensor.Value = value
	m.sensor.Updated = time.Now().UTC()
	sensor := m.sensor
	return &sensor, nil
}

func (m *mockRepo) nodeOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.node.IsOnline
}

func (m *mockRepo) lampValue() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lamp.Value
}

// newTestServer wires a full server over the fake transport and serves it
// from an httptest listener.
func newTestServer(t *testing.T) (*httptest.Server, *mockRepo) {
	t.Helper()

	logger := logging.Default()
	transport := newFakeTransport()
	b := bus.New(transport, logger, config.BusConfig{PollIntervalMS: 5})
	repo := newMockRepo()
	dispatcher := action.NewDispatcher(repo, b, nil, logger)

	srv, err := New(Deps{
		WS:         config.WebSocketConfig{MaxMessageSize: 4096, PingInterval: 30, PongTimeout: 30},
		Logger:     logger,
		Store:      repo,
		Bus:        b,
		Dispatcher: dispatcher,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.hub = NewHub(logger)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return ts, repo
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", path, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads envelopes until one matches the wanted action.
func readUntil(t *testing.T, conn *websocket.Conn, want bus.Action) bus.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("setting read deadline: %v", err)
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading for %s: %v", want, err)
		}
		env, err := bus.DecodeEnvelope(message)
		if err != nil {
			t.Fatalf("decoding %s: %v", message, err)
		}
		if env.Action == want {
			return env
		}
	}
	t.Fatalf("no %s envelope before deadline", want)
	return bus.Envelope{}
}

// collectUntil reads envelopes until every wanted action was seen at least
// once, tolerating any arrival order.
func collectUntil(t *testing.T, conn *websocket.Conn, wants ...bus.Action) map[bus.Action]bus.Envelope {
	t.Helper()
	pending := make(map[bus.Action]struct{}, len(wants))
	for _, want := range wants {
		pending[want] = struct{}{}
	}
	seen := make(map[bus.Action]bus.Envelope, len(wants))

	deadline := time.Now().Add(5 * time.Second)
	for len(pending) > 0 {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("setting read deadline: %v", err)
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading for %v: %v", wants, err)
		}
		env, err := bus.DecodeEnvelope(message)
		if err != nil {
			t.Fatalf("decoding %s: %v", message, err)
		}
		if _, ok := pending[env.Action]; ok {
			seen[env.Action] = env
			delete(pending, env.Action)
		}
	}
	return seen
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServerHealthCheck_NotStarted(t *testing.T) {
	logger := logging.Default()
	transport := newFakeTransport()
	b := bus.New(transport, logger, config.BusConfig{PollIntervalMS: 5})
	srv, err := New(Deps{
		Logger:     logger,
		Store:      newMockRepo(),
		Bus:        b,
		Dispatcher: action.NewDispatcher(newMockRepo(), b, nil, logger),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() = nil before Start, want error")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.HealthCheck(cancelled); err == nil {
		t.Error("HealthCheck() = nil with cancelled context, want error")
	}
}

func TestWebSocket_Unauthorized(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{
		"/api/v1/ws",
		"/api/v1/ws?token=wrong",
		"/api/v1/ws/nodes",
		"/api/v1/ws/nodes?token=wrong",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestWebSocket_UserSessionCookie(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	header := http.Header{}
	header.Set("Cookie", "session=user-token-1")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dialing with session cookie: %v", err)
	}
	resp.Body.Close()
	conn.Close()
}

func TestNodeLifecycle(t *testing.T) {
	ts, repo := newTestServer(t)

	userConn := dialWS(t, ts, "/api/v1/ws?token=user-token-1")
	nodeConn := dialWS(t, ts, "/api/v1/ws/nodes?token=node-token-1")

	// The owner hears about the connection twice: a hub-wide connect
	// announcement and an updated_node envelope on their own channel.
	seen := collectUntil(t, userConn, bus.ActionConnect, bus.ActionUpdatedNode)
	env := seen[bus.ActionUpdatedNode]
	if env.Data["id"] != float64(1) || env.Data["is_online"] != true {
		t.Errorf("updated_node data = %v", env.Data)
	}
	if !repo.nodeOnline() {
		t.Error("node flag not online after connect")
	}

	nodeConn.Close()

	seen = collectUntil(t, userConn, bus.ActionDisconnect, bus.ActionUpdatedNode)
	env = seen[bus.ActionUpdatedNode]
	if env.Data["is_online"] != false {
		t.Errorf("updated_node data = %v, want is_online false", env.Data)
	}
	waitFor(t, "node flag offline", func() bool { return !repo.nodeOnline() })
}

func TestNodeFlagSelfHeal(t *testing.T) {
	ts, repo := newTestServer(t)

	userConn := dialWS(t, ts, "/api/v1/ws?token=user-token-1")
	nodeConn := dialWS(t, ts, "/api/v1/ws/nodes?token=node-token-1")

	collectUntil(t, userConn, bus.ActionConnect, bus.ActionUpdatedNode)
	waitFor(t, "node flag online", func() bool { return repo.nodeOnline() })

	// The flag drifts offline behind the live connection's back, as after
	// a missed disconnect transition.
	if err := repo.SetNodeOnline(context.Background(), 1, false); err != nil {
		t.Fatalf("forcing flag offline: %v", err)
	}

	err := nodeConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"request_id":"4","action":"lamp_changed","data":{"id":3,"value":50}}`))
	if err != nil {
		t.Fatalf("writing lamp_changed: %v", err)
	}

	// The correction happens before the report is dispatched, and it is
	// flag-only: the owner sees the lamp update with no updated_node
	// envelope ahead of it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := userConn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("setting read deadline: %v", err)
		}
		_, message, err := userConn.ReadMessage()
		if err != nil {
			t.Fatalf("reading for updated_lamp: %v", err)
		}
		env, err := bus.DecodeEnvelope(message)
		if err != nil {
			t.Fatalf("decoding %s: %v", message, err)
		}
		if env.Action == bus.ActionUpdatedNode {
			t.Fatal("flag correction published updated_node")
		}
		if env.Action == bus.ActionUpdatedLamp {
			break
		}
	}
	if !repo.nodeOnline() {
		t.Error("stale offline flag not corrected before dispatch")
	}
}

func TestNodeReportReachesOwner(t *testing.T) {
	ts, repo := newTestServer(t)

	userConn := dialWS(t, ts, "/api/v1/ws?token=user-token-1")
	nodeConn := dialWS(t, ts, "/api/v1/ws/nodes?token=node-token-1")

	err := nodeConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"request_id":"5","action":"lamp_changed","data":{"id":3,"value":200}}`))
	if err != nil {
		t.Fatalf("writing lamp_changed: %v", err)
	}

	env := readUntil(t, userConn, bus.ActionUpdatedLamp)
	if env.RequestID != "1" {
		t.Errorf("RequestID = %q, want %q", env.RequestID, "1")
	}
	if env.Data["id"] != float64(10) || env.Data["value"] != float64(200) {
		t.Errorf("updated_lamp data = %v", env.Data)
	}
	if repo.lampValue() != 200 {
		t.Errorf("stored lamp value = %d, want 200", repo.lampValue())
	}
}

func TestUserCommandReachesNode(t *testing.T) {
	ts, _ := newTestServer(t)

	userConn := dialWS(t, ts, "/api/v1/ws?token=user-token-1")
	nodeConn := dialWS(t, ts, "/api/v1/ws/nodes?token=node-token-1")

	err := userConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"request_id":"9","action":"send_lamps_state_to_nodes","data":{"lamps":[{"id":10,"value":1}]}}`))
	if err != nil {
		t.Fatalf("writing send_lamps_state_to_nodes: %v", err)
	}

	// The node is addressed by its local lamp id.
	env := readUntil(t, nodeConn, bus.ActionSetLampState)
	if env.Data["id"] != float64(3) || env.Data["value"] != float64(1) {
		t.Errorf("set_lamp_state data = %v", env.Data)
	}
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	ts, _ := newTestServer(t)

	userConn := dialWS(t, ts, "/api/v1/ws?token=user-token-1")
	nodeConn := dialWS(t, ts, "/api/v1/ws/nodes?token=node-token-1")

	for _, payload := range []string{
		`{not json`,
		`{"request_id":"2","action":"no_such_action"}`,
		`{"request_id":"3","action":"lamp_changed","data":{"id":3,"value":1}}`, // wrong role
	} {
		if err := userConn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatalf("writing %s: %v", payload, err)
		}
	}

	// The connection survived the garbage: a valid command still works.
	err := userConn.WriteMessage(websocket.TextMessage,
		[]byte(`{"request_id":"9","action":"restart_node","data":{"id":1}}`))
	if err != nil {
		t.Fatalf("writing restart_node: %v", err)
	}
	env := readUntil(t, nodeConn, bus.ActionRestart)
	if env.Data != nil {
		t.Errorf("restart data = %v, want nil", env.Data)
	}
}
