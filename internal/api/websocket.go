package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shv/smarthome/internal/action"
	"github.com/shv/smarthome/internal/bus"
	"github.com/shv/smarthome/internal/store"
)

// sessionCookie is the browser session cookie carrying a user token.
const sessionCookie = "session"

// upgrader configures the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Nodes connect from the local network, browsers from anywhere.
		return true
	},
}

// handleNodeWebSocket serves /ws/nodes connections from hardware controllers.
//
// Connection lifecycle: authenticate, upgrade, register with the hub,
// subscribe the socket to the node's channel, flag the node online and tell
// its owners, then read until the connection drops. Disconnect runs the
// mirror image: deregister, unsubscribe, flag offline, tell the owners.
func (s *Server) handleNodeWebSocket(w http.ResponseWriter, r *http.Request) {
	node, err := s.authenticateNode(r)
	if err != nil {
		writeUnauthorized(w, "valid node token is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "node_id", node.ID, "error", err)
		return
	}

	client := newWSClient(s.hub, conn, s.busCfg.SendBufferSize)
	s.hub.Register(client)
	go client.writePump(s.wsCfg)

	sub, err := s.bus.Subscribe(client, bus.NodeChannel(node.ID))
	if err != nil {
		s.logger.Error("node channel subscribe failed", "node_id", node.ID, "error", err)
		s.hub.Unregister(client)
		conn.Close()
		return
	}

	s.setNodeOnline(r.Context(), node, true)
	s.hub.Broadcast(bus.Envelope{
		RequestID: "1",
		Action:    bus.ActionConnect,
		Data:      map[string]any{"message": fmt.Sprintf("Node #%d connected", node.ID)},
	})
	s.logger.Info("node connected", "node_id", node.ID, "channel", sub.ChannelID())

	s.readLoop(r.Context(), client, action.NodeActor(node), func(ctx context.Context) {
		s.healNodeFlag(ctx, node.ID)
	})

	// Teardown order matters: the registry and channel subscription go
	// first so no further envelopes reach a dead socket, then the flag
	// flips and the owners hear about it.
	s.hub.Unregister(client)
	sub.Unsubscribe()
	s.setNodeOnline(context.Background(), node, false)
	s.hub.Broadcast(bus.Envelope{
		RequestID: "1",
		Action:    bus.ActionDisconnect,
		Data:      map[string]any{"message": fmt.Sprintf("Node %d disconnected", node.ID)},
	})
	s.logger.Info("node disconnected", "node_id", node.ID)
}

// handleUserWebSocket serves /ws connections from browsers.
//
// Each connection gets its own channel subscription, so a user with several
// open tabs receives every envelope in every tab.
func (s *Server) handleUserWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		writeUnauthorized(w, "valid user token or session is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	client := newWSClient(s.hub, conn, s.busCfg.SendBufferSize)
	s.hub.Register(client)
	go client.writePump(s.wsCfg)

	sub, err := s.bus.Subscribe(client, bus.UserChannel(user.ID))
	if err != nil {
		s.logger.Error("user channel subscribe failed", "user_id", user.ID, "error", err)
		s.hub.Unregister(client)
		conn.Close()
		return
	}

	s.logger.Info("user connected", "user_id", user.ID, "channel", sub.ChannelID())
	s.readLoop(r.Context(), client, action.UserActor(user), nil)

	s.hub.Unregister(client)
	sub.Unsubscribe()
	s.logger.Info("user disconnected", "user_id", user.ID)
}

// readLoop reads envelopes from the connection and feeds them to the action
// dispatcher until the connection drops.
//
// Client mistakes never end the connection: undecodable payloads, unknown
// actions, wrong-role actions, and handler errors are all logged and the
// loop keeps reading. Only a transport-level read error ends it.
func (s *Server) readLoop(ctx context.Context, client *WSClient, actor action.Actor, beforeDispatch func(context.Context)) {
	defer client.markGone()

	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	client.conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	client.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "actor", actor.String(), "error", err)
			} else {
				s.logger.Debug("websocket closed", "actor", actor.String(), "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		client.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		env, err := bus.DecodeEnvelope(message)
		if err != nil {
			s.logger.Warn("dropping undecodable websocket message",
				"actor", actor.String(),
				"error", err,
			)
			continue
		}

		if beforeDispatch != nil {
			beforeDispatch(ctx)
		}

		if err := s.dispatcher.Dispatch(ctx, actor, env); err != nil {
			switch {
			case errors.Is(err, action.ErrUnknownAction),
				errors.Is(err, action.ErrActorMismatch),
				errors.Is(err, action.ErrInvalidPayload):
				s.logger.Warn("rejected action",
					"actor", actor.String(),
					"action", env.Action,
					"error", err,
				)
			default:
				s.logger.Error("action processing failed",
					"actor", actor.String(),
					"action", env.Action,
					"error", err,
				)
			}
		}
	}
}

// setNodeOnline stores the node's connection state and notifies its owners
// with an updated_node envelope.
func (s *Server) setNodeOnline(ctx context.Context, node *store.Node, online bool) {
	if err := s.store.SetNodeOnline(ctx, node.ID, online); err != nil {
		s.logger.Error("storing node online flag failed",
			"node_id", node.ID,
			"online", online,
			"error", err,
		)
		return
	}

	users, err := s.store.NodeUsers(ctx, node.ID)
	if err != nil {
		s.logger.Error("listing node owners failed", "node_id", node.ID, "error", err)
		return
	}
	env := bus.Envelope{
		RequestID: "1",
		Action:    bus.ActionUpdatedNode,
		Data:      map[string]any{"id": node.ID, "is_online": online},
	}
	for _, user := range users {
		if err := s.bus.Publish(bus.UserChannel(user.ID), env); err != nil {
			s.logger.Error("publishing updated_node failed",
				"node_id", node.ID,
				"user_id", user.ID,
				"error", err,
			)
		}
	}
}

// healNodeFlag corrects a stale offline flag for a node that is visibly
// alive. Flag only; no owner notification, since nothing observable changed
// from the owners' point of view.
func (s *Server) healNodeFlag(ctx context.Context, nodeID int64) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		s.logger.Warn("node flag check failed", "node_id", nodeID, "error", err)
		return
	}
	if node.IsOnline {
		return
	}
	s.logger.Warn("correcting stale offline flag", "node_id", nodeID)
	if err := s.store.SetNodeOnline(ctx, nodeID, true); err != nil {
		s.logger.Error("correcting node flag failed", "node_id", nodeID, "error", err)
	}
}

// authenticateNode resolves the token query parameter to a node.
func (s *Server) authenticateNode(r *http.Request) (*store.Node, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, store.ErrTokenNotFound
	}
	return s.store.GetNodeByToken(r.Context(), token)
}

// authenticateUser resolves a user from the token query parameter, falling
// back to the session cookie.
func (s *Server) authenticateUser(r *http.Request) (*store.User, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			return nil, store.ErrTokenNotFound
		}
		token = cookie.Value
	}
	return s.store.GetUserByToken(r.Context(), token)
}
