// Package api provides the HTTP and WebSocket server.
//
// Two websocket endpoints carry all live traffic: /api/v1/ws for browser
// clients and /api/v1/ws/nodes for hardware controllers. Each accepted
// connection is registered with the hub, subscribed to its entity's channel
// on the bus, and read in a loop that feeds inbound envelopes to the action
// dispatcher.
//
// Authentication is token based. Nodes present a token query parameter;
// browsers may use either the token parameter or a session cookie. Tokens
// resolve directly against the store, and unauthenticated requests are
// rejected before the websocket upgrade.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
