// Package store persists users, nodes, and node equipment.
//
// Nodes are hardware controllers; each belongs to one or more users through
// an ownership link, and carries lamps and sensors addressed by node-local
// identifiers. The Repository interface exposes the lookups and updates the
// websocket handlers and the action dispatcher need, with a SQLite
// implementation backing it in production.
//
// Connection tokens live here too: presenting a token resolves it directly
// to the owning user or node.
package store
