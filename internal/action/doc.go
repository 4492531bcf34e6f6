// Package action routes inbound websocket envelopes to their handlers.
//
// Clients submit four actions. Nodes report equipment changes (lamp_changed,
// sensor_changed); users control equipment (send_lamps_state_to_nodes,
// restart_node). Handlers persist accepted changes and publish derived
// envelopes to the channels of the affected parties.
//
// Unknown or stale equipment references are skipped quietly so a node
// reporting unregistered hardware, or a user racing a deleted lamp, never
// tears down a connection.
package action
