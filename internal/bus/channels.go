package bus

import "fmt"

// Channel naming: every addressable entity has exactly one channel, stable
// for the entity's lifetime. Nodes and users share the namespace but are
// distinguished by prefix.

// NodeChannel returns the channel id for a node.
//
// Example: node-42
func NodeChannel(nodeID int64) string {
	return fmt.Sprintf("node-%d", nodeID)
}

// UserChannel returns the channel id for a user.
//
// Example: user-7
func UserChannel(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}
