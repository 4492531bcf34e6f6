// Package bus is the process-wide message bus between entity channels and
// live websocket connections.
//
// Every node and user has exactly one channel on the pub/sub transport
// (node-<id> / user-<id>). A live connection subscribes to its owner's
// channel; the bus runs one delivery task per subscription that drains the
// transport and forwards envelopes to the socket. Publishing is fire and
// forget: a transport failure is reported to the publisher and the envelope
// is gone.
//
// Two subscriptions on the same channel are fully independent — each gets
// its own delivery task and its own copy of every envelope. This is the
// fan-out that makes two browser tabs for one user both live.
//
// The package also defines the wire model: Envelope, the closed Action tag
// set, and the channel naming scheme.
package bus
