package store

import "time"

// User is a registered browser account.
type User struct {
	ID       int64
	Email    string
	IsActive bool
}

// Node is a hardware controller that connects over a websocket and owns a
// set of lamps and sensors.
type Node struct {
	ID       int64
	URL      string
	IsActive bool

	// IsOnline mirrors whether the node currently holds a live websocket
	// connection. Maintained by the connection handlers.
	IsOnline bool
}

// Lamp is a switchable light attached to a node.
//
// ID is the database identifier used by browsers; NodeLampID is the
// node-local identifier the hardware itself understands. The two namespaces
// never mix on the wire: browsers address lamps by ID, nodes by NodeLampID.
type Lamp struct {
	ID         int64
	NodeID     int64
	NodeLampID int64
	Name       string
	Value      int64
	Created    time.Time
	Updated    time.Time
}

// Sensor is a measuring device attached to a node. Like lamps, sensors carry
// both a database ID and a node-local NodeSensorID.
type Sensor struct {
	ID           int64
	NodeID       int64
	NodeSensorID int64
	Name         string
	Value        float64
	Created      time.Time
	Updated      time.Time
}
