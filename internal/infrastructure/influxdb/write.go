package influxdb

import (
	"context"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteSensorValue records one accepted sensor reading.
//
// The point lands in the sensor_values measurement, tagged by node and
// sensor name, timestamped with the reading's database update time. The
// write is non-blocking; data is batched and sent asynchronously, so a
// nil return does not guarantee the point reached the server. Use
// SetOnError to observe async failures.
//
// Parameters:
//   - ctx: Unused for the write itself; kept for interface compatibility
//   - nodeID: Owning node identifier
//   - sensor: Sensor name (e.g. "temperature")
//   - value: The reading
//   - ts: When the reading was accepted
//
// Returns:
//   - error: ErrNotConnected when the client is closed or disconnected
func (c *Client) WriteSensorValue(_ context.Context, nodeID int64, sensor string, value float64, ts time.Time) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	point := write.NewPoint(
		"sensor_values",
		map[string]string{
			"node_id": strconv.FormatInt(nodeID, 10),
			"sensor":  sensor,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
	return nil
}
