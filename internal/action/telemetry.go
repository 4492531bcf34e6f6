package action

import (
	"context"
	"time"
)

// Telemetry records accepted sensor readings in a time series store.
// Implementations must tolerate high write rates; failures are logged and
// never block action processing.
type Telemetry interface {
	WriteSensorValue(ctx context.Context, nodeID int64, sensor string, value float64, ts time.Time) error
}
