// Package influxdb records sensor telemetry in InfluxDB v2.
//
// Accepted sensor readings are written as points in the sensor_values
// measurement, tagged by node and sensor name. Writes are non-blocking and
// batched; the action layer treats telemetry as best effort, so a down
// server never stalls reading processing.
//
// The integration is optional. When influxdb.enabled is false in the
// configuration, Connect returns ErrDisabled and the rest of the system
// runs without telemetry.
package influxdb
