// Package influxdb writes power readings to InfluxDB 2.x through the
// non-blocking influxdb-client-go write API.
//
// One reading becomes one point:
//
//	energy,meter_id=<id> power_watts=<W>i <timestamp>
//
// Writes are batched; failures surface through SetOnError and Stats, not
// as return values.
package influxdb
