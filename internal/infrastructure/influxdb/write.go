package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement and field names for meter readings.
const (
	MeasurementEnergy = "energy"
	TagMeterID        = "meter_id"
	FieldPowerWatts   = "power_watts"
)

// WritePower queues one instantaneous power point, tagged with meterID and
// stamped with the time the reading was decoded. Dropped after Close.
//
//	client.WritePower("house", 100, reading.ReceivedAt)
func (c *Client) WritePower(meterID string, watts int64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPointWithMeasurement(MeasurementEnergy).
		AddTag(TagMeterID, meterID).
		AddField(FieldPowerWatts, watts).
		SetTime(at)

	c.writeAPI.WritePoint(point)
	c.points.Add(1)
}
