// Package nats publishes meter readings on a NATS subject.
//
// Each reading is sent as the same JSON document the MQTT state topic
// carries, on:
//
//	{prefix}.meter.{meter_id}.power
//
// The connection reconnects on its own; publishes made while it is down
// are buffered by the nats.go client up to its reconnect buffer size.
package nats
