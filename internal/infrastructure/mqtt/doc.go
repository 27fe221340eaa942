// Package mqtt is the bridge's publish-only MQTT client.
//
// Topics:
//
//	broute/state/meter/{id}   latest reading, retained
//	broute/health/meter       bridge health, retained, used as the LWT
//	broute/system/status      client online/offline
//
// Use TLS (mqtt.broker.tls) whenever the broker is not on localhost.
package mqtt
