// Package broute implements the Route-B smart meter bridge.
//
// The bridge drives a Wi-SUN serial modem (BP35A1/RL7023 command set) to join
// the PAN of a residential smart meter and then polls the meter's
// instantaneous power consumption over ECHONET Lite.
//
// # Architecture
//
// The package is layered bottom-up:
//
//	┌──────────────┐   ┌──────────────┐   ┌──────────────┐   ┌──────────────┐
//	│  QueryLoop   │──►│ ECHONET Lite │   │ JoinMachine  │──►│   Protocol   │
//	│  (polling)   │   │    codec     │   │ (PANA join)  │   │ (line kinds) │
//	└──────┬───────┘   └──────────────┘   └──────────────┘   └──────┬───────┘
//	       └───────────────────────────────────────────────────────►│
//	                                                         ┌──────▼───────┐
//	                                                         │LineTransport │
//	                                                         │ serial / tcp │
//	                                                         └──────────────┘
//
// A Bridge ties the layers together: it performs modem setup, runs the join
// state machine once, and then hands the resulting JoinSession to a QueryLoop
// that runs until the context is cancelled. Readings fan out to MQTT and to
// any additional ReadingSink.
//
// # Join Sequence
//
//	INIT → SCANNING → CHANNEL_SELECTED → ADDRESS_RESOLVED → JOINING → CONNECTED
//	                                                                 ↘ FAILED
//
// Scans start at duration MinScanDuration and widen by one per pass until a
// beacon with a channel is captured or MaxScanDuration has been tried.
//
// # Concurrency
//
// The transport, protocol, join machine and query loop are single-owner:
// exactly one goroutine drives them at a time. Bridge state, statistics and
// the established session are safe to read from other goroutines.
//
// # References
//
//   - ECHONET Lite Specification: https://echonet.jp/spec_g/
//   - Low-voltage smart meter (class 0x0288) Appendix: Release M
package broute
