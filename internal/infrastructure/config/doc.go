// Package config loads config.yaml, applies BROUTE_* environment overrides
// and validates the result.
//
// Keep the Route-B credentials out of the file: set BROUTE_METER_RBID and
// BROUTE_METER_PASSWORD instead. An empty security.jwt.secret turns API
// authentication off.
package config
