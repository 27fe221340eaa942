// Package meter stores the bridge's local history in SQLite.
//
// Two tables back it (see migrations/):
//
//	power_readings  one row per decoded reading
//	join_sessions   one row per successful PANA join
//
// The history survives restarts and feeds the HTTP API even when no
// time-series database is configured. Readings are pruned by age with
// RunRetention.
package meter
