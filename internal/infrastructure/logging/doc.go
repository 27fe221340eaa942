// Package logging builds the bridge's log/slog logger.
//
// Entries are JSON by default (text when logging.format is "text") and
// always carry service and version. Components derive child loggers with
// Component, and the level can be changed at runtime with SetLevel, which
// cmd/broute binds to SIGUSR1.
//
// Modem traffic is logged at debug. The Route-B password never reaches the
// logger.
package logging
