// Package log provides structured protocol logging for the device
// management engine.
//
// It is separate from operational logging (slog): protocol capture records
// a machine-readable trace of datagrams, decoded messages and lifecycle
// transitions for later inspection.
//
// # Basic Usage
//
//	// development: protocol events on the console
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// production: append to a CBOR file
//	fl, _ := log.NewFileLogger("/var/log/lwm2m/server.plog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Types
//
//   - Transport: raw datagrams (DatagramEvent)
//   - Wire: decoded messages (MessageEvent)
//   - Engine: registration, presence, observation and session state
//     changes (StateChangeEvent)
//
// Errors at any layer use ErrorEventData.
//
// # File Format
//
// Files are a plain sequence of CBOR-encoded events; Reader streams them
// back with optional filtering.
package log
