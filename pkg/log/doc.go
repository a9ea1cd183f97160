// Package log provides the logging abstraction used by every hepic component.
//
// The Logger interface is small on purpose so that the acquisition pipeline
// never depends on a concrete logging library. A zerolog adapter is provided
// for the CLI and a no-op logger for tests and embedding.
//
// # Usage
//
//	logger := log.NewZerologAdapterFor(os.Stderr, false, "debug")
//	logger.Info("session started", log.Session(id), log.Int("sources", 3))
//
// Component loggers carry their identity with With:
//
//	srcLog := log.With(logger, log.Source("thermal"))
//	srcLog.Warn("flag cycle in progress")
//
// Tests use the no-op logger:
//
//	logger := log.NewNoopLogger()
package log
