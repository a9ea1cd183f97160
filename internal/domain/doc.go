// Package domain contains the core entities and value objects of the
// acquisition pipeline.
//
// This package is the innermost layer. It has no dependencies on
// infrastructure concerns (SDKs, files, encoders, logging).
//
// # Entities
//
//   - [Frame]: one timestamped sample from a source
//   - [SyncedSet]: one synchronized cross-source sample on the session timeline
//   - [Session]: the recording session and its sources
//   - [Manifest]: the mapping between output files and the session timeline
//
// # Errors
//
// [AdapterError], [IOError], [BusError] and [AlignError] form the error
// taxonomy. Kind-only values such as [ErrDisconnected] and [ErrDiskFull] work
// with errors.Is.
package domain
