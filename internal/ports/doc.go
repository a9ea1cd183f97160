// Package ports defines the interfaces (ports) that connect the application
// layer to infrastructure adapters.
//
// In Clean Architecture / Hexagonal Architecture, ports are the boundaries
// between the application core and the outside world. They define what the
// application needs from external systems without specifying how those needs
// are fulfilled.
//
// # Port Interfaces
//
//   - [SourceAdapter]: Opens a sensor and yields timestamped frames
//   - [VisionSDK], [ThermalSDK]: Vendor camera and imager boundaries
//   - [VideoEncoder], [EncoderFactory]: Per-source image stream encoding
//   - [ChannelLog]: Append-only log of synchronized sets
//   - [ManifestRepository]: Reads and writes the session manifest
//   - [SessionStore]: Lays out and locks session directories
//   - [SessionCatalog]: Indexes sessions across runs
//   - [Logger]: Structured logging abstraction
//
// # Usage
//
// The application layer (internal/app) depends only on these interfaces.
// Infrastructure adapters (internal/adapters) implement these interfaces
// with concrete implementations (file system, sqlite, ffmpeg, vendor SDKs).
//
// This separation enables:
//   - Testing application logic with mock implementations
//   - Swapping infrastructure without changing business logic
//   - Clear boundaries and dependency direction
package ports
