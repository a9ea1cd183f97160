package ports

import "github.com/hepic-lab/hepic/pkg/log"

// Logger is the structured logging port used across the application layer.
type Logger = log.Logger

// Field is a structured log field.
type Field = log.Field

// Field constructors re-exported so internal packages depend on ports only.
var (
	String   = log.String
	Source   = log.Source
	Session  = log.Session
	Int      = log.Int
	Int64    = log.Int64
	Uint64   = log.Uint64
	Float64  = log.Float64
	Bool     = log.Bool
	Duration = log.Duration
	Err      = log.Err
	Any      = log.Any

	// With binds fields to every entry of a logger.
	With = log.With
)
