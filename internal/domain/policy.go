package domain

import "fmt"

// FaultPolicy decides what the controller does when a source disconnects or
// storage fails.
type FaultPolicy string

const (
	// PolicyDegrade marks the failing source inactive and keeps recording.
	PolicyDegrade FaultPolicy = "degrade"
	// PolicyAbort stops the session, finalizes, and reports Errored.
	PolicyAbort FaultPolicy = "abort"
)

// ParseFaultPolicy validates a policy name. Empty yields the fallback.
func ParseFaultPolicy(s string, fallback FaultPolicy) (FaultPolicy, error) {
	switch FaultPolicy(s) {
	case "":
		return fallback, nil
	case PolicyDegrade, PolicyAbort:
		return FaultPolicy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown fault policy %q (want degrade or abort)", ErrInvalidConfig, s)
	}
}

// Durability selects how aggressively the recorder pushes data to disk.
type Durability string

const (
	// DurabilitySync flushes and fsyncs after every set.
	DurabilitySync Durability = "sync"
	// DurabilityFlush flushes user-space buffers after every set.
	DurabilityFlush Durability = "flush"
	// DurabilityBuffered flushes every N sets or after an interval.
	DurabilityBuffered Durability = "buffered"
)

// ParseDurability validates a durability policy name.
func ParseDurability(s string) (Durability, error) {
	switch Durability(s) {
	case DurabilitySync, DurabilityFlush, DurabilityBuffered:
		return Durability(s), nil
	default:
		return "", fmt.Errorf("%w: unknown durability %q (want sync, flush or buffered)", ErrInvalidConfig, s)
	}
}

// ClockMode selects the timestamp a source is aligned on.
type ClockMode string

const (
	// ClockNative uses the sensor timestamp mapped through ClockSync.
	ClockNative ClockMode = "native"
	// ClockArrival uses host arrival time, accepting higher jitter.
	ClockArrival ClockMode = "arrival"
)
