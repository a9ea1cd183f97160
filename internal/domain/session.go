package domain

import (
	"sort"
	"time"
)

// Session describes one recording session. It is created on start, mutated
// only by the session controller, and finalized on stop or fatal error.
type Session struct {
	ID        string
	StartTime time.Time
	Dir       string
	Sources   []SourceSpec
}

// SourceSpec is the immutable description of a session source.
type SourceSpec struct {
	ID   SourceID
	Kind SourceKind

	// Image is true for sources whose frames carry image payloads.
	Image bool

	// Image geometry, known after the adapter started.
	Width  int
	Height int
	Format PixelFormat
}

// SourceIDs returns the ids of all session sources in sorted order.
func (s *Session) SourceIDs() []SourceID {
	ids := make([]SourceID, 0, len(s.Sources))
	for _, src := range s.Sources {
		ids = append(ids, src.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ManifestEntry maps one source to its output file and timeline range.
type ManifestEntry struct {
	SourceID     SourceID      `toml:"source_id"`
	Kind         SourceKind    `toml:"kind"`
	FilePath     string        `toml:"file"`
	Format       string        `toml:"format"`
	FrameCount   uint64        `toml:"frame_count"`
	GapCount     uint64        `toml:"gap_count"`
	FirstTS      time.Duration `toml:"first_ts_ns"`
	LastTS       time.Duration `toml:"last_ts_ns"`
	Drops        uint64        `toml:"drops"`
	Disconnected bool          `toml:"disconnected"`
}

// Manifest is the session index written once at close.
type Manifest struct {
	SessionID  string          `toml:"session_id"`
	StartTime  time.Time       `toml:"start_time"`
	StopTime   time.Time       `toml:"stop_time"`
	State      string          `toml:"state"`
	Error      string          `toml:"error,omitempty"`
	SetCount   uint64          `toml:"set_count"`
	ChannelLog string          `toml:"channel_log"`
	Complete   bool            `toml:"complete"`
	Entries    []ManifestEntry `toml:"source"`
}

// Entry returns the manifest entry for a source, or nil.
func (m *Manifest) Entry(id SourceID) *ManifestEntry {
	for i := range m.Entries {
		if m.Entries[i].SourceID == id {
			return &m.Entries[i]
		}
	}
	return nil
}

// Observe records a delivered frame for the entry.
func (e *ManifestEntry) Observe(ts time.Duration) {
	if e.FrameCount == 0 {
		e.FirstTS = ts
	}
	e.LastTS = ts
	e.FrameCount++
}
