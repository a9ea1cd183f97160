package domain

import (
	"sort"
	"time"
)

// Entry is one source's contribution to a SyncedSet. Absent entries have a nil Frame.
type Entry struct {
	Frame *Frame
}

// Absent reports whether the source missed the alignment window.
func (e Entry) Absent() bool {
	return e.Frame == nil
}

// SyncedSet is one synchronized cross-source sample.
// SessionTS is strictly increasing across consecutive sets and at least one
// entry is present.
type SyncedSet struct {
	// Index is the zero-based position of the set in the session.
	Index uint64

	// SessionTS is the target tick the set was aligned to.
	SessionTS time.Duration

	// Entries holds every session source, present or absent.
	Entries map[SourceID]Entry
}

// Present returns the number of sources with a frame.
func (s SyncedSet) Present() int {
	n := 0
	for _, e := range s.Entries {
		if !e.Absent() {
			n++
		}
	}
	return n
}

// Sources returns the entry keys in sorted order.
func (s SyncedSet) Sources() []SourceID {
	ids := make([]SourceID, 0, len(s.Entries))
	for id := range s.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
