package fs

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// LogHeader is the first line of channels.jsonl.
type LogHeader struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	StartTime time.Time    `json:"start_time"`
	Sources   []HeaderSpec `json:"sources"`
}

// HeaderSpec describes one source in the log header.
type HeaderSpec struct {
	ID     domain.SourceID    `json:"id"`
	Kind   domain.SourceKind  `json:"kind"`
	Image  bool               `json:"image,omitempty"`
	Width  int                `json:"width,omitempty"`
	Height int                `json:"height,omitempty"`
	Format domain.PixelFormat `json:"format,omitempty"`
}

// LogRecord is one SyncedSet in channels.jsonl.
type LogRecord struct {
	Type    string                        `json:"type"`
	Index   uint64                        `json:"index"`
	TSNanos int64                         `json:"ts_ns"`
	Sources map[domain.SourceID]LogSample `json:"sources"`
}

// LogSample is one source entry of a record. Absent sources carry only Gap.
type LogSample struct {
	Gap        bool               `json:"gap,omitempty"`
	Seq        uint64             `json:"seq,omitempty"`
	TSNanos    int64              `json:"ts_ns,omitempty"`
	NativeNs   *int64             `json:"native_ns,omitempty"`
	Arrival    *time.Time         `json:"arrival,omitempty"`
	VideoFrame *uint64            `json:"video_frame,omitempty"`
	Values     map[string]float64 `json:"values,omitempty"`
}

const (
	recordHeader = "header"
	recordSet    = "set"
)

// ChannelLogWriter appends SyncedSets as JSON lines.
type ChannelLogWriter struct {
	path   string
	file   *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	images map[domain.SourceID]bool
	closed bool
}

// CreateChannelLog creates channels.jsonl in the session directory and
// writes the header line.
func CreateChannelLog(s *domain.Session) (*ChannelLogWriter, error) {
	path := filepath.Join(s.Dir, ChannelLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, ClassifyWriteError("", path, err)
	}
	w := bufio.NewWriterSize(f, 64*1024)
	l := &ChannelLogWriter{
		path:   path,
		file:   f,
		w:      w,
		enc:    json.NewEncoder(w),
		images: make(map[domain.SourceID]bool),
	}

	header := LogHeader{Type: recordHeader, SessionID: s.ID, StartTime: s.StartTime}
	for _, spec := range s.Sources {
		header.Sources = append(header.Sources, HeaderSpec{
			ID: spec.ID, Kind: spec.Kind, Image: spec.Image,
			Width: spec.Width, Height: spec.Height, Format: spec.Format,
		})
		l.images[spec.ID] = spec.Image
	}
	if err := l.enc.Encode(header); err != nil {
		_ = f.Close()
		return nil, ClassifyWriteError("", path, err)
	}
	if err := l.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// Append writes one record.
func (l *ChannelLogWriter) Append(set domain.SyncedSet) error {
	rec := LogRecord{
		Type:    recordSet,
		Index:   set.Index,
		TSNanos: int64(set.SessionTS),
		Sources: make(map[domain.SourceID]LogSample, len(set.Entries)),
	}
	for id, e := range set.Entries {
		var sample LogSample
		if e.Absent() {
			sample.Gap = true
		} else {
			f := e.Frame
			sample.Seq = f.Seq
			sample.TSNanos = int64(f.SessionTS)
			if f.HasNative {
				n := int64(f.Native)
				sample.NativeNs = &n
			}
			if !f.Arrival.IsZero() {
				a := f.Arrival.UTC()
				sample.Arrival = &a
			}
			sample.Values = finiteValues(f.Payload.Values)
		}
		if l.images[id] {
			idx := set.Index
			sample.VideoFrame = &idx
		}
		rec.Sources[id] = sample
	}
	if err := l.enc.Encode(rec); err != nil {
		return ClassifyWriteError("", l.path, err)
	}
	return nil
}

// Flush writes buffered records to the file.
func (l *ChannelLogWriter) Flush() error {
	if l.closed {
		return nil
	}
	return ClassifyWriteError("", l.path, l.w.Flush())
}

// Sync flushes and commits the file to stable storage.
func (l *ChannelLogWriter) Sync() error {
	if l.closed {
		return nil
	}
	if err := l.Flush(); err != nil {
		return err
	}
	return ClassifyWriteError("", l.path, l.file.Sync())
}

// Close flushes and closes the file. Safe to call more than once.
func (l *ChannelLogWriter) Close() error {
	if l.closed {
		return nil
	}
	ferr := l.w.Flush()
	cerr := l.file.Close()
	l.closed = true
	if ferr != nil {
		return ClassifyWriteError("", l.path, ferr)
	}
	return ClassifyWriteError("", l.path, cerr)
}

// Path returns the log file path.
func (l *ChannelLogWriter) Path() string {
	return l.path
}

// finiteValues drops NaN and infinite values, which JSON cannot carry.
func finiteValues(values map[string]float64) map[string]float64 {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out := make(map[string]float64, len(values))
			for k, v := range values {
				if !math.IsNaN(v) && !math.IsInf(v, 0) {
					out[k] = v
				}
			}
			return out
		}
	}
	return values
}
