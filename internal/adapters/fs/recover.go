package fs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

// RecoveryReport summarizes a manifest rebuild.
type RecoveryReport struct {
	Manifest  domain.Manifest
	Records   int
	Truncated bool // last line was cut off
}

// Recover rebuilds manifest.toml of a session directory from channels.jsonl,
// for sessions whose process died before finalizing. The recovered manifest
// is marked incomplete.
func Recover(dir string) (RecoveryReport, error) {
	var report RecoveryReport

	path := filepath.Join(dir, ChannelLogName)
	f, err := os.Open(path)
	if err != nil {
		return report, fmt.Errorf("open channel log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return report, fmt.Errorf("read channel log: %w", err)
		}
		return report, errors.New("channel log is empty")
	}
	var header LogHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil || header.Type != recordHeader {
		return report, fmt.Errorf("channel log has no header line")
	}

	m := domain.Manifest{
		SessionID:  header.SessionID,
		StartTime:  header.StartTime,
		State:      "recovered",
		ChannelLog: path,
	}
	lastSeq := make(map[domain.SourceID]uint64)
	for _, spec := range header.Sources {
		entry := domain.ManifestEntry{
			SourceID: spec.ID,
			Kind:     spec.Kind,
			FilePath: path,
			Format:   "jsonl",
		}
		if spec.Image {
			if file, format, ok := findVideo(dir, spec); ok {
				entry.FilePath, entry.Format = file, format
			}
		}
		m.Entries = append(m.Entries, entry)
	}

	var lastTS time.Duration
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn write can only affect the final line.
			report.Truncated = true
			continue
		}
		if rec.Type != recordSet {
			continue
		}
		report.Truncated = false
		report.Records++
		lastTS = time.Duration(rec.TSNanos)

		for i := range m.Entries {
			e := &m.Entries[i]
			sample, ok := rec.Sources[e.SourceID]
			if !ok || sample.Gap {
				e.GapCount++
				continue
			}
			e.Observe(time.Duration(sample.TSNanos))
			if prev, seen := lastSeq[e.SourceID]; seen && sample.Seq > prev+1 {
				e.Drops += sample.Seq - prev - 1
			}
			lastSeq[e.SourceID] = sample.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read channel log: %w", err)
	}

	m.SetCount = uint64(report.Records)
	m.StopTime = m.StartTime.Add(lastTS)
	m.Complete = false

	if err := NewManifestFile(dir).Save(m); err != nil {
		return report, fmt.Errorf("write manifest: %w", err)
	}
	report.Manifest = m
	return report, nil
}

func findVideo(dir string, spec HeaderSpec) (path, format string, ok bool) {
	for _, c := range []struct{ ext, format string }{
		{".mkv", "h264/mkv"},
		{".raw", "raw/" + string(spec.Format)},
	} {
		p := filepath.Join(dir, string(spec.ID)+c.ext)
		if _, err := os.Stat(p); err == nil {
			return p, c.format, true
		}
	}
	return "", "", false
}
