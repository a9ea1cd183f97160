package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hepic-lab/hepic/internal/domain"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// renderManifest renders the per-source summary of a manifest.
func renderManifest(m domain.Manifest) string {
	headers := []string{"Source", "Kind", "Frames", "Gaps", "Drops", "First", "Last", "Status", "File"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft}
	return renderTable(headers, manifestRows(m), aligns)
}

func manifestRows(m domain.Manifest) [][]string {
	rows := make([][]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		status := "ok"
		if e.Disconnected {
			status = "disconnected"
		} else if e.FrameCount == 0 {
			status = "no data"
		}
		file := e.FilePath
		if file == "" {
			file = "-"
		}
		rows = append(rows, []string{
			string(e.SourceID),
			string(e.Kind),
			fmt.Sprint(e.FrameCount),
			fmt.Sprint(e.GapCount),
			fmt.Sprint(e.Drops),
			formatOffset(e.FirstTS, e.FrameCount),
			formatOffset(e.LastTS, e.FrameCount),
			status,
			file,
		})
	}
	return rows
}

func formatOffset(d time.Duration, frames uint64) string {
	if frames == 0 {
		return "-"
	}
	return d.Truncate(time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatSpan(start, stop time.Time) string {
	if start.IsZero() || stop.IsZero() {
		return "-"
	}
	return stop.Sub(start).Truncate(time.Second).String()
}
