package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/hepic-lab/hepic/internal/ports"
)

func scanSession(scanner interface{ Scan(dest ...any) error }) (ports.CatalogSession, error) {
	var (
		id, dir, state string
		startedRaw     string
		stoppedRaw     sql.NullString
		errorMessage   sql.NullString
		setCount       int64
	)
	if err := scanner.Scan(&id, &dir, &startedRaw, &stoppedRaw, &state, &errorMessage, &setCount); err != nil {
		return ports.CatalogSession{}, err
	}
	s := ports.CatalogSession{
		ID:       id,
		Dir:      dir,
		State:    state,
		Error:    errorMessage.String,
		SetCount: uint64(setCount),
	}
	s.StartedAt = parseTime(startedRaw)
	if stoppedRaw.Valid {
		s.StoppedAt = parseTime(stoppedRaw.String)
	}
	return s, nil
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
