package statusserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

type handler struct {
	session  rig.SessionHandle
	interval time.Duration
	logger   rig.Logger
	upgrader websocket.Upgrader
}

// SourceStatus is the JSON view of one source.
type SourceStatus struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Active       bool   `json:"active"`
	Produced     uint64 `json:"produced"`
	AdapterDrops uint64 `json:"adapterDrops"`
	BusDrops     uint64 `json:"busDrops"`
	Queued       int    `json:"queued"`
}

// SessionStatus is the JSON view of a session snapshot.
type SessionStatus struct {
	State     string         `json:"state"`
	SessionID string         `json:"sessionId,omitempty"`
	Dir       string         `json:"dir,omitempty"`
	StartTime *time.Time     `json:"startTime,omitempty"`
	Uptime    string         `json:"uptime,omitempty"`
	Sets      uint64         `json:"sets"`
	Sources   []SourceStatus `json:"sources"`
}

func statusOf(snap rig.Snapshot, now time.Time) SessionStatus {
	s := SessionStatus{
		State:     snap.State.String(),
		SessionID: snap.SessionID,
		Dir:       snap.Dir,
		Sets:      snap.Sets,
		Sources:   make([]SourceStatus, 0, len(snap.Sources)),
	}
	if !snap.StartTime.IsZero() {
		start := snap.StartTime
		s.StartTime = &start
		s.Uptime = now.Sub(start).Truncate(time.Millisecond).String()
	}
	for _, src := range snap.Sources {
		s.Sources = append(s.Sources, SourceStatus{
			ID:           string(src.ID),
			Kind:         string(src.Kind),
			Active:       src.Active,
			Produced:     src.Produced,
			AdapterDrops: src.AdapterDrops,
			BusDrops:     src.BusDrops,
			Queued:       src.Queued,
		})
	}
	return s
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusOf(h.session.Snapshot(), time.Now()))
}

func (h *handler) stopSession(w http.ResponseWriter, r *http.Request) {
	snap := h.session.Snapshot()
	if snap.State.Terminal() {
		respondError(w, http.StatusConflict, "session already ended")
		return
	}
	h.logger.Info("stop requested over http", log.String("remote", r.RemoteAddr))
	h.session.RequestStop()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// stream pushes a snapshot every interval until the session is terminal
// or the client goes away.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", log.Err(err))
		return
	}
	defer conn.Close()

	// Reads only serve close frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		snap := h.session.Snapshot()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(statusOf(snap, time.Now())); err != nil {
			h.logger.Debug("websocket write failed", log.Err(err))
			return
		}
		if snap.State.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
				time.Now().Add(time.Second))
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
