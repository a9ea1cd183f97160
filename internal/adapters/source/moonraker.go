package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/log"
)

// Moonraker defaults.
const (
	DefaultQueryInterval    = time.Second
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultReplyTimeout     = 5 * time.Second
	moonrakerWriteTimeout   = 2 * time.Second

	// queryID tags printer.objects.query requests so replies can be matched.
	queryID = 2
)

// MoonrakerConfig configures printer telemetry polling.
type MoonrakerConfig struct {
	ID domain.SourceID

	// URL is the Moonraker websocket endpoint, e.g. ws://printer:7125/websocket.
	URL string

	QueryInterval    time.Duration
	HandshakeTimeout time.Duration

	// ReplyTimeout is how long the printer may leave queries unanswered
	// before the source counts as disconnected. It also bounds the silence
	// of the socket itself, which pings keep busy. At least three query
	// intervals.
	ReplyTimeout time.Duration
	RingSize     int
}

// Moonraker polls printer.objects.query over the Moonraker JSON-RPC
// websocket. Frames are arrival-clocked.
type Moonraker struct {
	*base
	cfg MoonrakerConfig

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewMoonraker creates a telemetry adapter.
func NewMoonraker(cfg MoonrakerConfig, logger log.Logger) (*Moonraker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: moonraker source needs an id", domain.ErrInvalidConfig)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: source %s: url is required", domain.ErrInvalidConfig, cfg.ID)
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = DefaultQueryInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = max(DefaultReplyTimeout, 3*cfg.QueryInterval)
	}
	if cfg.ReplyTimeout < 2*cfg.QueryInterval {
		return nil, fmt.Errorf("%w: source %s: reply timeout %s must be at least twice the query interval %s",
			domain.ErrInvalidConfig, cfg.ID, cfg.ReplyTimeout, cfg.QueryInterval)
	}
	return &Moonraker{base: newBase(cfg.ID, domain.KindMoonraker, cfg.RingSize, logger), cfg: cfg}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type queryResult struct {
	EventTime float64 `json:"eventtime"`
	Status    struct {
		Extruder *struct {
			Temperature *float64 `json:"temperature"`
			Target      *float64 `json:"target"`
		} `json:"extruder"`
		MotionReport *struct {
			LiveExtruderVelocity *float64 `json:"live_extruder_velocity"`
		} `json:"motion_report"`
		VirtualSDCard *struct {
			Progress     *float64 `json:"progress"`
			FilePosition *float64 `json:"file_position"`
		} `json:"virtual_sdcard"`
	} `json:"status"`
}

func queryRequest() rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		Method:  "printer.objects.query",
		Params: map[string]any{
			"objects": map[string][]string{
				"extruder":       {"temperature", "target"},
				"motion_report":  {"live_extruder_velocity"},
				"virtual_sdcard": {"progress", "file_position"},
			},
		},
		ID: queryID,
	}
}

func (m *Moonraker) Start(ctx context.Context) error {
	dialer := &websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return domain.NewAdapterError(m.id, domain.Disconnected, fmt.Errorf("websocket dial %s: %w", m.cfg.URL, err))
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.ring.Reset()
	m.run.start(m.ring, m.id, func(ctx context.Context) error { return m.serve(ctx, conn) })
	m.logger.Info("moonraker connected", log.String("url", m.cfg.URL))
	return nil
}

func (m *Moonraker) Stop() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(moonrakerWriteTimeout))
	m.run.stopAndRelease(func() { _ = conn.Close() })
	return nil
}

func (m *Moonraker) Describe() domain.SourceSpec {
	return domain.SourceSpec{ID: m.id, Kind: domain.KindMoonraker}
}

// serve runs the reader, the query ticker and the keepalive until either
// fails. All writes other than the final close happen here.
func (m *Moonraker) serve(ctx context.Context, conn *websocket.Conn) error {
	timeout := m.cfg.ReplyTimeout
	if err := conn.SetReadDeadline(now().Add(timeout)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(now().Add(timeout))
	})

	var lastReply atomic.Int64
	lastReply.Store(now().UnixNano())

	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(conn, &lastReply) }()

	ticker := time.NewTicker(m.cfg.QueryInterval)
	defer ticker.Stop()
	ping := time.NewTicker(timeout / 3)
	defer ping.Stop()

	// stopReader closes the socket so the reader returns, then waits for it.
	stopReader := func(err error) error {
		_ = conn.Close()
		<-readErr
		return err
	}

	if err := m.query(conn); err != nil {
		return stopReader(err)
	}
	for {
		select {
		case <-ctx.Done():
			return stopReader(nil)
		case err := <-readErr:
			return err
		case <-ping.C:
			if err := conn.SetWriteDeadline(now().Add(moonrakerWriteTimeout)); err != nil {
				return stopReader(err)
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return stopReader(fmt.Errorf("send ping: %w", err))
			}
		case <-ticker.C:
			if silent := now().Sub(time.Unix(0, lastReply.Load())); silent > timeout {
				return stopReader(fmt.Errorf("no reply to status queries for %s", silent.Round(time.Millisecond)))
			}
			if err := m.query(conn); err != nil {
				return stopReader(err)
			}
		}
	}
}

func (m *Moonraker) query(conn *websocket.Conn) error {
	if err := conn.SetWriteDeadline(now().Add(moonrakerWriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(queryRequest()); err != nil {
		return fmt.Errorf("send query: %w", err)
	}
	return nil
}

// readLoop turns query replies into frames. Every message extends the read
// deadline; replies to status queries also reset lastReply.
func (m *Moonraker) readLoop(conn *websocket.Conn, lastReply *atomic.Int64) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		arrival := now()
		if err := conn.SetReadDeadline(arrival.Add(m.cfg.ReplyTimeout)); err != nil {
			return err
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			m.logger.Warn("moonraker: bad message", log.Err(err))
			continue
		}
		// Status pushes (notify_*) and replies to other requests are ignored.
		if resp.Method != "" || resp.ID != queryID {
			continue
		}
		lastReply.Store(arrival.UnixNano())
		if resp.Error != nil {
			m.logger.Warn("moonraker: query failed",
				log.Int("code", resp.Error.Code),
				log.String("message", resp.Error.Message))
			continue
		}

		values, err := ParseQueryResult(resp.Result)
		if err != nil {
			m.logger.Warn("moonraker: bad query result", log.Err(err))
			continue
		}
		m.ring.Put(domain.Frame{Arrival: arrival, Payload: domain.Payload{Values: values}})
	}
}

// ParseQueryResult extracts telemetry channels from a printer.objects.query
// result. Fields the printer did not report are left out.
func ParseQueryResult(raw json.RawMessage) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty result")
	}
	var qr queryResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, err
	}
	values := make(map[string]float64, 5)
	put := func(key string, v *float64) {
		if v != nil {
			values[key] = *v
		}
	}
	if e := qr.Status.Extruder; e != nil {
		put("extruder_temp", e.Temperature)
		put("extruder_target", e.Target)
	}
	if mr := qr.Status.MotionReport; mr != nil {
		put("extruder_velocity", mr.LiveExtruderVelocity)
	}
	if sd := qr.Status.VirtualSDCard; sd != nil {
		put("progress", sd.Progress)
		put("file_position", sd.FilePosition)
	}
	return values, nil
}
