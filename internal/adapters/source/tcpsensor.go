package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/log"
)

// TCP sensor defaults.
const (
	DefaultEncoderSteps  = 1000
	DefaultWheelDiameter = 28.6 // mm
	DefaultVelocityCache = 10
	DefaultDialTimeout   = 2 * time.Second
	DefaultSensorTimeout = 5 * time.Second

	tcpMaxLine = 64 * 1024
)

// TCPSensorConfig configures the force/meter-count line protocol client.
type TCPSensorConfig struct {
	ID   domain.SourceID
	Addr string // host:port

	// EncoderSteps is the rotary encoder resolution per wheel turn.
	EncoderSteps int

	// WheelDiameter is the measuring wheel diameter in millimetres.
	WheelDiameter float64

	// VelocityCache is the number of meter-count samples the filament
	// velocity is computed over.
	VelocityCache int

	// TareOnStart zeroes force and meter count on the first reading.
	TareOnStart bool

	DialTimeout time.Duration

	// ReadTimeout is how long the server may stay silent before the
	// sensor counts as disconnected.
	ReadTimeout time.Duration
	RingSize    int
}

// TCPSensor reads newline-delimited JSON readings from the extrusion force
// and filament meter server. After connecting it sends "start" and the
// server streams {"extrusion_force": .., "meter_count": ..} lines.
// Frames are arrival-clocked.
type TCPSensor struct {
	*base
	cfg TCPSensorConfig

	mu          sync.Mutex
	conn        net.Conn
	forceRaw    float64
	meterRaw    float64
	haveForce   bool
	haveMeter   bool
	forceOffset float64
	meterOffset float64
	forceTared  bool
	meterTared  bool
	window      []meterSample
}

type meterSample struct {
	at time.Time
	mm float64
}

type sensorReading struct {
	ExtrusionForce *float64 `json:"extrusion_force"`
	MeterCount     *float64 `json:"meter_count"`
}

// NewTCPSensor creates the adapter.
func NewTCPSensor(cfg TCPSensorConfig, logger log.Logger) (*TCPSensor, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: tcp sensor needs an id", domain.ErrInvalidConfig)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: source %s: addr is required", domain.ErrInvalidConfig, cfg.ID)
	}
	if cfg.EncoderSteps <= 0 {
		cfg.EncoderSteps = DefaultEncoderSteps
	}
	if cfg.WheelDiameter <= 0 {
		cfg.WheelDiameter = DefaultWheelDiameter
	}
	if cfg.VelocityCache < 2 {
		cfg.VelocityCache = DefaultVelocityCache
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultSensorTimeout
	}
	return &TCPSensor{base: newBase(cfg.ID, domain.KindTCPSensor, cfg.RingSize, logger), cfg: cfg}, nil
}

func (s *TCPSensor) Start(ctx context.Context) error {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return domain.NewAdapterError(s.id, domain.Disconnected, fmt.Errorf("dial %s: %w", s.cfg.Addr, err))
	}
	if _, err := conn.Write([]byte("start\n")); err != nil {
		_ = conn.Close()
		return domain.NewAdapterError(s.id, domain.Disconnected, fmt.Errorf("send start: %w", err))
	}

	s.mu.Lock()
	s.conn = conn
	s.window = s.window[:0]
	s.forceTared, s.meterTared = false, false
	s.mu.Unlock()

	s.ring.Reset()
	s.run.start(s.ring, s.id, func(ctx context.Context) error { return s.serve(ctx, conn) })
	s.logger.Info("tcp sensor connected", log.String("addr", s.cfg.Addr))
	return nil
}

func (s *TCPSensor) Stop() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.run.stopAndRelease(func() { _ = conn.Close() })
	return nil
}

func (s *TCPSensor) Describe() domain.SourceSpec {
	return domain.SourceSpec{ID: s.id, Kind: domain.KindTCPSensor}
}

// Tare makes the latest raw readings the zero point.
func (s *TCPSensor) Tare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveForce {
		s.forceOffset = s.forceRaw
	}
	if s.haveMeter {
		s.meterOffset = s.meterRaw
		s.window = s.window[:0]
	}
	s.logger.Info("tcp sensor tared",
		log.Float64("force_offset", s.forceOffset),
		log.Float64("meter_offset", s.meterOffset))
}

func (s *TCPSensor) serve(ctx context.Context, conn net.Conn) error {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), tcpMaxLine)
	for {
		if err := conn.SetReadDeadline(now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		if !sc.Scan() {
			break
		}
		arrival := now()
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r sensorReading
		if err := json.Unmarshal(line, &r); err != nil {
			s.logger.Warn("tcp sensor: bad line", log.Err(err))
			continue
		}
		values := s.apply(r, arrival)
		if len(values) == 0 {
			continue
		}
		s.ring.Put(domain.Frame{Arrival: arrival, Payload: domain.Payload{Values: values}})
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("no reading for %s: %w", s.cfg.ReadTimeout, err)
		}
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("server closed the connection")
}

// apply folds a reading into the sensor state and returns the channel values.
func (s *TCPSensor) apply(r sensorReading, at time.Time) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ExtrusionForce != nil && isFinite(*r.ExtrusionForce) {
		s.forceRaw, s.haveForce = *r.ExtrusionForce, true
		if s.cfg.TareOnStart && !s.forceTared {
			s.forceOffset, s.forceTared = s.forceRaw, true
		}
	}
	if r.MeterCount != nil && isFinite(*r.MeterCount) {
		s.meterRaw, s.haveMeter = *r.MeterCount, true
		if s.cfg.TareOnStart && !s.meterTared {
			s.meterOffset, s.meterTared = s.meterRaw, true
		}
	}

	values := make(map[string]float64, 3)
	if s.haveForce {
		values["extrusion_force"] = s.forceRaw - s.forceOffset
	}
	if s.haveMeter {
		mm := MeterCountToMM(s.meterRaw-s.meterOffset, s.cfg.EncoderSteps, s.cfg.WheelDiameter)
		values["meter_count"] = mm
		if r.MeterCount != nil {
			s.window = append(s.window, meterSample{at: at, mm: mm})
			if len(s.window) > s.cfg.VelocityCache {
				s.window = s.window[len(s.window)-s.cfg.VelocityCache:]
			}
		}
		values["filament_velocity"] = velocity(s.window)
	}
	return values
}

// MeterCountToMM converts encoder steps to filament length in millimetres.
func MeterCountToMM(steps float64, stepsPerTurn int, wheelDiameter float64) float64 {
	return steps / float64(stepsPerTurn) * math.Pi * wheelDiameter
}

// velocity is the mean filament speed in mm/s over the sample window.
func velocity(window []meterSample) float64 {
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	dt := last.at.Sub(first.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return (last.mm - first.mm) / dt
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
