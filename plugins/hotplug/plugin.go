// Package hotplug listens for udev remove events and reports unplugged
// cameras and serial sensors to the session, so their disconnect policy
// applies at once instead of after a read timeout.
package hotplug

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"github.com/hepic-lab/hepic/internal/domain"
	"github.com/hepic-lab/hepic/pkg/log"
	"github.com/hepic-lab/hepic/pkg/rig"
)

// target is one source watched for removal.
type target struct {
	id  rig.SourceID
	key string
}

// Plugin implements udev based disconnect detection.
type Plugin struct {
	mu sync.Mutex

	targets  []target
	reported map[rig.SourceID]bool
	session  rig.SessionHandle
	logger   rig.Logger

	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New creates a hotplug plugin.
func New() *Plugin {
	return &Plugin{reported: make(map[rig.SourceID]bool)}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "hotplug"
}

// Initialize collects the watched sources and connects to the udev netlink
// socket. A failed connection is logged and leaves the plugin idle.
func (p *Plugin) Initialize(ctx context.Context, cfg rig.PluginConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session = cfg.Session
	p.logger = cfg.Logger
	p.targets = targetsFor(cfg.Sources)
	if len(p.targets) == 0 {
		p.logger.Debug("hotplug disabled: no source names a device")
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		p.logger.Warn("failed to connect to netlink socket; unplugged devices are detected by read timeouts",
			log.Err(err))
		return nil
	}

	p.conn = conn
	p.quit = make(chan struct{})
	p.running = true

	quit := p.quit
	p.wg.Add(1)
	go p.monitorLoop(ctx, conn, quit)

	p.logger.Info("hotplug monitor started", log.Int("sources", len(p.targets)))
	return nil
}

// Shutdown stops the monitor.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	close(p.quit)
	p.quit = nil
	conn := p.conn
	p.conn = nil
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	return conn.Close()
}

// Running reports whether the netlink monitor is active.
func (p *Plugin) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Plugin) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	defer p.wg.Done()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, removeMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			p.HandleEvent(uevent)
		case err := <-errs:
			p.logger.Warn("netlink monitor error", log.Err(err))
		}
	}
}

// removeMatcher matches ACTION=remove on any subsystem.
func removeMatcher() netlink.Matcher {
	action := "remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{Action: &action})
	return rules
}

// HandleEvent reports every source matched by a remove event. Each source
// is reported once.
func (p *Plugin) HandleEvent(uevent netlink.UEvent) {
	if uevent.Action != netlink.REMOVE {
		return
	}

	p.mu.Lock()
	var hits []target
	for _, t := range p.targets {
		if !p.reported[t.id] && matches(uevent, t.key) {
			p.reported[t.id] = true
			hits = append(hits, t)
		}
	}
	session, logger := p.session, p.logger
	p.mu.Unlock()

	for _, t := range hits {
		devname := deviceName(uevent)
		reason := domain.NewAdapterError(t.id, domain.Disconnected,
			fmt.Errorf("device %s removed", devname))
		active := session.ReportDisconnect(t.id, reason)
		logger.Warn("device unplugged",
			log.Source(string(t.id)),
			log.String("device", devname),
			log.Bool("was_active", active))
	}
}

// targetsFor returns the sources to watch: those with a hotplug key, and
// vision sources whose device is a /dev node.
func targetsFor(sources []rig.SourceConfig) []target {
	var out []target
	for _, s := range sources {
		key := strings.TrimSpace(s.Hotplug)
		if key == "" && domain.SourceKind(s.Kind) == domain.KindVision && strings.HasPrefix(s.Device, "/dev/") {
			key = s.Device
		}
		if key == "" {
			continue
		}
		out = append(out, target{id: rig.SourceID(s.ID), key: key})
	}
	return out
}

// matches reports whether a uevent describes the device named by key: a
// device node or a serial number.
func matches(uevent netlink.UEvent, key string) bool {
	if strings.HasPrefix(key, "/dev/") {
		return deviceName(uevent) == key
	}
	for _, k := range []string{"ID_SERIAL_SHORT", "ID_SERIAL", "SERIAL"} {
		if v := uevent.Env[k]; v != "" && v == key {
			return true
		}
	}
	return false
}

// deviceName gets the device node from a uevent.
func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if !strings.HasPrefix(devname, "/dev/") {
			devname = "/dev/" + devname
		}
		return devname
	}

	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}

// Ensure Plugin implements rig.Plugin.
var _ rig.Plugin = (*Plugin)(nil)
