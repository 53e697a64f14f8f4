// Package discovery locates ONVIF devices with WS-Discovery multicast probes.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
)

const (
	// MulticastAddress is the WS-Discovery group and port.
	MulticastAddress = "239.255.255.250:3702"

	DefaultWindow      = 4 * time.Second
	DefaultReadTimeout = 500 * time.Millisecond

	multicastTTL = 2
	maxDatagram  = 64 * 1024
)

const probeTemplate = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing">` +
	`<s:Header>` +
	`<a:Action s:mustUnderstand="1">http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>` +
	`<a:MessageID>%s</a:MessageID>` +
	`<a:ReplyTo><a:Address>http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous</a:Address></a:ReplyTo>` +
	`<a:To s:mustUnderstand="1">urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>` +
	`</s:Header>` +
	`<s:Body>` +
	`<Probe xmlns="http://schemas.xmlsoap.org/ws/2005/04/discovery">` +
	`<d:Types xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery" xmlns:dp0="http://www.onvif.org/ver10/network/wsdl">dp0:NetworkVideoTransmitter</d:Types>` +
	`</Probe>` +
	`</s:Body>` +
	`</s:Envelope>`

// Interface is a local IPv4 address a probe is sent from.
type Interface struct {
	Name  string
	IP    net.IP
	iface *net.Interface
}

// Engine runs one probe and listen cycle per local interface.
type Engine struct {
	window      time.Duration
	readTimeout time.Duration
	names       []string
	logger      *zap.SugaredLogger
	tracker     progress.Tracker

	target     *net.UDPAddr
	interfaces func(names []string) ([]Interface, error)
	onResponse func()
}

// New creates a discovery engine.
func New(cfg config.DiscoveryConfig, logger *zap.SugaredLogger) *Engine {
	e := &Engine{
		window:      DefaultWindow,
		readTimeout: DefaultReadTimeout,
		names:       cfg.Interfaces,
		logger:      logger,
		interfaces:  LocalInterfaces,
	}
	if cfg.Window > 0 {
		e.window = time.Duration(cfg.Window) * time.Millisecond
	}
	if cfg.ReadTimeout > 0 {
		e.readTimeout = time.Duration(cfg.ReadTimeout) * time.Millisecond
	}
	e.target, _ = net.ResolveUDPAddr("udp4", MulticastAddress)
	return e
}

// OnResponse sets a hook called for every accepted datagram.
func (e *Engine) OnResponse(fn func()) { e.onResponse = fn }

// Progress returns the percentage of interfaces processed.
func (e *Engine) Progress() int { return e.tracker.Progress() }

// IsComplete reports whether every interface was processed.
func (e *Engine) IsComplete() bool { return e.tracker.IsComplete() }

// Count returns the number of interfaces processed.
func (e *Engine) Count() int { return e.tracker.Count() }

// Total returns the number of interfaces to process.
func (e *Engine) Total() int { return e.tracker.Total() }

// Discover probes every interface in turn and registers each advertised
// device service address. It blocks until all interfaces are processed and
// returns the number of new records.
func (e *Engine) Discover(ctx context.Context, reg *camera.Registry) int {
	ifaces, err := e.interfaces(e.names)
	if err != nil {
		e.logger.Errorw("Failed to list interfaces for discovery", "error", err)
		e.tracker.Reset(0)
		e.tracker.Finish()
		return 0
	}
	e.tracker.Reset(len(ifaces))
	defer e.tracker.Finish()

	added := 0
	for _, iface := range ifaces {
		if ctx.Err() != nil {
			break
		}

		messageID := "uuid:" + uuid.New().String()
		datagrams, err := e.probe(ctx, iface, messageID)
		if err != nil {
			e.logger.Warnw("Discovery failed on interface", "interface", iface.Name, "ip", iface.IP, "error", err)
		}

		for _, d := range datagrams {
			addrs, err := ParseProbeMatches(d, messageID)
			if err != nil {
				e.logger.Warnw("Skipping discovery response", "interface", iface.Name, "error", err)
				e.logger.Debugw("Discovery response payload", "payload", string(d))
				continue
			}
			for _, addr := range addrs {
				if reg.Register(camera.NewEndpointRecord(addr, camera.SourceDiscovery)) {
					e.logger.Infow("Discovered device", "address", addr, "interface", iface.Name)
					added++
				}
			}
		}
		e.tracker.Inc()
	}
	return added
}

// probe sends one Probe from iface and collects every non-empty datagram
// received until the discovery window closes.
func (e *Engine) probe(ctx context.Context, iface Interface, messageID string) ([][]byte, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: iface.IP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if iface.iface != nil {
		if err := pc.SetMulticastInterface(iface.iface); err != nil {
			e.logger.Debugw("Failed to set multicast interface", "interface", iface.Name, "error", err)
		}
	}
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		e.logger.Debugw("Failed to set multicast TTL", "interface", iface.Name, "error", err)
	}

	if _, err := conn.WriteToUDP([]byte(fmt.Sprintf(probeTemplate, messageID)), e.target); err != nil {
		return nil, fmt.Errorf("failed to send probe: %w", err)
	}

	deadline := time.Now().Add(e.window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var datagrams [][]byte
	buf := make([]byte, maxDatagram)
	for {
		now := time.Now()
		if !now.Before(deadline) || ctx.Err() != nil {
			return datagrams, nil
		}
		readDeadline := now.Add(e.readTimeout)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return datagrams, err
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return datagrams, err
		}

		payload := bytes.TrimSpace(buf[:n])
		if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			continue
		}
		e.logger.Debugw("Discovery response received", "from", from, "bytes", n)
		if e.onResponse != nil {
			e.onResponse()
		}
		datagrams = append(datagrams, append([]byte(nil), payload...))
	}
}

// LocalInterfaces returns the first IPv4 address of every up, non-loopback,
// multicast-capable interface. A non-empty names list restricts the result.
func LocalInterfaces(names []string) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}

	var out []Interface
	for i := range ifaces {
		ifi := &ifaces[i]
		if len(allowed) > 0 && !allowed[ifi.Name] {
			continue
		}
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				out = append(out, Interface{Name: ifi.Name, IP: ipNet.IP.To4(), iface: ifi})
				break
			}
		}
	}
	return out, nil
}
