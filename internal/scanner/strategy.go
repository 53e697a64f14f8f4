package scanner

import (
	"context"
	"net"
	"sort"
	"strconv"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

// DeviceServicePath is the conventional ONVIF device service location.
const DeviceServicePath = "/onvif/device_service"

var (
	// DefaultOnvifPorts are the HTTP ports cameras commonly serve ONVIF on.
	DefaultOnvifPorts = []int{80, 8000, 8080, 8899}
	// DefaultRTSPPorts are the ports cameras commonly serve RTSP on.
	DefaultRTSPPorts = []int{554, 8554}
)

// DeviceServiceURL builds the device service address for host and port.
func DeviceServiceURL(host string, port int) string {
	if port == 80 || port == 0 {
		return "http://" + host + DeviceServicePath
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + DeviceServicePath
}

func (s *Scanner) onvifPorts() []int {
	if len(s.config.OnvifPorts) > 0 {
		return s.config.OnvifPorts
	}
	return DefaultOnvifPorts
}

func (s *Scanner) rtspPorts() []int {
	if len(s.config.RTSPPorts) > 0 {
		return s.config.RTSPPorts
	}
	return DefaultRTSPPorts
}

// FindOnvifEndpoints scans hosts for ONVIF ports and registers a candidate
// device service address for every responsive host the registry does not
// already know. It returns the number of new records.
func (s *Scanner) FindOnvifEndpoints(ctx context.Context, hosts []string, reg *camera.Registry) int {
	open := s.Scan(ctx, hosts, s.onvifPorts())

	added := 0
	for _, host := range sortedHosts(open) {
		if _, known := reg.FindByHost(host); known {
			continue
		}
		address := DeviceServiceURL(host, open[host][0])
		if reg.Register(camera.NewEndpointRecord(address, camera.SourcePortScan)) {
			s.logger.Debugw("Registered ONVIF candidate", "address", address)
			added++
		}
	}

	s.logger.Infow("ONVIF port scan complete", "hosts", len(hosts), "responsive", len(open), "added", added)
	return added
}

// FindRTSPHosts scans hosts for RTSP ports. The lowest open port is attached
// to an existing record for the host, otherwise a bare host record is
// registered. It returns the number of hosts with an open RTSP port.
func (s *Scanner) FindRTSPHosts(ctx context.Context, hosts []string, reg *camera.Registry) int {
	open := s.Scan(ctx, hosts, s.rtspPorts())

	for _, host := range sortedHosts(open) {
		port := open[host][0]
		if rec, known := reg.FindByHost(host); known {
			reg.Update(rec.Key, func(r *camera.Record) {
				if r.RTSPPort == 0 {
					r.RTSPPort = port
				}
			})
			continue
		}
		reg.Register(camera.NewHostRecord(host, port))
	}

	s.logger.Infow("RTSP port scan complete", "hosts", len(hosts), "responsive", len(open))
	return len(open)
}

func sortedHosts(open map[string][]int) []string {
	hosts := make([]string, 0, len(open))
	for h := range open {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
