package scanner

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
)

func newTestScanner(cfg config.ScannerConfig) *Scanner {
	if cfg.Timeout == 0 {
		cfg.Timeout = 500
	}
	return New(cfg, zap.NewNop().Sugar())
}

// listen opens a local listener and returns its port.
func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port with no listener behind it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestScanOpenAndClosedPort(t *testing.T) {
	open := listen(t)
	closed := closedPort(t)

	s := newTestScanner(config.ScannerConfig{})
	result := s.Scan(context.Background(), []string{"127.0.0.1"}, []int{closed, open})

	assert.Equal(t, map[string][]int{"127.0.0.1": {open}}, result)
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 2, s.Total())
	assert.True(t, s.IsComplete())
	assert.Equal(t, 100, s.Progress())
}

func TestScanSortsPorts(t *testing.T) {
	a, b, c := listen(t), listen(t), listen(t)

	s := newTestScanner(config.ScannerConfig{Concurrency: 3})
	result := s.Scan(context.Background(), []string{"127.0.0.1"}, []int{c, a, b})

	ports := result["127.0.0.1"]
	require.Len(t, ports, 3)
	assert.IsIncreasing(t, ports)
}

func TestScanExcludedHostCounts(t *testing.T) {
	open := listen(t)

	s := newTestScanner(config.ScannerConfig{ExcludeSubnets: []string{"127.0.0.0/8"}})
	result := s.Scan(context.Background(), []string{"127.0.0.1"}, []int{open})

	assert.Empty(t, result)
	assert.True(t, s.IsComplete())
}

func TestScanEmptyInput(t *testing.T) {
	s := newTestScanner(config.ScannerConfig{})
	assert.Empty(t, s.Scan(context.Background(), nil, []int{80}))
	assert.Equal(t, 0, s.Total())
}

func TestScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScanner(config.ScannerConfig{Concurrency: 1})
	hosts, err := HostsInRange("127.0.0.1", "127.0.0.200")
	require.NoError(t, err)

	assert.Empty(t, s.Scan(ctx, hosts, []int{closedPort(t)}))
	assert.False(t, s.IsComplete())
}

func TestFinishProgressCompletesEmptyOrCancelledScan(t *testing.T) {
	s := newTestScanner(config.ScannerConfig{})
	s.ResetProgress()
	s.Scan(context.Background(), nil, []int{80})
	assert.False(t, s.IsComplete())
	s.FinishProgress()
	assert.True(t, s.IsComplete())
	assert.Equal(t, 100, s.Progress())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hosts, err := HostsInRange("127.0.0.1", "127.0.0.200")
	require.NoError(t, err)

	s.ResetProgress()
	s.Scan(ctx, hosts, []int{closedPort(t)})
	assert.False(t, s.IsComplete())
	s.FinishProgress()
	assert.True(t, s.IsComplete())
}

func TestFindOnvifEndpoints(t *testing.T) {
	port := listen(t)
	s := newTestScanner(config.ScannerConfig{OnvifPorts: []int{port}})

	reg := camera.NewRegistry()
	reg.Register(camera.NewEndpointRecord("http://127.0.0.2/onvif/device_service", camera.SourceDiscovery))

	added := s.FindOnvifEndpoints(context.Background(), []string{"127.0.0.1"}, reg)
	assert.Equal(t, 1, added)

	rec, ok := reg.FindByHost("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, DeviceServiceURL("127.0.0.1", port), rec.Key)
	assert.Equal(t, camera.SourcePortScan, rec.Source)

	// A host already known from discovery is not registered twice.
	assert.Equal(t, 0, s.FindOnvifEndpoints(context.Background(), []string{"127.0.0.1"}, reg))
	assert.Equal(t, 2, reg.Len())
}

func TestFindRTSPHosts(t *testing.T) {
	port := listen(t)
	s := newTestScanner(config.ScannerConfig{RTSPPorts: []int{port}})

	reg := camera.NewRegistry()
	found := s.FindRTSPHosts(context.Background(), []string{"127.0.0.1"}, reg)
	assert.Equal(t, 1, found)

	rec, ok := reg.Get("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, port, rec.RTSPPort)
	assert.False(t, rec.HasEndpoint())
}

func TestFindRTSPHostsAttachesToKnownDevice(t *testing.T) {
	port := listen(t)
	s := newTestScanner(config.ScannerConfig{RTSPPorts: []int{port}})

	reg := camera.NewRegistry()
	key := "http://127.0.0.1/onvif/device_service"
	reg.Register(camera.NewEndpointRecord(key, camera.SourceDiscovery))

	s.FindRTSPHosts(context.Background(), []string{"127.0.0.1"}, reg)

	assert.Equal(t, 1, reg.Len())
	rec, _ := reg.Get(key)
	assert.Equal(t, port, rec.RTSPPort)
}

func TestDeviceServiceURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5/onvif/device_service", DeviceServiceURL("10.0.0.5", 80))
	assert.Equal(t, "http://10.0.0.5:8080/onvif/device_service", DeviceServiceURL("10.0.0.5", 8080))
}

func TestHostsInRange(t *testing.T) {
	hosts, err := HostsInRange("192.168.1.254", "192.168.2.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.254", "192.168.1.255", "192.168.2.0", "192.168.2.1"}, hosts)

	reversed, err := HostsInRange("192.168.2.1", "192.168.1.254")
	require.NoError(t, err)
	assert.Equal(t, hosts, reversed)

	_, err = HostsInRange("10.0.0.0", "10.2.0.0")
	assert.Error(t, err)

	_, err = HostsInRange("bogus", "10.0.0.1")
	assert.Error(t, err)
}

func TestSubnetHostsClampsTo24(t *testing.T) {
	_, n, err := net.ParseCIDR("10.1.2.3/16")
	require.NoError(t, err)
	n.IP = net.ParseIP("10.1.2.3").To4()

	hosts := subnetHosts(n)
	assert.Len(t, hosts, 253)
	assert.Equal(t, "10.1.2.1", hosts[0])
	assert.Equal(t, "10.1.2.254", hosts[len(hosts)-1])
	assert.NotContains(t, hosts, "10.1.2.3")
}

func TestFingerprinter(t *testing.T) {
	f := NewFingerprinter()

	tests := []struct {
		banner string
		vendor string
	}{
		{"Hikvision-Webs", "Hikvision"},
		{"DNVRS-Webs", "Hikvision"},
		{"Dahua Rtsp Server", "Dahua"},
		{"AXIS M3045-V", "Axis"},
		{"Wisenet RTSP Server", "Hanwha"},
		{"LIVE555 Streaming Media v2020.01.01", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.banner, func(t *testing.T) {
			assert.Equal(t, tt.vendor, f.Identify(tt.banner).Vendor)
		})
	}
}
