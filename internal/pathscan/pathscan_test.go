package pathscan_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/pathscan"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/rtsp"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/rtsp/rtsptest"
)

var (
	right = camera.Credential{Username: "admin", Password: "12345"}
	wrong = camera.Credential{Username: "admin", Password: "admin"}
)

func newScanner(reg *camera.Registry) *pathscan.Scanner {
	return pathscan.New(reg, config.PathScanConfig{Timeout: 1000}, zap.NewNop().Sugar())
}

func TestScanRecoversMatchingURL(t *testing.T) {
	sdp := rtsptest.H264SDP(640, 360, 15, 512)
	srv := rtsptest.NewServer(rtsptest.Streams(right.Username, right.Password, "Hikvision-Webs", map[string]string{
		"/live/ch00_1": sdp,
	}))
	defer srv.Close()

	reg := camera.NewRegistry()
	reg.Register(camera.NewHostRecord(srv.Host, srv.Port))

	s := newScanner(reg)
	result := s.Scan(context.Background(), []camera.Credential{wrong, right})

	assert.Equal(t, []string{srv.Host}, result.Matched)
	assert.Empty(t, result.Unmatched)
	assert.True(t, s.IsComplete())

	rec, _ := reg.Get(srv.Host)
	assert.Nil(t, rec.Profile(camera.RoleMain))
	sub := rec.Profile(camera.RoleSub)
	require.NotNil(t, sub)
	assert.Equal(t, srv.URL("/live/ch00_1"), sub.URI)
	assert.Equal(t, right, rec.Credential())
	assert.Zero(t, rec.RTSPPort)
	assert.Equal(t, "Hikvision", rec.Make)
	assert.True(t, rec.Successful())
}

func TestScanPrefersFirstDeclaredTemplate(t *testing.T) {
	sdp := rtsptest.H264SDP(640, 360, 15, 512)
	srv := rtsptest.NewServer(rtsptest.Streams(right.Username, right.Password, "", map[string]string{
		"/Streaming/Channels/101": sdp,
		"/stream1":                sdp,
		"/stream2":                sdp,
		"/12":                     sdp,
	}))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		reg := camera.NewRegistry()
		reg.Register(camera.NewHostRecord(srv.Host, srv.Port))
		newScanner(reg).Scan(context.Background(), []camera.Credential{right})

		rec, _ := reg.Get(srv.Host)
		require.Len(t, rec.Profiles, 2)
		assert.Equal(t, srv.URL("/Streaming/Channels/101"), rec.Profile(camera.RoleMain).URI)
		assert.Equal(t, srv.URL("/stream2"), rec.Profile(camera.RoleSub).URI)
	}
}

func TestScanRecordsUnmatched(t *testing.T) {
	srv := rtsptest.NewServer(rtsptest.Streams(right.Username, right.Password, "", map[string]string{}))
	defer srv.Close()

	reg := camera.NewRegistry()
	reg.Register(camera.NewHostRecord(srv.Host, srv.Port))

	result := newScanner(reg).Scan(context.Background(), []camera.Credential{right})
	assert.Empty(t, result.Matched)
	assert.Equal(t, []string{srv.Host}, result.Unmatched)

	rec, _ := reg.Get(srv.Host)
	assert.Empty(t, rec.Profiles)
	assert.Equal(t, srv.Port, rec.RTSPPort)
	assert.Contains(t, rec.Errors(), pathscan.ErrorNoPath)
}

func TestTemplatesLearnFromIdentifiedDevices(t *testing.T) {
	reg := camera.NewRegistry()
	known := camera.NewEndpointRecord("http://10.0.0.2/onvif/device_service", camera.SourceDiscovery)
	known.Identified = true
	known.SetProfile(camera.StreamProfile{Role: camera.RoleMain, URI: "rtsp://10.0.0.2:554/custom/main?token=1"})
	known.SetProfile(camera.StreamProfile{Role: camera.RoleSub, URI: "rtsp://10.0.0.2/Streaming/Channels/102"})
	reg.Register(known)

	main, sub := newScanner(reg).Templates()
	assert.Equal(t, "/custom/main?token=1", main[0])
	assert.Equal(t, pathscan.DefaultMainPaths, main[1:])
	// A learned path already in the fallback set is not repeated.
	assert.Equal(t, pathscan.DefaultSubPaths, sub)
}

func TestScanSkipsDevicesWithProfiles(t *testing.T) {
	reg := camera.NewRegistry()
	withProfile := camera.NewHostRecord("10.0.0.8", 554)
	withProfile.SetProfile(camera.StreamProfile{Role: camera.RoleSub, URI: "rtsp://10.0.0.8/sub"})
	reg.Register(withProfile)
	reg.Register(camera.NewEndpointRecord("http://10.0.0.9/onvif/device_service", camera.SourceDiscovery))

	var mu sync.Mutex
	var probed []string
	s := newScanner(reg)
	s.SetProbe(func(_ context.Context, rawURL string, _ time.Duration) (bool, string) {
		mu.Lock()
		probed = append(probed, rawURL)
		mu.Unlock()
		return true, ""
	})

	result := s.Scan(context.Background(), []camera.Credential{right})
	assert.Empty(t, result.Matched)
	assert.Empty(t, probed)
}

func TestScanWithoutCredentialsTriesAnonymous(t *testing.T) {
	reg := camera.NewRegistry()
	reg.Register(camera.NewHostRecord("10.0.0.10", 8554))

	var mu sync.Mutex
	var probed []string
	s := newScanner(reg)
	s.SetProbe(func(_ context.Context, rawURL string, _ time.Duration) (bool, string) {
		mu.Lock()
		probed = append(probed, rawURL)
		mu.Unlock()
		return strings.HasSuffix(rawURL, "/onvif1"), ""
	})

	result := s.Scan(context.Background(), nil)
	assert.Equal(t, []string{"10.0.0.10"}, result.Matched)
	assert.NotEmpty(t, probed)
	for _, u := range probed {
		parsed, err := rtsp.Parse(u)
		require.NoError(t, err)
		assert.Nil(t, parsed.User)
	}
	assert.Equal(t, len(pathscan.DefaultMainPaths)+len(pathscan.DefaultSubPaths), s.Total())

	rec, _ := reg.Get("10.0.0.10")
	assert.Equal(t, "rtsp://10.0.0.10:8554/onvif1", rec.Profile(camera.RoleMain).URI)
	assert.True(t, rec.Credential().IsZero())
}

func TestScanReplacesEarlierNoPathError(t *testing.T) {
	reg := camera.NewRegistry()
	reg.Register(camera.NewHostRecord("10.0.0.11", 554))

	s := newScanner(reg)
	s.SetProbe(func(context.Context, string, time.Duration) (bool, string) { return false, "" })
	for i := 0; i < 2; i++ {
		result := s.Scan(context.Background(), []camera.Credential{right})
		assert.Equal(t, []string{"10.0.0.11"}, result.Unmatched)
	}
	rec, _ := reg.Get("10.0.0.11")
	assert.Len(t, rec.ErrorLog, 1)

	subPath := pathscan.DefaultSubPaths[0]
	s.SetProbe(func(_ context.Context, rawURL string, _ time.Duration) (bool, string) {
		return strings.HasSuffix(rawURL, subPath), ""
	})
	result := s.Scan(context.Background(), []camera.Credential{right})
	assert.Equal(t, []string{"10.0.0.11"}, result.Matched)

	rec, _ = reg.Get("10.0.0.11")
	assert.True(t, rec.Successful(), rec.ErrorText())
	require.NotNil(t, rec.Profile(camera.RoleSub))
}
