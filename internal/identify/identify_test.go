package identify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/identify"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/onvif"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/onvif/onviftest"
)

var (
	credA = camera.Credential{Username: "admin", Password: "alpha"}
	credB = camera.Credential{Username: "operator", Password: "bravo"}
)

func startDevice(cred camera.Credential, model string) *onviftest.Device {
	return (&onviftest.Device{
		Username:     cred.Username,
		Password:     cred.Password,
		Manufacturer: "Acme",
		Model:        model,
		Serial:       "SN-" + model,
		Profiles: []onviftest.Profile{
			{Token: "main", Name: "main", Encoding: "H264", Width: 1920, Height: 1080, FrameRate: 25, Bitrate: 4096, URI: "rtsp://10.0.0.1/main"},
			{Token: "sub", Name: "sub", Encoding: "H264", Width: 640, Height: 360, FrameRate: 15, Bitrate: 512, URI: "rtsp://10.0.0.1/sub"},
		},
	}).Start()
}

func newEnquirer(reg *camera.Registry) *identify.Enquirer {
	logger := zap.NewNop().Sugar()
	clients := identify.OnvifClients(onvif.Config{Timeout: 2 * time.Second}, logger)
	return identify.New(reg, config.IdentifyConfig{Concurrency: 2}, clients, logger)
}

func setup(t *testing.T) (*camera.Registry, *onviftest.Device, *onviftest.Device) {
	t.Helper()
	d1 := startDevice(credA, "D1")
	d2 := startDevice(credB, "D2")
	t.Cleanup(d1.Close)
	t.Cleanup(d2.Close)

	reg := camera.NewRegistry()
	reg.Register(camera.NewEndpointRecord(d1.ServiceURL(), camera.SourceDiscovery))
	reg.Register(camera.NewEndpointRecord(d2.ServiceURL(), camera.SourceDiscovery))
	return reg, d1, d2
}

func TestEnquireRotatesCredentials(t *testing.T) {
	reg, d1, d2 := setup(t)
	e := newEnquirer(reg)

	result := e.Enquire(context.Background(), []camera.Credential{credA, credB})

	assert.ElementsMatch(t, []string{d1.ServiceURL(), d2.ServiceURL()}, result.Identified)
	assert.Empty(t, result.Unauthorized)
	assert.True(t, e.IsComplete())

	r1, _ := reg.Get(d1.ServiceURL())
	assert.True(t, r1.Identified)
	assert.Equal(t, credA, r1.Credential())
	assert.Equal(t, "D1", r1.Model)
	assert.True(t, r1.Successful())
	require.Len(t, r1.Profiles, 2)
	assert.Equal(t, "rtsp://10.0.0.1/sub", r1.Profile(camera.RoleSub).URI)

	r2, _ := reg.Get(d2.ServiceURL())
	assert.True(t, r2.Identified)
	assert.Equal(t, credB, r2.Credential())
	assert.Equal(t, "SN-D2", r2.Serial)
	assert.True(t, r2.Successful(), r2.ErrorText())

	// D1 accepted the first credential and is not tried again.
	assert.Len(t, d1.Actions(), 6)
	// D2 failed at GetProfiles with A, then completed with B.
	assert.Len(t, d2.Actions(), 3+6)
}

func TestEnquireReportsUnauthorized(t *testing.T) {
	reg, d1, d2 := setup(t)

	result := newEnquirer(reg).Enquire(context.Background(), []camera.Credential{credA})

	assert.Equal(t, []string{d1.ServiceURL()}, result.Identified)
	assert.Equal(t, []string{d2.ServiceURL()}, result.Unauthorized)

	r2, _ := reg.Get(d2.ServiceURL())
	assert.False(t, r2.Identified)
	assert.True(t, r2.Credential().IsZero())
	assert.Empty(t, r2.Profiles)
	assert.Contains(t, r2.Errors(), identify.ErrorUnauthorized)
	assert.Contains(t, r2.ErrorText(), "Sender not Authorized")
}

func TestEnquireWithoutCredentials(t *testing.T) {
	reg, _, _ := setup(t)
	e := newEnquirer(reg)

	result := e.Enquire(context.Background(), nil)
	assert.Empty(t, result.Identified)
	assert.Len(t, result.Unauthorized, 2)
	assert.True(t, e.IsComplete())
}

type stubClient struct {
	failAt string
	calls  []string
}

func (s *stubClient) step(name string) error {
	s.calls = append(s.calls, name)
	if name == s.failAt {
		return errors.New(name + " failed")
	}
	return nil
}

func (s *stubClient) GetCapabilities(context.Context) (onvif.Capabilities, error) {
	return onvif.Capabilities{Media: "http://x/media"}, s.step("caps")
}

func (s *stubClient) GetSystemDateAndTime(context.Context) (string, error) {
	return "2024-01-01T00:00:00Z", s.step("time")
}

func (s *stubClient) GetProfiles(context.Context) ([]camera.StreamProfile, error) {
	return []camera.StreamProfile{{Role: camera.RoleMain, URI: "rtsp://x/main"}}, s.step("profiles")
}

func (s *stubClient) GetDeviceInformation(context.Context) (onvif.DeviceInfo, error) {
	return onvif.DeviceInfo{Manufacturer: "Acme"}, s.step("info")
}

func TestChainIsAllOrNothing(t *testing.T) {
	reg := camera.NewRegistry()
	key := "http://10.0.0.3/onvif/device_service"
	reg.Register(camera.NewEndpointRecord(key, camera.SourceDiscovery))

	stub := &stubClient{failAt: "info"}
	e := identify.New(reg, config.IdentifyConfig{}, func(string, camera.Credential) identify.DeviceClient { return stub }, zap.NewNop().Sugar())

	result := e.Enquire(context.Background(), []camera.Credential{credA})
	assert.Equal(t, []string{key}, result.Unauthorized)
	assert.Equal(t, []string{"caps", "time", "profiles", "info"}, stub.calls)

	rec, _ := reg.Get(key)
	assert.Empty(t, rec.Profiles)
	assert.Empty(t, rec.Make)
	assert.True(t, rec.Credential().IsZero())
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	reg := camera.NewRegistry()
	reg.Register(camera.NewEndpointRecord("http://10.0.0.4/onvif/device_service", camera.SourceDiscovery))

	stub := &stubClient{failAt: "time"}
	e := identify.New(reg, config.IdentifyConfig{}, func(string, camera.Credential) identify.DeviceClient { return stub }, zap.NewNop().Sugar())
	e.Enquire(context.Background(), []camera.Credential{credA})

	assert.Equal(t, []string{"caps", "time"}, stub.calls)
}

func TestEnquireSkipsBareHosts(t *testing.T) {
	reg := camera.NewRegistry()
	reg.Register(camera.NewHostRecord("10.0.0.5", 554))

	stub := &stubClient{}
	e := identify.New(reg, config.IdentifyConfig{}, func(string, camera.Credential) identify.DeviceClient { return stub }, zap.NewNop().Sugar())
	result := e.Enquire(context.Background(), []camera.Credential{credA})

	assert.Empty(t, result.Identified)
	assert.Empty(t, result.Unauthorized)
	assert.Empty(t, stub.calls)
}
