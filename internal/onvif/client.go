package onvif

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/clbanning/mxj"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

// DefaultTimeout bounds every request when Config.Timeout is unset.
const DefaultTimeout = 5 * time.Second

// Config tunes the client.
type Config struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Capabilities holds the service addresses a device advertises.
type Capabilities struct {
	Device string
	Media  string
}

// DeviceInfo holds vendor metadata.
type DeviceInfo struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	HardwareID      string
}

// Client talks to one device with one credential. Calls must follow the
// identification order: capabilities, system time, then authenticated calls.
type Client struct {
	endpoint string
	username string
	password string
	timeout  time.Duration
	http     *http.Client
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	deviceURL string
	mediaURL  string
	offset    time.Duration
	now       func() time.Time
}

// New creates a client for the device service at endpoint.
func New(endpoint string, cred camera.Credential, cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{
		endpoint:  endpoint,
		username:  cred.Username,
		password:  cred.Password,
		timeout:   cfg.Timeout,
		http:      cfg.HTTPClient,
		logger:    logger,
		deviceURL: endpoint,
		now:       time.Now,
	}
}

func (c *Client) deviceNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}

func (c *Client) urls() (device, media string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceURL, c.mediaURL
}

// GetCapabilities reads the device and media service addresses.
func (c *Client) GetCapabilities(ctx context.Context) (Capabilities, error) {
	const action = deviceNS + "/GetCapabilities"

	m, err := c.call(ctx, request{
		url:    c.endpoint,
		action: action,
		body:   `<tds:GetCapabilities><tds:Category>All</tds:Category></tds:GetCapabilities>`,
	})
	if err != nil {
		return Capabilities{}, err
	}

	caps := Capabilities{
		Device: text(m, "Envelope.Body.GetCapabilitiesResponse.Capabilities.Device.XAddr"),
		Media:  text(m, "Envelope.Body.GetCapabilitiesResponse.Capabilities.Media.XAddr"),
	}
	if caps.Media == "" {
		return Capabilities{}, fmt.Errorf("%w: %s: no media service advertised", ErrProtocol, action)
	}
	if caps.Device == "" {
		caps.Device = c.endpoint
	}

	c.mu.Lock()
	c.deviceURL, c.mediaURL = caps.Device, caps.Media
	c.mu.Unlock()
	return caps, nil
}

// GetSystemDateAndTime reads the device UTC clock and returns it as an
// ISO-8601 string. The difference to the local clock is applied to the
// Created stamp of every later security token.
func (c *Client) GetSystemDateAndTime(ctx context.Context) (string, error) {
	const action = deviceNS + "/GetSystemDateAndTime"

	device, _ := c.urls()
	m, err := c.call(ctx, request{url: device, action: action, body: `<tds:GetSystemDateAndTime/>`})
	if err != nil {
		return "", err
	}

	const base = "Envelope.Body.GetSystemDateAndTimeResponse.SystemDateAndTime.UTCDateTime."
	fields := []string{"Date.Year", "Date.Month", "Date.Day", "Time.Hour", "Time.Minute", "Time.Second"}
	values := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(text(m, base+f))
		if err != nil {
			return "", fmt.Errorf("%w: %s: invalid %s", ErrProtocol, action, f)
		}
		values[i] = n
	}

	deviceTime := time.Date(values[0], time.Month(values[1]), values[2], values[3], values[4], values[5], 0, time.UTC)

	c.mu.Lock()
	c.offset = deviceTime.Sub(c.now())
	c.mu.Unlock()

	return deviceTime.Format("2006-01-02T15:04:05Z"), nil
}

// GetProfiles lists media profiles and resolves a stream URI for each. The
// first profile becomes the main stream and the second the sub stream.
func (c *Client) GetProfiles(ctx context.Context) ([]camera.StreamProfile, error) {
	const action = mediaNS + "/GetProfiles"

	_, media := c.urls()
	if media == "" {
		return nil, fmt.Errorf("%w: %s: media service unknown", ErrProtocol, action)
	}

	m, err := c.call(ctx, request{url: media, action: action, body: `<trt:GetProfiles/>`, auth: true})
	if err != nil {
		return nil, err
	}

	raw, err := m.ValuesForPath("Envelope.Body.GetProfilesResponse.Profiles")
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: no profiles returned", ErrProtocol, action)
	}

	roles := []camera.Role{camera.RoleMain, camera.RoleSub}
	var profiles []camera.StreamProfile
	for i, item := range raw {
		if i >= len(roles) {
			break
		}
		pm, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: %s: unexpected profile element", ErrProtocol, action)
		}
		p := parseProfile(mxj.Map(pm))
		p.Role = roles[i]
		if p.Token == "" {
			return nil, fmt.Errorf("%w: %s: profile without token", ErrProtocol, action)
		}

		uri, err := c.GetStreamURI(ctx, p.Token)
		if err != nil {
			return nil, err
		}
		p.URI = uri
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func parseProfile(m mxj.Map) camera.StreamProfile {
	atoi := func(path string) int {
		n, _ := strconv.Atoi(text(m, path))
		return n
	}
	atof := func(path string) float64 {
		f, _ := strconv.ParseFloat(text(m, path), 64)
		return f
	}

	return camera.StreamProfile{
		Token:            text(m, "-token"),
		Name:             text(m, "Name"),
		Codec:            text(m, "VideoEncoderConfiguration.Encoding"),
		Width:            atoi("VideoEncoderConfiguration.Resolution.Width"),
		Height:           atoi("VideoEncoderConfiguration.Resolution.Height"),
		Quality:          atof("VideoEncoderConfiguration.Quality"),
		FrameRate:        atof("VideoEncoderConfiguration.RateControl.FrameRateLimit"),
		EncodingInterval: atoi("VideoEncoderConfiguration.RateControl.EncodingInterval"),
		Bitrate:          atoi("VideoEncoderConfiguration.RateControl.BitrateLimit"),
	}
}

// GetStreamURI resolves the RTP unicast over UDP stream URI of a profile.
func (c *Client) GetStreamURI(ctx context.Context, token string) (string, error) {
	const action = mediaNS + "/GetStreamUri"

	_, media := c.urls()
	body := `<trt:GetStreamUri><trt:StreamSetup>` +
		`<tt:Stream>RTP-Unicast</tt:Stream>` +
		`<tt:Transport><tt:Protocol>UDP</tt:Protocol></tt:Transport>` +
		`</trt:StreamSetup><trt:ProfileToken>` + escape(token) + `</trt:ProfileToken></trt:GetStreamUri>`

	m, err := c.call(ctx, request{url: media, action: action, body: body, auth: true})
	if err != nil {
		return "", err
	}

	uri := text(m, "Envelope.Body.GetStreamUriResponse.MediaUri.Uri")
	if uri == "" {
		return "", fmt.Errorf("%w: %s: empty stream URI for profile %s", ErrProtocol, action, token)
	}
	return uri, nil
}

// GetDeviceInformation reads manufacturer, model and serial number.
func (c *Client) GetDeviceInformation(ctx context.Context) (DeviceInfo, error) {
	const action = deviceNS + "/GetDeviceInformation"

	device, _ := c.urls()
	m, err := c.call(ctx, request{url: device, action: action, body: `<tds:GetDeviceInformation/>`, auth: true})
	if err != nil {
		return DeviceInfo{}, err
	}
	if _, err := m.ValueForPath("Envelope.Body.GetDeviceInformationResponse"); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %s: missing response element", ErrProtocol, action)
	}

	const base = "Envelope.Body.GetDeviceInformationResponse."
	return DeviceInfo{
		Manufacturer:    text(m, base+"Manufacturer"),
		Model:           text(m, base+"Model"),
		FirmwareVersion: text(m, base+"FirmwareVersion"),
		SerialNumber:    text(m, base+"SerialNumber"),
		HardwareID:      text(m, base+"HardwareId"),
	}, nil
}
