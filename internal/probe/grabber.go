package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/rtsp"
)

// ErrRejected indicates the server refused to describe the stream.
var ErrRejected = errors.New("stream rejected by server")

// RTSPGrabber opens a session with DESCRIBE and reads the SDP.
type RTSPGrabber struct {
	Timeout time.Duration
}

// Start implements Grabber.
func (g RTSPGrabber) Start(ctx context.Context, rawURL string) (Session, error) {
	c, err := rtsp.Dial(ctx, rawURL, g.Timeout)
	if err != nil {
		return nil, err
	}

	resp, err := c.Describe(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if resp.StatusCode != 200 {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, resp.Status)
	}

	return &rtspSession{client: c, sdp: rtsp.ParseSDP(resp.Body)}, nil
}

type rtspSession struct {
	client *rtsp.Client
	sdp    *rtsp.SessionDescription
}

func (s *rtspSession) Video() (rtsp.VideoInfo, bool) {
	m, ok := s.sdp.Video()
	if !ok {
		return rtsp.VideoInfo{}, false
	}
	return m.Info(s.sdp.Bandwidth), true
}

func (s *rtspSession) Stop() error {
	return s.client.Close()
}

// FFProbe runs the ffprobe binary against the stream. Cancelling the start
// context kills the process.
type FFProbe struct {
	Path string
}

// Start implements Grabber.
func (f FFProbe) Start(ctx context.Context, rawURL string) (Session, error) {
	path := f.Path
	if path == "" {
		path = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, path,
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-show_streams",
		"-of", "json",
		rawURL,
	)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, ok, err := parseFFProbe(out)
	if err != nil {
		return nil, err
	}
	return ffSession{info: info, ok: ok}, nil
}

type ffSession struct {
	info rtsp.VideoInfo
	ok   bool
}

func (s ffSession) Video() (rtsp.VideoInfo, bool) { return s.info, s.ok }

func (s ffSession) Stop() error { return nil }

type ffStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	BitRate      string `json:"bit_rate"`
}

type ffOutput struct {
	Streams []ffStream `json:"streams"`
}

// parseFFProbe reads the first video stream of ffprobe's JSON output.
// Bitrate is converted to kbit/s.
func parseFFProbe(out []byte) (rtsp.VideoInfo, bool, error) {
	var o ffOutput
	if err := json.Unmarshal(out, &o); err != nil {
		return rtsp.VideoInfo{}, false, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range o.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := rtsp.VideoInfo{
			Codec:  strings.ToUpper(s.CodecName),
			Width:  s.Width,
			Height: s.Height,
		}
		if fps := ratio(s.AvgFrameRate); fps > 0 {
			info.FrameRate = fps
		} else {
			info.FrameRate = ratio(s.RFrameRate)
		}
		if bps, err := strconv.Atoi(s.BitRate); err == nil {
			info.Bitrate = bps / 1000
		}
		return info, true, nil
	}
	return rtsp.VideoInfo{}, false, nil
}

// ratio parses "num/den" frame rates.
func ratio(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
