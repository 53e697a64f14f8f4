package rtsp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
)

// Media is one m= section of a session description.
type Media struct {
	Type        string
	PayloadType int
	Codec       string
	ClockRate   int
	Bandwidth   int // kbit/s from b=AS
	FrameRate   float64
	Width       int
	Height      int
	FMTP        map[string]string
}

// SessionDescription is the subset of SDP needed to describe a stream.
type SessionDescription struct {
	Bandwidth int
	Media     []Media
}

// ParseSDP reads a session description. Unknown lines are ignored.
func ParseSDP(body []byte) *SessionDescription {
	sd := &SessionDescription{}
	var current *Media

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		key, value := line[0], line[2:]

		switch key {
		case 'm':
			sd.Media = append(sd.Media, Media{PayloadType: -1, FMTP: make(map[string]string)})
			current = &sd.Media[len(sd.Media)-1]
			fields := strings.Fields(value)
			if len(fields) > 0 {
				current.Type = strings.ToLower(fields[0])
			}
			if len(fields) > 3 {
				if pt, err := strconv.Atoi(fields[3]); err == nil {
					current.PayloadType = pt
				}
			}
		case 'b':
			kind, v, ok := strings.Cut(value, ":")
			if !ok || !strings.EqualFold(kind, "AS") {
				continue
			}
			bw, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				continue
			}
			if current == nil {
				sd.Bandwidth = bw
			} else {
				current.Bandwidth = bw
			}
		case 'a':
			if current != nil {
				current.parseAttribute(value)
			}
		}
	}
	return sd
}

func (m *Media) parseAttribute(attr string) {
	name, value, _ := strings.Cut(attr, ":")
	switch strings.ToLower(name) {
	case "rtpmap":
		pt, enc, ok := strings.Cut(value, " ")
		if !ok || !m.matchesPayload(pt) {
			return
		}
		parts := strings.Split(enc, "/")
		m.Codec = strings.ToUpper(parts[0])
		if len(parts) > 1 {
			m.ClockRate, _ = strconv.Atoi(parts[1])
		}
	case "fmtp":
		pt, params, ok := strings.Cut(value, " ")
		if !ok || !m.matchesPayload(pt) {
			return
		}
		for _, pair := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok {
				m.FMTP[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
			}
		}
	case "framerate":
		if fps, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			m.FrameRate = fps
		}
	case "x-dimensions":
		w, h, ok := strings.Cut(value, ",")
		if ok {
			m.Width, _ = strconv.Atoi(strings.TrimSpace(w))
			m.Height, _ = strconv.Atoi(strings.TrimSpace(h))
		}
	}
}

func (m *Media) matchesPayload(pt string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(pt))
	return err == nil && (m.PayloadType < 0 || n == m.PayloadType)
}

// Video returns the first video media section.
func (sd *SessionDescription) Video() (*Media, bool) {
	for i := range sd.Media {
		if sd.Media[i].Type == "video" {
			return &sd.Media[i], true
		}
	}
	return nil, false
}

// VideoInfo is what a stream tells us about its video track.
type VideoInfo struct {
	Codec     string
	Width     int
	Height    int
	FrameRate float64
	Bitrate   int
}

// Info derives stream properties from the media section. H.264 dimensions
// and frame rate come from the SPS in sprop-parameter-sets when present.
func (m *Media) Info(sessionBandwidth int) VideoInfo {
	info := VideoInfo{
		Codec:     m.Codec,
		Width:     m.Width,
		Height:    m.Height,
		FrameRate: m.FrameRate,
		Bitrate:   m.Bandwidth,
	}
	if info.Bitrate == 0 {
		info.Bitrate = sessionBandwidth
	}

	if m.Codec == "H264" {
		if sps, ok := m.h264SPS(); ok {
			if parsed, err := ParseSPS(sps); err == nil {
				info.Width, info.Height = parsed.Width, parsed.Height
				if parsed.FrameRate > 0 {
					info.FrameRate = parsed.FrameRate
				}
			}
		}
	}
	return info
}

func (m *Media) h264SPS() ([]byte, bool) {
	sets := m.FMTP["sprop-parameter-sets"]
	for _, enc := range strings.Split(sets, ",") {
		nal, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
		if err != nil || len(nal) == 0 {
			continue
		}
		if nal[0]&0x1f == nalTypeSPS {
			return nal, true
		}
	}
	return nil, false
}
