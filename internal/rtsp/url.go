// Package rtsp implements the small slice of RTSP needed to validate camera
// stream URLs: URL handling, an authenticated DESCRIBE handshake and SDP parsing.
package rtsp

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is used when a stream URL carries no port.
const DefaultPort = 554

var (
	// ErrInvalidURL indicates the stream URL could not be parsed.
	ErrInvalidURL = errors.New("invalid RTSP URL")
	// ErrCredentialMismatch indicates a URL embeds credentials that differ from the supplied ones.
	ErrCredentialMismatch = errors.New("stream URL credentials do not match the device credentials")
)

// Parse validates raw as an rtsp:// URL with a host.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !strings.EqualFold(u.Scheme, "rtsp") {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// Port returns the port of u, or DefaultPort.
func Port(u *url.URL) int {
	if p, err := strconv.Atoi(u.Port()); err == nil && p > 0 {
		return p
	}
	return DefaultPort
}

// Address returns host:port for dialing u.
func Address(u *url.URL) string {
	return net.JoinHostPort(u.Hostname(), strconv.Itoa(Port(u)))
}

// WithCredentials embeds username and password into raw. A URL that already
// carries credentials is accepted only when they are identical.
func WithCredentials(raw, username, password string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}

	if u.User != nil {
		existingPass, _ := u.User.Password()
		if u.User.Username() != username || existingPass != password {
			return "", fmt.Errorf("%w: %s", ErrCredentialMismatch, StripCredentials(raw))
		}
		return u.String(), nil
	}

	if username != "" || password != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String(), nil
}

// StripCredentials removes any user info from raw.
func StripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// Template returns the path, query and fragment of raw, which is the part
// that tends to be shared between devices of the same vendor.
func Template(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		return ""
	}
	tpl := u.RequestURI()
	if u.Fragment != "" {
		tpl += "#" + u.EscapedFragment()
	}
	return tpl
}

// Build joins host, port, optional credentials and a template into a stream URL.
func Build(host string, port int, username, password, template string) string {
	if port <= 0 {
		port = DefaultPort
	}
	u := &url.URL{Scheme: "rtsp", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	if username != "" || password != "" {
		u.User = url.UserPassword(username, password)
	}
	if template != "" && !strings.HasPrefix(template, "/") {
		template = "/" + template
	}
	return u.String() + template
}
