// Package onvif is a minimal ONVIF SOAP client covering device identification
// and media profile discovery.
package onvif

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clbanning/mxj"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/wsse"
)

// ErrProtocol wraps every failed remote operation.
var ErrProtocol = errors.New("onvif request failed")

const (
	deviceNS = "http://www.onvif.org/ver10/device/wsdl"
	mediaNS  = "http://www.onvif.org/ver10/media/wsdl"

	maxResponseSize = 1 << 20

	envelopeOpen = `<?xml version="1.0" encoding="UTF-8"?>` +
		`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"` +
		` xmlns:tds="` + deviceNS + `"` +
		` xmlns:trt="` + mediaNS + `"` +
		` xmlns:tt="http://www.onvif.org/ver10/schema">`
)

// Fault is a SOAP fault returned by a device.
type Fault struct {
	Action string
	Code   string
	Reason string
}

func (f *Fault) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s: device fault %s: %s", f.Action, f.Code, f.Reason)
	}
	return fmt.Sprintf("%s: device fault: %s", f.Action, f.Reason)
}

// Unwrap lets errors.Is(err, ErrProtocol) match faults.
func (f *Fault) Unwrap() error {
	return ErrProtocol
}

type request struct {
	url    string
	action string
	body   string
	auth   bool
}

func (c *Client) call(ctx context.Context, r request) (mxj.Map, error) {
	var payload bytes.Buffer
	payload.WriteString(envelopeOpen)
	if r.auth {
		tok, err := wsse.GenerateAt(c.username, c.password, c.deviceNow())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, r.action, err)
		}
		header, err := tok.Header()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, r.action, err)
		}
		payload.WriteString("<s:Header>")
		payload.Write(header)
		payload.WriteString("</s:Header>")
	}
	payload.WriteString("<s:Body>")
	payload.WriteString(r.body)
	payload.WriteString("</s:Body></s:Envelope>")

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, r.action, err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, r.action))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, r.action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to read response: %w", ErrProtocol, r.action, err)
	}

	return c.parse(r.action, resp.StatusCode, body)
}

func (c *Client) parse(action string, status int, body []byte) (mxj.Map, error) {
	m, perr := mxj.NewMapXml(body)
	if perr == nil {
		if _, err := m.ValueForPath("Envelope.Body"); err == nil {
			if fault := parseFault(m); fault != nil {
				fault.Action = action
				return nil, fault
			}
		} else {
			perr = errors.New("missing SOAP body")
		}
	}

	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: %s: unexpected HTTP status %d", ErrProtocol, action, status)
	}
	if perr != nil {
		c.logger.Debugw("Malformed ONVIF response", "action", action, "payload", string(body), "error", perr)
		return nil, fmt.Errorf("%w: %s: malformed response: %v", ErrProtocol, action, perr)
	}
	return m, nil
}

func parseFault(m mxj.Map) *Fault {
	if _, err := m.ValueForPath("Envelope.Body.Fault"); err != nil {
		return nil
	}
	f := &Fault{
		Reason: text(m, "Envelope.Body.Fault.Reason.Text"),
		Code:   text(m, "Envelope.Body.Fault.Code.Subcode.Value"),
	}
	if f.Reason == "" {
		f.Reason = text(m, "Envelope.Body.Fault.faultstring")
	}
	if f.Code == "" {
		f.Code = text(m, "Envelope.Body.Fault.Code.Value")
	}
	if f.Reason == "" {
		f.Reason = "unspecified fault"
	}
	return f
}

// text returns the character data at path. Elements that carry attributes
// are decoded by mxj into maps holding their text under "#text".
func text(m mxj.Map, path string) string {
	v, err := m.ValueForPath(path)
	if err != nil {
		return ""
	}
	return textOf(v)
}

func textOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		if s, ok := t["#text"].(string); ok {
			return strings.TrimSpace(s)
		}
	case []interface{}:
		if len(t) > 0 {
			return textOf(t[0])
		}
	}
	return ""
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
