// Package onviftest provides a fake ONVIF device served over httptest.
package onviftest

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/clbanning/mxj"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/wsse"
)

// Profile is a media profile the fake device reports.
type Profile struct {
	Token     string
	Name      string
	Encoding  string
	Width     int
	Height    int
	FrameRate int
	Bitrate   int
	URI       string
}

// Device is a fake camera. Configure the exported fields, then call Start.
type Device struct {
	Username     string
	Password     string
	Manufacturer string
	Model        string
	Serial       string
	Profiles     []Profile
	// Clock is the device UTC time at Start. Zero means the local clock.
	Clock time.Time
	// Fail makes the named operation (e.g. "GetDeviceInformation") answer with a fault.
	Fail string

	srv     *httptest.Server
	started time.Time

	mu      sync.Mutex
	actions []string
}

// Start begins serving and returns d.
func (d *Device) Start() *Device {
	d.started = time.Now()
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	return d
}

// Close stops the server.
func (d *Device) Close() {
	d.srv.Close()
}

// ServiceURL returns the device service address.
func (d *Device) ServiceURL() string {
	return d.srv.URL + "/onvif/device_service"
}

// Actions returns the operation names received, in order.
func (d *Device) Actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *Device) now() time.Time {
	if d.Clock.IsZero() {
		return time.Now().UTC()
	}
	return d.Clock.Add(time.Since(d.started)).UTC()
}

func (d *Device) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	req, err := mxj.NewMapXml(raw)
	if err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	op := path.Base(params["action"])

	d.mu.Lock()
	d.actions = append(d.actions, op)
	d.mu.Unlock()

	if op == d.Fail {
		d.fault(w, http.StatusInternalServerError, "ter:Action", "operation failed")
		return
	}

	switch op {
	case "GetProfiles", "GetStreamUri", "GetDeviceInformation":
		if reason := d.checkAuth(req); reason != "" {
			d.fault(w, http.StatusBadRequest, "ter:NotAuthorized", reason)
			return
		}
	}

	switch op {
	case "GetCapabilities":
		d.respond(w, fmt.Sprintf(`<tds:GetCapabilitiesResponse><tds:Capabilities>`+
			`<tt:Device><tt:XAddr>%s</tt:XAddr></tt:Device>`+
			`<tt:Media><tt:XAddr>%s/onvif/media_service</tt:XAddr></tt:Media>`+
			`</tds:Capabilities></tds:GetCapabilitiesResponse>`, d.ServiceURL(), d.srv.URL))
	case "GetSystemDateAndTime":
		t := d.now()
		d.respond(w, fmt.Sprintf(`<tds:GetSystemDateAndTimeResponse><tds:SystemDateAndTime>`+
			`<tt:DateTimeType>NTP</tt:DateTimeType><tt:UTCDateTime>`+
			`<tt:Time><tt:Hour>%d</tt:Hour><tt:Minute>%d</tt:Minute><tt:Second>%d</tt:Second></tt:Time>`+
			`<tt:Date><tt:Year>%d</tt:Year><tt:Month>%d</tt:Month><tt:Day>%d</tt:Day></tt:Date>`+
			`</tt:UTCDateTime></tds:SystemDateAndTime></tds:GetSystemDateAndTimeResponse>`,
			t.Hour(), t.Minute(), t.Second(), t.Year(), int(t.Month()), t.Day()))
	case "GetProfiles":
		var b strings.Builder
		b.WriteString(`<trt:GetProfilesResponse>`)
		for _, p := range d.Profiles {
			fmt.Fprintf(&b, `<trt:Profiles token="%s" fixed="true"><tt:Name>%s</tt:Name>`+
				`<tt:VideoEncoderConfiguration token="enc_%s"><tt:Name>enc</tt:Name>`+
				`<tt:Encoding>%s</tt:Encoding>`+
				`<tt:Resolution><tt:Width>%d</tt:Width><tt:Height>%d</tt:Height></tt:Resolution>`+
				`<tt:Quality>5</tt:Quality>`+
				`<tt:RateControl><tt:FrameRateLimit>%d</tt:FrameRateLimit><tt:EncodingInterval>1</tt:EncodingInterval><tt:BitrateLimit>%d</tt:BitrateLimit></tt:RateControl>`+
				`</tt:VideoEncoderConfiguration></trt:Profiles>`,
				p.Token, p.Name, p.Token, p.Encoding, p.Width, p.Height, p.FrameRate, p.Bitrate)
		}
		b.WriteString(`</trt:GetProfilesResponse>`)
		d.respond(w, b.String())
	case "GetStreamUri":
		token, _ := req.ValueForPathString("Envelope.Body.GetStreamUri.ProfileToken")
		for _, p := range d.Profiles {
			if p.Token == token {
				d.respond(w, fmt.Sprintf(`<trt:GetStreamUriResponse><trt:MediaUri><tt:Uri>%s</tt:Uri>`+
					`<tt:InvalidAfterConnect>false</tt:InvalidAfterConnect><tt:Timeout>PT60S</tt:Timeout>`+
					`</trt:MediaUri></trt:GetStreamUriResponse>`, p.URI))
				return
			}
		}
		d.fault(w, http.StatusBadRequest, "ter:NoProfile", "no such profile")
	case "GetDeviceInformation":
		d.respond(w, fmt.Sprintf(`<tds:GetDeviceInformationResponse>`+
			`<tds:Manufacturer>%s</tds:Manufacturer><tds:Model>%s</tds:Model>`+
			`<tds:FirmwareVersion>1.0</tds:FirmwareVersion><tds:SerialNumber>%s</tds:SerialNumber>`+
			`<tds:HardwareId>1</tds:HardwareId></tds:GetDeviceInformationResponse>`,
			d.Manufacturer, d.Model, d.Serial))
	default:
		d.fault(w, http.StatusBadRequest, "ter:ActionNotSupported", "unsupported action "+op)
	}
}

func (d *Device) checkAuth(req mxj.Map) string {
	const base = "Envelope.Header.Security.UsernameToken."
	user := textAt(req, base+"Username")
	digest := textAt(req, base+"Password")
	nonce := textAt(req, base+"Nonce")
	created := textAt(req, base+"Created")

	if user == "" || digest == "" {
		return "missing security header"
	}
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(raw) != wsse.NonceSize {
		return "bad nonce"
	}
	at, err := time.Parse(wsse.TimeLayout, created)
	if err != nil {
		return "bad created"
	}
	if drift := at.Sub(d.now()); drift > 5*time.Minute || drift < -5*time.Minute {
		return "timestamp out of range"
	}
	if user != d.Username || digest != wsse.Digest(raw, created, d.Password) {
		return "Sender not Authorized"
	}
	return ""
}

func textAt(m mxj.Map, p string) string {
	v, err := m.ValueForPath(p)
	if err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		s, _ := t["#text"].(string)
		return s
	}
	return ""
}

const envelope = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"` +
	` xmlns:tds="http://www.onvif.org/ver10/device/wsdl"` +
	` xmlns:trt="http://www.onvif.org/ver10/media/wsdl"` +
	` xmlns:tt="http://www.onvif.org/ver10/schema"` +
	` xmlns:ter="http://www.onvif.org/ver10/error">` +
	`<s:Body>%s</s:Body></s:Envelope>`

func (d *Device) respond(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	_, _ = fmt.Fprintf(w, envelope, body)
}

func (d *Device) fault(w http.ResponseWriter, status int, subcode, reason string) {
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, envelope, fmt.Sprintf(`<s:Fault>`+
		`<s:Code><s:Value>s:Sender</s:Value><s:Subcode><s:Value>%s</s:Value></s:Subcode></s:Code>`+
		`<s:Reason><s:Text xml:lang="en">%s</s:Text></s:Reason></s:Fault>`, subcode, reason))
}
