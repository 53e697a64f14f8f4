// Package camera defines the camera inventory data model and the registry that
// every pipeline phase reads from and writes to.
package camera

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Role tags a stream profile as the main or the sub stream of a device.
type Role string

const (
	RoleMain Role = "Main"
	RoleSub  Role = "Sub"
)

// Source records how a device first entered the registry.
type Source string

const (
	SourceDiscovery Source = "discovery"
	SourcePortScan  Source = "portscan"
	SourceImport    Source = "import"
)

// Credential is a username/password pair. Order within a list is priority.
type Credential struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// IsZero reports whether neither field is set.
func (c Credential) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// StreamProfile is one media profile of a device.
type StreamProfile struct {
	Role             Role    `json:"role"`
	Token            string  `json:"token,omitempty"`
	Name             string  `json:"name,omitempty"`
	URI              string  `json:"uri"`
	Codec            string  `json:"codec,omitempty"`
	Width            int     `json:"width,omitempty"`
	Height           int     `json:"height,omitempty"`
	FrameRate        float64 `json:"frame_rate,omitempty"`
	Bitrate          int     `json:"bitrate,omitempty"` // kbit/s
	Quality          float64 `json:"quality,omitempty"`
	EncodingInterval int     `json:"encoding_interval,omitempty"`
}

// Stages tag the errors each phase records, so a phase can replace its own
// errors on a later run without touching the others.
const (
	StageIdentify = "identify"
	StagePathScan = "pathscan"
	StageVerify   = "verify"
)

// Fault is one entry of a record's error log.
type Fault struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// Record is one physical device in the inventory.
type Record struct {
	Key        string          `json:"key"`
	Source     Source          `json:"source"`
	Host       string          `json:"host"`
	RTSPPort   int             `json:"rtsp_port,omitempty"`
	Username   string          `json:"username,omitempty"`
	Password   string          `json:"password,omitempty"`
	Make       string          `json:"make,omitempty"`
	Model      string          `json:"model,omitempty"`
	Serial     string          `json:"serial,omitempty"`
	Identified bool            `json:"identified"`
	Profiles   []StreamProfile `json:"profiles,omitempty"`
	ErrorLog   []Fault         `json:"errors,omitempty"`
}

// NewEndpointRecord returns a candidate keyed by a device service address.
func NewEndpointRecord(address string, source Source) Record {
	return Record{Key: address, Source: source, Host: HostOf(address)}
}

// NewHostRecord returns a candidate keyed by a bare IP with an open RTSP port.
func NewHostRecord(host string, rtspPort int) Record {
	return Record{Key: host, Source: SourcePortScan, Host: host, RTSPPort: rtspPort}
}

// HostOf extracts the host part of a service address. Bare hosts are returned as is.
func HostOf(address string) string {
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return address
}

// HasEndpoint reports whether the record is keyed by a device service URL.
func (r *Record) HasEndpoint() bool {
	return strings.HasPrefix(r.Key, "http://") || strings.HasPrefix(r.Key, "https://")
}

// Credential returns the credential currently attached to the record.
func (r *Record) Credential() Credential {
	return Credential{Username: r.Username, Password: r.Password}
}

// SetCredential attaches a candidate credential.
func (r *Record) SetCredential(c Credential) {
	r.Username = c.Username
	r.Password = c.Password
}

// ClearCredential detaches the credential after an authentication failure.
func (r *Record) ClearCredential() {
	r.Username = ""
	r.Password = ""
}

// AddError appends an untagged failure message. Empty messages are ignored.
func (r *Record) AddError(msg string) {
	r.AddStageError("", msg)
}

// AddStageError appends a failure message recorded by stage.
func (r *Record) AddStageError(stage, msg string) {
	if msg = strings.TrimSpace(msg); msg != "" {
		r.ErrorLog = append(r.ErrorLog, Fault{Stage: stage, Message: msg})
	}
}

// ClearStage drops the errors recorded by stage.
func (r *Record) ClearStage(stage string) {
	kept := r.ErrorLog[:0]
	for _, f := range r.ErrorLog {
		if f.Stage != stage {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	r.ErrorLog = kept
}

// ClearErrors empties the error log.
func (r *Record) ClearErrors() {
	r.ErrorLog = nil
}

// Errors returns the error log with duplicates removed, first occurrence wins.
func (r *Record) Errors() []string {
	seen := make(map[string]struct{}, len(r.ErrorLog))
	out := make([]string, 0, len(r.ErrorLog))
	for _, f := range r.ErrorLog {
		if _, ok := seen[f.Message]; ok {
			continue
		}
		seen[f.Message] = struct{}{}
		out = append(out, f.Message)
	}
	return out
}

// ErrorText renders the deduplicated errors as a numbered list.
func (r *Record) ErrorText() string {
	errs := r.Errors()
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = fmt.Sprintf("%d. %s", i+1, e)
	}
	return strings.Join(lines, "\n")
}

// Successful reports whether no error has been recorded.
func (r *Record) Successful() bool {
	return len(r.ErrorLog) == 0
}

// Profile returns the profile with the given role, or nil.
func (r *Record) Profile(role Role) *StreamProfile {
	for i := range r.Profiles {
		if r.Profiles[i].Role == role {
			return &r.Profiles[i]
		}
	}
	return nil
}

// SetProfile stores p, replacing any profile with the same role.
func (r *Record) SetProfile(p StreamProfile) {
	if existing := r.Profile(p.Role); existing != nil {
		*existing = p
		return
	}
	r.Profiles = append(r.Profiles, p)
	if len(r.Profiles) == 2 && r.Profiles[0].Role == RoleSub {
		r.Profiles[0], r.Profiles[1] = r.Profiles[1], r.Profiles[0]
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.Profiles != nil {
		r.Profiles = append([]StreamProfile(nil), r.Profiles...)
	}
	if r.ErrorLog != nil {
		r.ErrorLog = append([]Fault(nil), r.ErrorLog...)
	}
	return r
}
