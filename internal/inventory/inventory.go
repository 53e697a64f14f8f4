// Package inventory converts camera records to and from CSV. Each schema is
// an ordered table of named columns with an accessor pair.
package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

// ErrNoAddress indicates an imported row has neither a host nor an ONVIF address.
var ErrNoAddress = errors.New("row has no host or onvif_address")

// Column maps one CSV column to a record field. Set is nil for columns that
// are only ever written.
type Column struct {
	Name string
	Get  func(*camera.Record) string
	Set  func(*camera.Record, string) error
}

// Schema is an ordered list of columns.
type Schema struct {
	Name    string
	Columns []Column
}

// Headers returns the column names in order.
func (s Schema) Headers() []string {
	h := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		h[i] = c.Name
	}
	return h
}

// Row renders rec in column order.
func (s Schema) Row(rec *camera.Record) []string {
	row := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		row[i] = c.Get(rec)
	}
	return row
}

var (
	colHost = Column{
		Name: "host",
		Get:  func(r *camera.Record) string { return r.Host },
		Set: func(r *camera.Record, v string) error {
			r.Host = v
			return nil
		},
	}
	colAddress = Column{
		Name: "onvif_address",
		Get: func(r *camera.Record) string {
			if r.HasEndpoint() {
				return r.Key
			}
			return ""
		},
		Set: func(r *camera.Record, v string) error {
			if v != "" {
				r.Key = v
			}
			return nil
		},
	}
	colRTSPPort = Column{
		Name: "rtsp_port",
		Get: func(r *camera.Record) string {
			if r.RTSPPort == 0 {
				return ""
			}
			return strconv.Itoa(r.RTSPPort)
		},
		Set: func(r *camera.Record, v string) error {
			if v == "" {
				return nil
			}
			p, err := strconv.Atoi(v)
			if err != nil || p < 1 || p > 65535 {
				return fmt.Errorf("invalid rtsp_port %q", v)
			}
			r.RTSPPort = p
			return nil
		},
	}
	colUsername = Column{
		Name: "username",
		Get:  func(r *camera.Record) string { return r.Username },
		Set: func(r *camera.Record, v string) error {
			r.Username = v
			return nil
		},
	}
	colPassword = Column{
		Name: "password",
		Get:  func(r *camera.Record) string { return r.Password },
		Set: func(r *camera.Record, v string) error {
			r.Password = v
			return nil
		},
	}
	colMake = Column{
		Name: "make",
		Get:  func(r *camera.Record) string { return r.Make },
		Set: func(r *camera.Record, v string) error {
			r.Make = v
			return nil
		},
	}
	colModel = Column{
		Name: "model",
		Get:  func(r *camera.Record) string { return r.Model },
		Set: func(r *camera.Record, v string) error {
			r.Model = v
			return nil
		},
	}
	colSerial = Column{
		Name: "serial",
		Get:  func(r *camera.Record) string { return r.Serial },
	}
	colSuccess = Column{
		Name: "success",
		Get:  func(r *camera.Record) string { return strconv.FormatBool(r.Successful()) },
	}
	colErrors = Column{
		Name: "errors",
		Get:  func(r *camera.Record) string { return r.ErrorText() },
	}
)

func streamColumn(role camera.Role) Column {
	return Column{
		Name: strings.ToLower(string(role)) + "_stream",
		Get: func(r *camera.Record) string {
			if p := r.Profile(role); p != nil {
				return p.URI
			}
			return ""
		},
		Set: func(r *camera.Record, v string) error {
			if v == "" {
				return nil
			}
			r.SetProfile(camera.StreamProfile{Role: role, Name: string(role), URI: v})
			return nil
		},
	}
}

func profileColumn(role camera.Role, field string, get func(*camera.StreamProfile) string) Column {
	return Column{
		Name: strings.ToLower(string(role)) + "_" + field,
		Get: func(r *camera.Record) string {
			if p := r.Profile(role); p != nil {
				return get(p)
			}
			return ""
		},
	}
}

func resolution(p *camera.StreamProfile) string {
	if p.Width == 0 || p.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

func frameRate(p *camera.StreamProfile) string {
	if p.FrameRate == 0 {
		return ""
	}
	return strconv.FormatFloat(p.FrameRate, 'f', -1, 64)
}

func bitrate(p *camera.StreamProfile) string {
	if p.Bitrate == 0 {
		return ""
	}
	return strconv.Itoa(p.Bitrate)
}

// Template is the import schema operators fill in by hand.
var Template = Schema{
	Name: "template",
	Columns: []Column{
		colHost,
		colAddress,
		colRTSPPort,
		colUsername,
		colPassword,
		colMake,
		colModel,
		streamColumn(camera.RoleMain),
		streamColumn(camera.RoleSub),
	},
}

// Export is the schema written for the finished inventory.
var Export = Schema{
	Name: "export",
	Columns: []Column{
		colHost,
		colAddress,
		colUsername,
		colPassword,
		colMake,
		colModel,
		colSerial,
		streamColumn(camera.RoleMain),
		profileColumn(camera.RoleMain, "codec", func(p *camera.StreamProfile) string { return p.Codec }),
		profileColumn(camera.RoleMain, "resolution", resolution),
		profileColumn(camera.RoleMain, "fps", frameRate),
		streamColumn(camera.RoleSub),
		profileColumn(camera.RoleSub, "codec", func(p *camera.StreamProfile) string { return p.Codec }),
		profileColumn(camera.RoleSub, "resolution", resolution),
		profileColumn(camera.RoleSub, "fps", frameRate),
		profileColumn(camera.RoleSub, "bitrate", bitrate),
		colSuccess,
		colErrors,
	},
}

// Write renders records as CSV using the export schema.
func Write(w io.Writer, records []camera.Record) error {
	return WriteSchema(w, Export, records)
}

// WriteSchema renders records as CSV with a header row.
func WriteSchema(w io.Writer, s Schema, records []camera.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(s.Headers()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i := range records {
		if err := cw.Write(s.Row(&records[i])); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read parses CSV with the template schema. Columns are matched by header
// name, case-insensitively, so an exported file can be read back. Unknown
// columns are ignored.
func Read(r io.Reader) ([]camera.Record, error) {
	return ReadSchema(r, Template)
}

// ReadSchema parses CSV with the settable columns of s.
func ReadSchema(r io.Reader, s Schema) ([]camera.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[int]Column)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, c := range s.Columns {
			if c.Set != nil && c.Name == name {
				index[i] = c
			}
		}
	}

	var records []camera.Record
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if blank(row) {
			continue
		}

		rec, err := rowToRecord(row, index)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func rowToRecord(row []string, index map[int]Column) (camera.Record, error) {
	rec := camera.Record{Source: camera.SourceImport}
	for i, v := range row {
		c, ok := index[i]
		if !ok {
			continue
		}
		if err := c.Set(&rec, strings.TrimSpace(v)); err != nil {
			return camera.Record{}, err
		}
	}

	switch {
	case rec.Key != "":
		if rec.Host == "" {
			rec.Host = camera.HostOf(rec.Key)
		}
	case rec.Host != "":
		rec.Key = rec.Host
	default:
		return camera.Record{}, ErrNoAddress
	}
	return rec, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
