package inventory

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

func identifiedRecord() camera.Record {
	rec := camera.NewEndpointRecord("http://192.168.1.64/onvif/device_service", camera.SourceDiscovery)
	rec.SetCredential(camera.Credential{Username: "admin", Password: "p,a\"ss"})
	rec.Identified = true
	rec.Make, rec.Model, rec.Serial = "Hikvision", "DS-2CD2043", "SN123"
	rec.SetProfile(camera.StreamProfile{Role: camera.RoleMain, URI: "rtsp://192.168.1.64:554/Streaming/Channels/101", Codec: "H264", Width: 1920, Height: 1080, FrameRate: 25})
	rec.SetProfile(camera.StreamProfile{Role: camera.RoleSub, URI: "rtsp://192.168.1.64:554/Streaming/Channels/102?transportmode=unicast", Codec: "H264", Width: 640, Height: 360, FrameRate: 12.5, Bitrate: 512})
	rec.AddError("stream rtsp://192.168.1.64:554/x did not respond within 5s")
	return rec
}

func TestExportColumns(t *testing.T) {
	rec := identifiedRecord()
	row := Export.Row(&rec)
	require.Len(t, row, len(Export.Headers()))

	byName := make(map[string]string)
	for i, h := range Export.Headers() {
		byName[h] = row[i]
	}
	assert.Equal(t, "192.168.1.64", byName["host"])
	assert.Equal(t, "1920x1080", byName["main_resolution"])
	assert.Equal(t, "12.5", byName["sub_fps"])
	assert.Equal(t, "512", byName["sub_bitrate"])
	assert.Equal(t, "false", byName["success"])
	assert.True(t, strings.HasPrefix(byName["errors"], "1. stream"))
}

func TestExportThenImportRoundTrip(t *testing.T) {
	portScanned := camera.NewHostRecord("192.168.1.70", 8554)
	portScanned.SetCredential(camera.Credential{Username: "root", Password: "pass"})
	portScanned.SetProfile(camera.StreamProfile{Role: camera.RoleSub, URI: "rtsp://192.168.1.70:8554/live/ch00_1"})

	records := []camera.Record{identifiedRecord(), portScanned}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, records))

	imported, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, imported, len(records))

	for i, want := range records {
		got := imported[i]
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Host, got.Host)
		assert.Equal(t, want.Credential(), got.Credential())
		for _, role := range []camera.Role{camera.RoleMain, camera.RoleSub} {
			if p := want.Profile(role); p != nil {
				require.NotNil(t, got.Profile(role), "%s %s", want.Key, role)
				assert.Equal(t, p.URI, got.Profile(role).URI)
			} else {
				assert.Nil(t, got.Profile(role))
			}
		}
		assert.Equal(t, camera.SourceImport, got.Source)
		assert.True(t, got.Successful())
	}
}

func TestReadTemplate(t *testing.T) {
	in := "Host,RTSP_Port,Username,Password,Main_Stream,Sub_Stream,notes\n" +
		"10.0.0.5,8554,admin,12345,,rtsp://10.0.0.5:8554/sub,lobby\n" +
		",,,,,,\n" +
		"10.0.0.6,,,,,,\n"

	records, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "10.0.0.5", records[0].Key)
	assert.Equal(t, 8554, records[0].RTSPPort)
	assert.Equal(t, "admin", records[0].Username)
	assert.Nil(t, records[0].Profile(camera.RoleMain))
	assert.Equal(t, "rtsp://10.0.0.5:8554/sub", records[0].Profile(camera.RoleSub).URI)

	assert.Equal(t, "10.0.0.6", records[1].Host)
	assert.Zero(t, records[1].RTSPPort)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(strings.NewReader("host,rtsp_port\n10.0.0.5,notaport\n"))
	assert.ErrorContains(t, err, "line 2")

	_, err = Read(strings.NewReader("username\nadmin\n"))
	assert.ErrorIs(t, err, ErrNoAddress)

	records, err := Read(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, records)
}
