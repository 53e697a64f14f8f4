// Package api provides the HTTP API for the camera scanner service.
package api

import (
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
)

// StartPipelineRequest represents the request body for starting a pipeline run.
// Reference: ADR-007 Discovery Acquisition Model
type StartPipelineRequest struct {
	ScanID      string              `json:"scan_id" binding:"omitempty,uuid"`
	Credentials []camera.Credential `json:"credentials"`
	RangeStart  string              `json:"range_start" binding:"omitempty,ip"`
	RangeEnd    string              `json:"range_end" binding:"omitempty,ip"`
	VerifyOnly  bool                `json:"verify_only"`
	ProgressURL string              `json:"progress_url" binding:"omitempty,url"`
	CompleteURL string              `json:"complete_url" binding:"omitempty,url"`
}

// StopPipelineRequest represents the request body for stopping a run.
type StopPipelineRequest struct {
	ScanID string `json:"scan_id" binding:"required,uuid"`
}

// CameraResponse is one camera in API listings. Passwords are never returned.
type CameraResponse struct {
	Key        string                 `json:"key"`
	Source     camera.Source          `json:"source"`
	Host       string                 `json:"host"`
	Username   string                 `json:"username,omitempty"`
	Make       string                 `json:"make,omitempty"`
	Model      string                 `json:"model,omitempty"`
	Serial     string                 `json:"serial,omitempty"`
	Identified bool                   `json:"identified"`
	Success    bool                   `json:"success"`
	Profiles   []camera.StreamProfile `json:"profiles,omitempty"`
	Errors     string                 `json:"errors,omitempty"`
}

func toCameraResponse(rec camera.Record) CameraResponse {
	return CameraResponse{
		Key:        rec.Key,
		Source:     rec.Source,
		Host:       rec.Host,
		Username:   rec.Username,
		Make:       rec.Make,
		Model:      rec.Model,
		Serial:     rec.Serial,
		Identified: rec.Identified,
		Success:    rec.Successful(),
		Profiles:   rec.Profiles,
		Errors:     rec.ErrorText(),
	}
}
