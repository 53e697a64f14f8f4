// Package identify rotates credentials over pending devices until each one
// completes the ONVIF identification chain.
package identify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/onvif"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
)

const defaultConcurrency = 8

// ErrorUnauthorized is recorded on devices no supplied credential unlocked.
const ErrorUnauthorized = "unauthorized: no supplied credential was accepted"

// DeviceClient is the subset of the ONVIF client the chain needs.
type DeviceClient interface {
	GetCapabilities(ctx context.Context) (onvif.Capabilities, error)
	GetSystemDateAndTime(ctx context.Context) (string, error)
	GetProfiles(ctx context.Context) ([]camera.StreamProfile, error)
	GetDeviceInformation(ctx context.Context) (onvif.DeviceInfo, error)
}

// ClientFactory opens a client for one device and one credential.
type ClientFactory func(endpoint string, cred camera.Credential) DeviceClient

// OnvifClients returns a factory producing real ONVIF clients.
func OnvifClients(cfg onvif.Config, logger *zap.SugaredLogger) ClientFactory {
	return func(endpoint string, cred camera.Credential) DeviceClient {
		return onvif.New(endpoint, cred, cfg, logger)
	}
}

// Result summarizes one Enquire run.
type Result struct {
	Identified   []string `json:"identified"`
	Unauthorized []string `json:"unauthorized"`
}

// Enquirer drives the identification chain across the registry.
type Enquirer struct {
	registry    *camera.Registry
	clients     ClientFactory
	concurrency int
	logger      *zap.SugaredLogger
	tracker     progress.Tracker
}

// New creates an Enquirer over reg.
func New(reg *camera.Registry, cfg config.IdentifyConfig, clients ClientFactory, logger *zap.SugaredLogger) *Enquirer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Enquirer{
		registry:    reg,
		clients:     clients,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Progress returns the percentage of planned attempts finished.
func (e *Enquirer) Progress() int { return e.tracker.Progress() }

// IsComplete reports whether the run finished.
func (e *Enquirer) IsComplete() bool { return e.tracker.IsComplete() }

// Count returns the finished attempts.
func (e *Enquirer) Count() int { return e.tracker.Count() }

// Total returns the planned attempts.
func (e *Enquirer) Total() int { return e.tracker.Total() }

// Enquire tries each credential, in order, against every device still
// pending. A device is identified only when the whole chain succeeds with
// one credential; it is then excluded from later passes. Devices left
// pending after the last credential are reported unauthorized.
func (e *Enquirer) Enquire(ctx context.Context, creds []camera.Credential) Result {
	initial := e.registry.Pending()
	e.tracker.Reset(len(initial) * len(creds))
	defer e.tracker.Finish()

	var result Result
	for i, cred := range creds {
		if ctx.Err() != nil {
			break
		}
		pending := e.registry.Pending()
		if len(pending) == 0 {
			break
		}

		e.logger.Infow("Identifying devices", "credential", i+1, "of", len(creds), "username", cred.Username, "pending", len(pending))

		remaining := len(creds) - i - 1
		var g errgroup.Group
		g.SetLimit(e.concurrency)
		for _, rec := range pending {
			key := rec.Key
			g.Go(func() error {
				if e.identify(ctx, key, cred) {
					for j := 0; j < remaining; j++ {
						e.tracker.Inc()
					}
				}
				e.tracker.Inc()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, rec := range initial {
		current, ok := e.registry.Get(rec.Key)
		if !ok {
			continue
		}
		if current.Identified {
			result.Identified = append(result.Identified, rec.Key)
			continue
		}
		e.registry.Update(rec.Key, func(r *camera.Record) {
			r.AddStageError(camera.StageIdentify, ErrorUnauthorized)
			r.ClearCredential()
		})
		result.Unauthorized = append(result.Unauthorized, rec.Key)
	}

	e.logger.Infow("Identification finished", "identified", len(result.Identified), "unauthorized", len(result.Unauthorized))
	return result
}

// identify runs the chain for one device and credential and records the
// outcome. It reports whether the device was identified.
func (e *Enquirer) identify(ctx context.Context, key string, cred camera.Credential) bool {
	if ctx.Err() != nil {
		return false
	}

	e.registry.Update(key, func(r *camera.Record) {
		r.ClearStage(camera.StageIdentify)
		r.SetCredential(cred)
	})

	client := e.clients(key, cred)
	profiles, info, err := chain(ctx, client)
	if err != nil {
		e.logger.Debugw("Identification failed", "device", key, "username", cred.Username, "error", err)
		e.registry.Update(key, func(r *camera.Record) {
			r.AddStageError(camera.StageIdentify, fmt.Sprintf("identification as %q failed: %v", cred.Username, err))
			r.ClearCredential()
		})
		return false
	}

	e.registry.Update(key, func(r *camera.Record) {
		r.Identified = true
		r.Make = info.Manufacturer
		r.Model = info.Model
		r.Serial = info.SerialNumber
		r.Profiles = nil
		for _, p := range profiles {
			r.SetProfile(p)
		}
	})
	e.logger.Infow("Device identified", "device", key, "make", info.Manufacturer, "model", info.Model, "profiles", len(profiles))
	return true
}

// chain runs the four calls in order and stops at the first failure.
func chain(ctx context.Context, c DeviceClient) ([]camera.StreamProfile, onvif.DeviceInfo, error) {
	if _, err := c.GetCapabilities(ctx); err != nil {
		return nil, onvif.DeviceInfo{}, err
	}
	if _, err := c.GetSystemDateAndTime(ctx); err != nil {
		return nil, onvif.DeviceInfo{}, err
	}
	profiles, err := c.GetProfiles(ctx)
	if err != nil {
		return nil, onvif.DeviceInfo{}, err
	}
	info, err := c.GetDeviceInformation(ctx)
	if err != nil {
		return nil, onvif.DeviceInfo{}, err
	}
	return profiles, info, nil
}
