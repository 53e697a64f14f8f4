// Package probe validates stream URLs by opening a session under a hard time
// budget and reading the video properties the server advertises.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/rtsp"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultCleanupGrace = time.Second
	defaultConcurrency  = 4
)

// Status classifies a probe outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusNoVideo  Status = "no_video"
	StatusTimedOut Status = "timed_out"
	StatusFailed   Status = "failed"
)

// Outcome is the result of one probe.
type Outcome struct {
	Status Status
	Info   rtsp.VideoInfo
	Err    error
}

// Session is an open stream.
type Session interface {
	// Video returns the properties of the first video track, if any.
	Video() (rtsp.VideoInfo, bool)
	// Stop releases the session.
	Stop() error
}

// Grabber opens stream sessions.
type Grabber interface {
	Start(ctx context.Context, rawURL string) (Session, error)
}

// Result summarizes one ProbeAll run.
type Result struct {
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Prober runs probes with a start goroutine and a separate cleanup goroutine
// per attempt.
type Prober struct {
	grabber      Grabber
	timeout      time.Duration
	cleanupGrace time.Duration
	concurrency  int
	logger       *zap.SugaredLogger
	tracker      progress.Tracker
}

// New creates a Prober using the configured backend.
func New(cfg config.ProbeConfig, logger *zap.SugaredLogger) *Prober {
	p := &Prober{
		timeout:      DefaultTimeout,
		cleanupGrace: DefaultCleanupGrace,
		concurrency:  cfg.Concurrency,
		logger:       logger,
	}
	if cfg.Timeout > 0 {
		p.timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	if cfg.CleanupGrace > 0 {
		p.cleanupGrace = time.Duration(cfg.CleanupGrace) * time.Millisecond
	}
	if p.concurrency <= 0 {
		p.concurrency = defaultConcurrency
	}

	switch cfg.Backend {
	case "ffprobe":
		p.grabber = FFProbe{Path: cfg.FFProbePath}
	default:
		p.grabber = RTSPGrabber{Timeout: p.timeout}
	}
	return p
}

// SetGrabber replaces the session backend.
func (p *Prober) SetGrabber(g Grabber) { p.grabber = g }

// Progress returns the percentage of records probed.
func (p *Prober) Progress() int { return p.tracker.Progress() }

// IsComplete reports whether the run finished.
func (p *Prober) IsComplete() bool { return p.tracker.IsComplete() }

// Count returns the records probed.
func (p *Prober) Count() int { return p.tracker.Count() }

// Total returns the records to probe.
func (p *Prober) Total() int { return p.tracker.Total() }

type started struct {
	session Session
	err     error
}

// Probe opens rawURL and waits at most the configured timeout. The session
// is always released on a cleanup goroutine; the caller waits for it at most
// the cleanup grace period.
func (p *Prober) Probe(ctx context.Context, rawURL string) Outcome {
	startCtx, cancel := context.WithCancel(context.Background())

	var flagged atomic.Bool
	done := make(chan started, 1)
	go func() {
		s, err := p.grabber.Start(startCtx, rawURL)
		if err == nil {
			flagged.Store(true)
		}
		done <- started{session: s, err: err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	var outcome Outcome
	var res started
	select {
	case res = <-done:
		outcome = classify(res)
		p.release(cancel, func() started { return res })
		return outcome

	case <-timer.C:
		if flagged.Load() {
			p.logger.Debugw("Stream started as the probe timed out", "url", rtsp.StripCredentials(rawURL))
			res = <-done
			outcome = classify(res)
			p.release(cancel, func() started { return res })
			return outcome
		}
		outcome = Outcome{Status: StatusTimedOut, Err: fmt.Errorf("no response within %s", p.timeout)}

	case <-ctx.Done():
		outcome = Outcome{Status: StatusFailed, Err: ctx.Err()}
	}

	p.release(cancel, func() started { return <-done })
	return outcome
}

// release cancels the start attempt and stops its session on a separate
// goroutine, waiting at most the cleanup grace period.
func (p *Prober) release(cancel context.CancelFunc, result func() started) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		cancel()
		if r := result(); r.session != nil {
			if err := r.session.Stop(); err != nil {
				p.logger.Debugw("Failed to stop stream session", "error", err)
			}
		}
	}()

	select {
	case <-finished:
	case <-time.After(p.cleanupGrace):
		p.logger.Warnw("Stream session cleanup still running after grace period", "grace", p.cleanupGrace)
	}
}

func classify(r started) Outcome {
	if r.err != nil {
		return Outcome{Status: StatusFailed, Err: r.err}
	}
	info, ok := r.session.Video()
	if !ok {
		return Outcome{Status: StatusNoVideo, Err: errors.New("stream has no video track")}
	}
	return Outcome{Status: StatusOK, Info: info}
}

// ProbeAll probes the sub stream of every record that has one and records
// the measured properties or a user-facing error.
func (p *Prober) ProbeAll(ctx context.Context, reg *camera.Registry) Result {
	targets := reg.Filter(func(r *camera.Record) bool {
		sub := r.Profile(camera.RoleSub)
		return sub != nil && sub.URI != ""
	})
	p.tracker.Reset(len(targets))
	defer p.tracker.Finish()

	var ok, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, rec := range targets {
		rec := rec
		g.Go(func() error {
			defer p.tracker.Inc()
			if ctx.Err() != nil {
				return nil
			}
			if p.probeRecord(ctx, reg, rec) {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := Result{OK: int(ok.Load()), Failed: int(failed.Load()), Skipped: reg.Len() - len(targets)}
	p.logger.Infow("Stream verification finished", "ok", result.OK, "failed", result.Failed, "skipped", result.Skipped)
	return result
}

func (p *Prober) probeRecord(ctx context.Context, reg *camera.Registry, rec camera.Record) bool {
	sub := rec.Profile(camera.RoleSub)
	streamURL, err := rtsp.WithCredentials(sub.URI, rec.Username, rec.Password)
	if err != nil {
		reg.Update(rec.Key, func(r *camera.Record) {
			r.ClearStage(camera.StageVerify)
			r.AddStageError(camera.StageVerify, err.Error())
		})
		return false
	}

	outcome := p.Probe(ctx, streamURL)
	display := rtsp.StripCredentials(streamURL)

	reg.Update(rec.Key, func(r *camera.Record) {
		r.ClearStage(camera.StageVerify)
		switch outcome.Status {
		case StatusOK:
			prof := r.Profile(camera.RoleSub)
			if prof == nil {
				return
			}
			applyInfo(prof, outcome.Info)
		case StatusNoVideo:
			r.AddStageError(camera.StageVerify, "stream "+display+" has no video track")
		case StatusTimedOut:
			r.AddStageError(camera.StageVerify, fmt.Sprintf("stream %s did not respond within %s", display, p.timeout))
		default:
			r.AddStageError(camera.StageVerify, fmt.Sprintf("unable to open stream %s: %v", display, outcome.Err))
		}
	})

	if outcome.Status != StatusOK {
		p.logger.Infow("Stream verification failed", "device", rec.Key, "status", outcome.Status, "error", outcome.Err)
		return false
	}
	p.logger.Debugw("Stream verified", "device", rec.Key, "codec", outcome.Info.Codec, "width", outcome.Info.Width, "height", outcome.Info.Height)
	return true
}

// applyInfo copies measured values over the profile, keeping advertised
// values the stream did not report.
func applyInfo(prof *camera.StreamProfile, info rtsp.VideoInfo) {
	if info.Codec != "" {
		prof.Codec = info.Codec
	}
	if info.Width > 0 && info.Height > 0 {
		prof.Width, prof.Height = info.Width, info.Height
	}
	if info.FrameRate > 0 {
		prof.FrameRate = info.FrameRate
	}
	if info.Bitrate > 0 {
		prof.Bitrate = info.Bitrate
	}
}
