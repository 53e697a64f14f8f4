// Package pipeline sequences the camera phases (discovery, port scan,
// identification, path scan, verification) as one asynchronous run with
// progress callbacks and a completion report.
// Reference: ADR-007 Discovery Acquisition Model
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/callback"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/discovery"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/identify"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/metrics"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/onvif"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/pathscan"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/probe"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/scanner"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/store"
)

const defaultReportInterval = 10 * time.Second

// Run states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while one is active.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrImporting is returned while an inventory import is being applied.
	ErrImporting = errors.New("inventory import in progress")
)

// Request configures one run.
type Request struct {
	ScanID string
	// Credentials are tried in order. Empty means the configured list.
	Credentials []camera.Credential
	// RangeStart and RangeEnd restrict the port scan. Empty means the local subnets.
	RangeStart string
	RangeEnd   string
	// VerifyOnly skips every phase but stream verification, for imported inventories.
	VerifyOnly  bool
	ProgressURL string
	CompleteURL string
	APIKey      string
}

// Summary counts the outcome of each phase of the last run.
type Summary struct {
	Discovered     int `json:"discovered"`
	OnvifEndpoints int `json:"onvif_endpoints"`
	RTSPHosts      int `json:"rtsp_hosts"`
	Identified     int `json:"identified"`
	Unauthorized   int `json:"unauthorized"`
	PathsMatched   int `json:"paths_matched"`
	PathsUnmatched int `json:"paths_unmatched"`
	Verified       int `json:"verified"`
	VerifyFailed   int `json:"verify_failed"`
	Cameras        int `json:"cameras"`
}

// Status is a point-in-time view of the service.
type Status struct {
	ScanID     string                               `json:"scan_id,omitempty"`
	State      string                               `json:"state"`
	Running    bool                                 `json:"running"`
	Phase      progress.Phase                       `json:"phase,omitempty"`
	Phases     map[progress.Phase]progress.Snapshot `json:"phases"`
	Summary    Summary                              `json:"summary"`
	Error      string                               `json:"error,omitempty"`
	StartedAt  time.Time                            `json:"started_at,omitempty"`
	FinishedAt time.Time                            `json:"finished_at,omitempty"`
}

// EventPublisher emits one event per camera at the end of a run.
type EventPublisher interface {
	SetScanID(id string)
	PublishCamera(rec camera.Record) error
}

// Store persists the inventory between runs.
type Store interface {
	SaveAll(records []camera.Record) error
	SaveRun(run store.Run) error
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher sets the event publisher.
func WithPublisher(p EventPublisher) Option { return func(s *Service) { s.publisher = p } }

// WithStore sets the inventory store.
func WithStore(st Store) Option { return func(s *Service) { s.store = st } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClients replaces the ONVIF client factory.
func WithClients(f identify.ClientFactory) Option { return func(s *Service) { s.clients = f } }

type phase struct {
	name     progress.Phase
	reporter progress.Reporter
	run      func(ctx context.Context, job *job) error
}

type job struct {
	req   Request
	creds []camera.Credential
	hosts []string
}

// Service owns the registry and runs the phases over it.
type Service struct {
	cfg      *config.Config
	registry *camera.Registry
	logger   *zap.SugaredLogger
	interval time.Duration

	discovery *discovery.Engine
	scanner   *scanner.Scanner
	enquirer  *identify.Enquirer
	paths     *pathscan.Scanner
	prober    *probe.Prober

	clients   identify.ClientFactory
	publisher EventPublisher
	store     Store
	metrics   *metrics.Metrics

	mu        sync.Mutex
	running   bool
	importing bool
	cancel    context.CancelFunc
	done      chan struct{}
	reporter  *callback.Reporter
	status    Status
}

// New wires every phase over reg.
func New(cfg *config.Config, reg *camera.Registry, logger *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		interval: defaultReportInterval,
		status:   Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Callback.Interval > 0 {
		s.interval = time.Duration(cfg.Callback.Interval) * time.Millisecond
	}
	if s.clients == nil {
		s.clients = identify.OnvifClients(onvif.Config{
			Timeout: time.Duration(cfg.Onvif.Timeout) * time.Millisecond,
		}, logger)
	}

	s.discovery = discovery.New(cfg.Discovery, logger)
	s.discovery.OnResponse(s.metrics.DiscoveryResponse)
	s.scanner = scanner.New(cfg.Scanner, logger)
	s.enquirer = identify.New(reg, cfg.Identify, s.clients, logger)
	s.paths = pathscan.New(reg, cfg.PathScan, logger)
	s.prober = probe.New(cfg.Probe, logger)
	return s
}

func (s *Service) phases() []phase {
	return []phase{
		{progress.PhaseDiscovery, s.discovery, s.runDiscovery},
		{progress.PhaseScan, s.scanner, s.runScan},
		{progress.PhaseIdentify, s.enquirer, s.runIdentify},
		{progress.PhasePathScan, s.paths, s.runPathScan},
		{progress.PhaseVerify, s.prober, s.runVerify},
	}
}

// Start validates req and begins a run in the background.
func (s *Service) Start(req Request) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.importing {
		s.mu.Unlock()
		return ErrImporting
	}

	j, err := s.prepare(req)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if j.req.ScanID == "" {
		j.req.ScanID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.reporter = callback.NewReporter(j.req.ScanID, req.ProgressURL, req.CompleteURL, req.APIKey, s.logger)
	s.status = Status{ScanID: j.req.ScanID, State: StateRunning, Running: true, StartedAt: time.Now().UTC()}
	if s.publisher != nil {
		s.publisher.SetScanID(j.req.ScanID)
	}
	reporter := s.reporter
	done := s.done
	s.mu.Unlock()

	s.logger.Infow("Starting camera pipeline",
		"scan_id", j.req.ScanID,
		"credentials", len(j.creds),
		"range_start", req.RangeStart,
		"range_end", req.RangeEnd,
		"verify_only", req.VerifyOnly,
	)

	if err := reporter.ReportProgress("initializing", 0, nil, "Starting camera pipeline"); err != nil {
		s.logger.Warnw("Failed to report initial progress", "error", err)
	}

	go s.run(ctx, j, reporter, done)
	return nil
}

func (s *Service) prepare(req Request) (*job, error) {
	j := &job{req: req, creds: req.Credentials}
	if len(j.creds) == 0 {
		creds, err := s.cfg.Credentials.Resolve()
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		}
		j.creds = creds
	}

	if req.VerifyOnly || (req.RangeStart == "" && req.RangeEnd == "") {
		return j, nil
	}
	start, end := req.RangeStart, req.RangeEnd
	if start == "" {
		start = end
	}
	if end == "" {
		end = start
	}
	hosts, err := scanner.HostsInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("invalid scan range: %w", err)
	}
	j.hosts = hosts
	return j, nil
}

// Stop cancels the active run. The run finishes its current attempts and
// reports a cancelled status.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running && s.cancel != nil {
		s.logger.Infow("Stopping camera pipeline", "scan_id", s.status.ScanID)
		s.cancel()
	}
}

// Wait blocks until the current run, if any, has finished.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// IsRunning reports whether a run is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the run state with live per-phase progress.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()

	st.Phases = s.snapshots()
	return st
}

func (s *Service) snapshots() map[progress.Phase]progress.Snapshot {
	out := make(map[progress.Phase]progress.Snapshot)
	for _, p := range s.phases() {
		out[p.name] = progress.Take(p.reporter)
	}
	return out
}

// Inventory returns a copy of every record.
func (s *Service) Inventory() []camera.Record {
	return s.registry.Snapshot()
}

// Import loads records into the registry, replacing records with the same
// key, and persists the result. It is refused while a run is active, and
// runs cannot start until it returns.
func (s *Service) Import(records []camera.Record) (int, error) {
	s.mu.Lock()
	switch {
	case s.running:
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	case s.importing:
		s.mu.Unlock()
		return 0, ErrImporting
	}
	s.importing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.importing = false
		s.mu.Unlock()
	}()

	n := s.registry.Import(records)
	s.metrics.SetCameras(s.registry.Len())
	if s.store != nil {
		if err := s.store.SaveAll(s.registry.Snapshot()); err != nil {
			return n, fmt.Errorf("failed to persist imported cameras: %w", err)
		}
	}
	s.logger.Infow("Imported cameras", "count", n, "registry_size", s.registry.Len())
	return n, nil
}

func (s *Service) run(ctx context.Context, j *job, reporter *callback.Reporter, done chan struct{}) {
	defer close(done)

	phases := s.phases()
	if j.req.VerifyOnly {
		phases = phases[len(phases)-1:]
	}

	progressDone := make(chan struct{})
	go s.reportLoop(ctx, reporter, phases, progressDone)

	for i, p := range phases {
		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		s.status.Phase = p.name
		s.mu.Unlock()

		if err := p.run(ctx, j); err != nil {
			close(progressDone)
			s.finish(reporter, StateFailed, fmt.Sprintf("%s failed: %v", p.name, err))
			return
		}

		reporter.SetCameraCount(s.registry.Len())
		pct := (i + 1) * 100 / len(phases)
		if pct > 99 {
			pct = 99 // Reserve 100 for completion
		}
		msg := fmt.Sprintf("Finished %s (%d cameras known)", p.name, s.registry.Len())
		if err := reporter.ReportProgress(string(p.name), pct, s.snapshots(), msg); err != nil {
			s.logger.Debugw("Failed to report phase progress", "phase", p.name, "error", err)
		}
	}

	close(progressDone)

	if ctx.Err() != nil {
		s.finish(reporter, StateCancelled, "Pipeline was cancelled")
		return
	}
	s.finish(reporter, StateCompleted, "")
}

// reportLoop sends a progress callback every interval so the UI stays updated.
func (s *Service) reportLoop(ctx context.Context, reporter *callback.Reporter, phases []phase, done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			current := s.status.Phase
			s.mu.Unlock()

			pct := 0
			for i, p := range phases {
				if p.name == current {
					pct = (i*100 + p.reporter.Progress()) / len(phases)
				}
			}
			if pct > 99 {
				pct = 99
			}
			reporter.SetCameraCount(s.registry.Len())
			_ = reporter.ReportProgress(string(current), pct, s.snapshots(), "")
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runDiscovery(ctx context.Context, _ *job) error {
	if !s.cfg.Discovery.Enabled {
		s.logger.Debugw("Discovery disabled, skipping")
		return nil
	}
	n := s.discovery.Discover(ctx, s.registry)
	s.updateSummary(func(sum *Summary) { sum.Discovered = n })
	return nil
}

func (s *Service) runScan(ctx context.Context, j *job) error {
	s.scanner.ResetProgress()
	defer s.scanner.FinishProgress()

	hosts := j.hosts
	if hosts == nil {
		local, err := scanner.LocalHosts()
		if err != nil {
			s.logger.Errorw("Failed to enumerate local subnets", "error", err)
			return fmt.Errorf("failed to enumerate local subnets: %w", err)
		}
		hosts = local
	}

	endpoints := s.scanner.FindOnvifEndpoints(ctx, hosts, s.registry)
	rtspHosts := s.scanner.FindRTSPHosts(ctx, hosts, s.registry)
	s.metrics.ConnectAttempts(s.scanner.Count())

	s.updateSummary(func(sum *Summary) {
		sum.OnvifEndpoints = endpoints
		sum.RTSPHosts = rtspHosts
	})
	return nil
}

func (s *Service) runIdentify(ctx context.Context, j *job) error {
	res := s.enquirer.Enquire(ctx, j.creds)
	s.metrics.Identified(len(res.Identified), len(res.Unauthorized))
	s.updateSummary(func(sum *Summary) {
		sum.Identified = len(res.Identified)
		sum.Unauthorized = len(res.Unauthorized)
	})
	return nil
}

func (s *Service) runPathScan(ctx context.Context, j *job) error {
	res := s.paths.Scan(ctx, j.creds)
	s.metrics.PathScanned(len(res.Matched), len(res.Unmatched))
	s.updateSummary(func(sum *Summary) {
		sum.PathsMatched = len(res.Matched)
		sum.PathsUnmatched = len(res.Unmatched)
	})
	return nil
}

func (s *Service) runVerify(ctx context.Context, _ *job) error {
	res := s.prober.ProbeAll(ctx, s.registry)
	s.metrics.StreamsProbed(res.OK, res.Failed)
	s.updateSummary(func(sum *Summary) {
		sum.Verified = res.OK
		sum.VerifyFailed = res.Failed
	})
	return nil
}

func (s *Service) updateSummary(fn func(*Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status.Summary)
}

func (s *Service) finish(reporter *callback.Reporter, state, errorMsg string) {
	records := s.registry.Snapshot()

	if s.publisher != nil && state == StateCompleted {
		failed := 0
		for _, rec := range records {
			if err := s.publisher.PublishCamera(rec); err != nil {
				failed++
				s.logger.Warnw("Failed to publish camera event", "camera", rec.Key, "error", err)
			}
		}
		if failed > 0 {
			s.logger.Warnw("Some camera events were not published", "failed", failed, "total", len(records))
		}
	}

	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.status.Running = false
	s.status.State = state
	s.status.Error = errorMsg
	s.status.FinishedAt = time.Now().UTC()
	s.status.Summary.Cameras = len(records)
	st := s.status
	s.reporter = nil
	if s.publisher != nil {
		s.publisher.SetScanID("")
	}
	s.mu.Unlock()

	s.metrics.SetCameras(len(records))
	s.metrics.RunFinished(state)

	if s.store != nil {
		if err := s.store.SaveAll(records); err != nil {
			s.logger.Errorw("Failed to persist cameras", "error", err)
		}
		run := store.Run{
			ScanID:     st.ScanID,
			Status:     state,
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
			Cameras:    len(records),
			Verified:   st.Summary.Verified,
		}
		if err := s.store.SaveRun(run); err != nil {
			s.logger.Errorw("Failed to persist run", "error", err)
		}
	}

	reporter.SetCameraCount(len(records))
	if err := reporter.ReportComplete(state, st.Summary.Verified, errorMsg); err != nil {
		s.logger.Errorw("Failed to report completion", "error", err)
	}

	s.logger.Infow("Camera pipeline finished",
		"scan_id", st.ScanID,
		"status", state,
		"cameras", len(records),
		"identified", st.Summary.Identified,
		"verified", st.Summary.Verified,
	)
}
