// Package pathscan recovers stream URLs of devices that expose RTSP but no
// ONVIF profile, by trying known path templates with candidate credentials.
package pathscan

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/rtsp"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/scanner"
)

const defaultTimeout = 3 * time.Second

// ErrorNoPath is recorded on devices where no template answered.
const ErrorNoPath = "no known stream path was accepted by the RTSP server"

var (
	// DefaultMainPaths are vendor-common main stream paths, tried after the
	// paths learned from identified devices.
	DefaultMainPaths = []string{
		"/Streaming/Channels/101",
		"/cam/realmonitor?channel=1&subtype=0",
		"/h264Preview_01_main",
		"/stream1",
		"/live/ch00_0",
		"/axis-media/media.amp",
		"/profile1",
		"/onvif1",
		"/live/main",
		"/11",
	}
	// DefaultSubPaths are the sub stream counterparts of DefaultMainPaths.
	DefaultSubPaths = []string{
		"/Streaming/Channels/102",
		"/cam/realmonitor?channel=1&subtype=1",
		"/h264Preview_01_sub",
		"/stream2",
		"/live/ch00_1",
		"/axis-media/media.amp?resolution=640x360",
		"/profile2",
		"/onvif2",
		"/live/sub",
		"/12",
	}
)

// ProbeFunc checks one candidate URL. It returns whether the server accepted
// it and the server banner, if any.
type ProbeFunc func(ctx context.Context, rawURL string, timeout time.Duration) (bool, string)

// Describe is the default ProbeFunc: an RTSP DESCRIBE answered with 200.
func Describe(ctx context.Context, rawURL string, timeout time.Duration) (bool, string) {
	c, err := rtsp.Dial(ctx, rawURL, timeout)
	if err != nil {
		return false, ""
	}
	defer c.Close()

	resp, err := c.Describe(ctx)
	if err != nil || resp == nil {
		return false, ""
	}
	return resp.StatusCode == 200, resp.Server()
}

// Result summarizes one Scan run.
type Result struct {
	Matched   []string `json:"matched"`
	Unmatched []string `json:"unmatched"`
}

// Scanner brute-forces stream paths against the registry's RTSP-only devices.
type Scanner struct {
	registry      *camera.Registry
	timeout       time.Duration
	workers       int
	mainFallback  []string
	subFallback   []string
	fingerprinter *scanner.Fingerprinter
	probe         ProbeFunc
	logger        *zap.SugaredLogger
	tracker       progress.Tracker
}

// New creates a path scanner over reg.
func New(reg *camera.Registry, cfg config.PathScanConfig, logger *zap.SugaredLogger) *Scanner {
	s := &Scanner{
		registry:      reg,
		timeout:       defaultTimeout,
		workers:       cfg.Workers,
		mainFallback:  DefaultMainPaths,
		subFallback:   DefaultSubPaths,
		fingerprinter: scanner.NewFingerprinter(),
		probe:         Describe,
		logger:        logger,
	}
	if cfg.Timeout > 0 {
		s.timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	if len(cfg.MainPaths) > 0 {
		s.mainFallback = cfg.MainPaths
	}
	if len(cfg.SubPaths) > 0 {
		s.subFallback = cfg.SubPaths
	}
	return s
}

// SetProbe replaces the probe used for candidate URLs.
func (s *Scanner) SetProbe(p ProbeFunc) { s.probe = p }

// Progress returns the percentage of candidate URLs tried.
func (s *Scanner) Progress() int { return s.tracker.Progress() }

// IsComplete reports whether the run finished.
func (s *Scanner) IsComplete() bool { return s.tracker.IsComplete() }

// Count returns the candidate URLs tried.
func (s *Scanner) Count() int { return s.tracker.Count() }

// Total returns the candidate URLs planned.
func (s *Scanner) Total() int { return s.tracker.Total() }

// Templates builds the main and sub template lists: paths observed on
// identified devices first, in registry order, then the fallbacks.
func (s *Scanner) Templates() (main, sub []string) {
	var learnedMain, learnedSub []string
	for _, rec := range s.registry.Identified() {
		if p := rec.Profile(camera.RoleMain); p != nil {
			if t := rtsp.Template(p.URI); t != "" {
				learnedMain = append(learnedMain, t)
			}
		}
		if p := rec.Profile(camera.RoleSub); p != nil {
			if t := rtsp.Template(p.URI); t != "" {
				learnedSub = append(learnedSub, t)
			}
		}
	}
	return dedupe(learnedMain, s.mainFallback), dedupe(learnedSub, s.subFallback)
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

type job struct {
	key   string
	role  camera.Role
	index int
	url   string
}

type hit struct {
	index  int
	path   string
	server string
}

// Scan tries every credential, in order, against every device that has an
// open RTSP port and no profile. For each device and role the lowest-index
// template that answers wins; the first credential yielding any match is
// attached to the device. With no credentials, anonymous access is tried.
func (s *Scanner) Scan(ctx context.Context, creds []camera.Credential) Result {
	s.tracker.Reset(0)
	defer s.tracker.Finish()

	var result Result
	targets := s.registry.Filter(func(r *camera.Record) bool {
		return r.RTSPPort > 0 && len(r.Profiles) == 0
	})
	if len(targets) == 0 {
		return result
	}
	if len(creds) == 0 {
		creds = []camera.Credential{{}}
	}

	mainPaths, subPaths := s.Templates()
	s.logger.Infow("Starting stream path scan", "devices", len(targets), "main_templates", len(mainPaths), "sub_templates", len(subPaths))

	for _, cred := range creds {
		if len(targets) == 0 || ctx.Err() != nil {
			break
		}
		hits := s.pass(ctx, targets, cred, mainPaths, subPaths)

		var unmatched []camera.Record
		for _, t := range targets {
			byRole, ok := hits[t.Key]
			if !ok {
				unmatched = append(unmatched, t)
				continue
			}
			s.apply(t, cred, byRole)
			result.Matched = append(result.Matched, t.Key)
		}
		targets = unmatched
	}

	for _, t := range targets {
		s.registry.Update(t.Key, func(r *camera.Record) {
			r.ClearStage(camera.StagePathScan)
			r.AddStageError(camera.StagePathScan, ErrorNoPath)
		})
		result.Unmatched = append(result.Unmatched, t.Key)
	}

	s.logger.Infow("Stream path scan finished", "matched", len(result.Matched), "unmatched", len(result.Unmatched))
	return result
}

func (s *Scanner) poolSize(targets int) int {
	n := s.workers
	if n <= 0 {
		n = 2 * runtime.NumCPU()
		if n > targets {
			n = targets
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// pass probes every target, role and template with one credential and
// returns the winning template per device and role.
func (s *Scanner) pass(ctx context.Context, targets []camera.Record, cred camera.Credential, mainPaths, subPaths []string) map[string]map[camera.Role]hit {
	var jobs []job
	for _, t := range targets {
		for i, p := range mainPaths {
			jobs = append(jobs, job{key: t.Key, role: camera.RoleMain, index: i, url: rtsp.Build(t.Host, t.RTSPPort, cred.Username, cred.Password, p)})
		}
		for i, p := range subPaths {
			jobs = append(jobs, job{key: t.Key, role: camera.RoleSub, index: i, url: rtsp.Build(t.Host, t.RTSPPort, cred.Username, cred.Password, p)})
		}
	}
	s.tracker.AddTotal(len(jobs))

	templates := map[camera.Role][]string{camera.RoleMain: mainPaths, camera.RoleSub: subPaths}
	hits := make(map[string]map[camera.Role]hit)
	var mu sync.Mutex

	// beaten reports whether a lower-index template already matched.
	beaten := func(j job) bool {
		mu.Lock()
		defer mu.Unlock()
		h, ok := hits[j.key][j.role]
		return ok && h.index < j.index
	}

	jobChan := make(chan job)
	var workerWg sync.WaitGroup
	for i := 0; i < s.poolSize(len(targets)); i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for j := range jobChan {
				if !beaten(j) {
					if ok, server := s.probe(ctx, j.url, s.timeout); ok {
						mu.Lock()
						if h, seen := hits[j.key][j.role]; !seen || j.index < h.index {
							if hits[j.key] == nil {
								hits[j.key] = make(map[camera.Role]hit)
							}
							hits[j.key][j.role] = hit{index: j.index, path: templates[j.role][j.index], server: server}
						}
						mu.Unlock()
					}
				}
				s.tracker.Inc()
			}
		}()
	}

feedLoop:
	for _, j := range jobs {
		select {
		case jobChan <- j:
		case <-ctx.Done():
			break feedLoop
		}
	}
	close(jobChan)
	workerWg.Wait()

	return hits
}

func (s *Scanner) apply(t camera.Record, cred camera.Credential, byRole map[camera.Role]hit) {
	var banner string
	for _, role := range []camera.Role{camera.RoleMain, camera.RoleSub} {
		if h, ok := byRole[role]; ok && banner == "" {
			banner = h.server
		}
	}
	fp := s.fingerprinter.Identify(banner)

	s.registry.Update(t.Key, func(r *camera.Record) {
		r.ClearStage(camera.StagePathScan)
		for _, role := range []camera.Role{camera.RoleMain, camera.RoleSub} {
			h, ok := byRole[role]
			if !ok {
				continue
			}
			r.SetProfile(camera.StreamProfile{
				Role: role,
				Name: string(role),
				URI:  rtsp.Build(t.Host, t.RTSPPort, "", "", h.path),
			})
		}
		r.SetCredential(cred)
		r.RTSPPort = 0
		if r.Make == "" && fp.Known() {
			r.Make = fp.Vendor
			if r.Model == "" {
				r.Model = fp.Product
			}
		}
	})

	s.logger.Infow("Stream path found", "device", t.Key, "username", cred.Username, "roles", len(byRole), "server", banner)
}
