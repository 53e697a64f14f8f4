// Package scanner implements concurrent TCP reachability scanning and the
// port-based camera discovery strategies built on it.
package scanner

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/progress"
)

const (
	defaultConcurrency = 64
	defaultTimeout     = 1500 * time.Millisecond
)

// DialFunc opens a connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Scanner performs TCP connect scans over host and port sets.
type Scanner struct {
	config  config.ScannerConfig
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	dial    DialFunc
	tracker progress.Tracker
}

// New creates a new Scanner instance.
func New(cfg config.ScannerConfig, logger *zap.SugaredLogger) *Scanner {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	var d net.Dialer
	return &Scanner{
		config:  cfg,
		logger:  logger,
		limiter: limiter,
		dial:    d.DialContext,
	}
}

// Progress returns the percentage of attempts completed.
func (s *Scanner) Progress() int { return s.tracker.Progress() }

// IsComplete reports whether every scheduled attempt finished.
func (s *Scanner) IsComplete() bool { return s.tracker.IsComplete() }

// Count returns the number of finished attempts.
func (s *Scanner) Count() int { return s.tracker.Count() }

// Total returns the number of scheduled attempts.
func (s *Scanner) Total() int { return s.tracker.Total() }

// ResetProgress clears the counters before a new scan phase.
func (s *Scanner) ResetProgress() { s.tracker.Reset(0) }

// FinishProgress marks the scan phase complete, including when it had no
// targets or was cancelled.
func (s *Scanner) FinishProgress() { s.tracker.Finish() }

func (s *Scanner) timeout() time.Duration {
	if s.config.Timeout > 0 {
		return time.Duration(s.config.Timeout) * time.Millisecond
	}
	return defaultTimeout
}

type target struct {
	host string
	port int
}

// Scan attempts a TCP connect to every host and port pair and returns the
// reachable ports of each host, sorted. Hosts without open ports are omitted.
// Successive calls accumulate into the same progress counters.
func (s *Scanner) Scan(ctx context.Context, hosts []string, ports []int) map[string][]int {
	open := make(map[string][]int)
	total := len(hosts) * len(ports)
	s.tracker.AddTotal(total)
	if total == 0 {
		return open
	}

	numWorkers := s.config.Concurrency
	if numWorkers <= 0 {
		numWorkers = defaultConcurrency
	}
	if numWorkers > total {
		numWorkers = total
	}

	s.logger.Debugw("Starting TCP scan", "hosts", len(hosts), "ports", ports, "workers", numWorkers)

	targetChan := make(chan target, numWorkers*2)
	var mu sync.Mutex
	var workerWg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		workerWg.Add(1)
		go func() {
			defer workerWg.Done()
			for t := range targetChan {
				if s.reachable(ctx, t.host, t.port) {
					mu.Lock()
					open[t.host] = append(open[t.host], t.port)
					mu.Unlock()
				}
				s.tracker.Inc()
			}
		}()
	}

feedLoop:
	for _, host := range hosts {
		if s.isExcluded(host) {
			for range ports {
				s.tracker.Inc()
			}
			continue
		}
		for _, port := range ports {
			select {
			case targetChan <- target{host: host, port: port}:
			case <-ctx.Done():
				break feedLoop
			}
		}
	}

	close(targetChan)
	workerWg.Wait()

	for host := range open {
		sort.Ints(open[host])
	}
	return open
}

// reachable reports whether a TCP connection could be established. Failures
// of any kind mean not reachable and are not retried.
func (s *Scanner) reachable(ctx context.Context, host string, port int) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	conn, err := s.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
