// Package sla tracks reservation processing latency, service uptime and
// queue depth against fixed service-level targets, and periodically
// appends a human-readable report to a text file.
package sla

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"library-reserve/pkg/logger"
)

// Service-level targets.
const (
	TargetP95        = 2 * time.Second
	TargetUptime     = 0.99
	TargetQueueDepth = 50
)

const minWindowSize = 1024

// Config controls the monitor's sampling windows and report cadence.
type Config struct {
	// WindowSize is the number of latency samples retained. Values below
	// 1024 are raised to 1024.
	WindowSize int

	HeartbeatInterval   time.Duration
	QueueSampleInterval time.Duration
	ReportInterval      time.Duration
	ReportPath          string

	// Report footer fields.
	Environment     string
	WorkerThreads   int
	CacheSize       int
	BatchInterval   time.Duration
	ProcessingDelay time.Duration
}

// DefaultConfig returns the monitor settings used when none are given.
func DefaultConfig() Config {
	return Config{
		WindowSize:          minWindowSize,
		HeartbeatInterval:   5 * time.Second,
		QueueSampleInterval: 5 * time.Second,
		ReportInterval:      30 * time.Minute,
		ReportPath:          "sla_report.txt",
		Environment:         "dev",
	}
}

// Snapshot is a point-in-time view of the latency window.
type Snapshot struct {
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
	Mean           time.Duration `json:"mean"`
	Count          int           `json:"count"`
	TotalProcessed int64         `json:"total_processed"`
	SLAMet         bool          `json:"sla_met"`
}

// Monitor collects samples from the workers and the API and evaluates
// them against the targets. All methods are safe for concurrent use.
type Monitor struct {
	cfg   Config
	depth func() int
	log   *logger.Logger

	mu             sync.Mutex
	samples        []time.Duration
	next           int
	count          int
	totalProcessed int64

	startedAt     time.Time
	lastHeartbeat time.Time
	downtime      time.Duration

	queueDepth int
	queuePeak  int

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a monitor. depth reports the live pending-queue depth and
// may be nil when no queue exists (the proxy process).
func New(cfg Config, depth func() int) *Monitor {
	if cfg.WindowSize < minWindowSize {
		cfg.WindowSize = minWindowSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.QueueSampleInterval <= 0 {
		cfg.QueueSampleInterval = 5 * time.Second
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = "sla_report.txt"
	}
	if depth == nil {
		depth = func() int { return 0 }
	}

	now := time.Now()
	return &Monitor{
		cfg:           cfg,
		depth:         depth,
		log:           logger.Get(),
		samples:       make([]time.Duration, cfg.WindowSize),
		startedAt:     now,
		lastHeartbeat: now,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Record adds one processing latency sample to the ring.
func (m *Monitor) Record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = d
	m.next = (m.next + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}
	m.totalProcessed++
}

// Latency evaluates the current window. An empty window reports zeros
// with the SLA considered met.
func (m *Monitor) Latency() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count == 0 {
		return Snapshot{SLAMet: true}
	}

	sorted := make([]time.Duration, m.count)
	copy(sorted, m.samples[:m.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	snap := Snapshot{
		P95:            percentile(sorted, 0.95),
		P99:            percentile(sorted, 0.99),
		Mean:           sum / time.Duration(m.count),
		Count:          m.count,
		TotalProcessed: m.totalProcessed,
	}
	snap.SLAMet = snap.P95 < TargetP95
	return snap
}

// percentile returns the nearest-rank value from an ascending slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Heartbeat records liveness. A gap longer than twice the heartbeat
// interval counts its excess over one interval as downtime.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	gap := now.Sub(m.lastHeartbeat)
	if gap > 2*m.cfg.HeartbeatInterval {
		m.downtime += gap - m.cfg.HeartbeatInterval
	}
	m.lastHeartbeat = now
}

// UptimeRatio returns the observed availability since startup in [0, 1].
func (m *Monitor) UptimeRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := m.now().Sub(m.startedAt)
	if elapsed <= 0 {
		return 1.0
	}
	up := elapsed - m.downtime
	if up < 0 {
		up = 0
	}
	return float64(up) / float64(elapsed)
}

// SampleQueueDepth polls the queue and keeps the rolling peak.
func (m *Monitor) SampleQueueDepth() {
	d := m.depth()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = d
	if d > m.queuePeak {
		m.queuePeak = d
	}
}

// QueueDepth returns the last sampled depth and the peak since startup.
func (m *Monitor) QueueDepth() (current, peak int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueDepth, m.queuePeak
}

// Start launches the heartbeat, queue sampling and report tickers.
func (m *Monitor) Start() {
	loops := []struct {
		interval time.Duration
		fn       func()
	}{
		{m.cfg.HeartbeatInterval, m.Heartbeat},
		{m.cfg.QueueSampleInterval, m.SampleQueueDepth},
	}
	if m.cfg.ReportInterval > 0 {
		loops = append(loops, struct {
			interval time.Duration
			fn       func()
		}{m.cfg.ReportInterval, func() {
			if err := m.WriteReport(); err != nil {
				m.log.Error("failed to write sla report", zap.Error(err))
			}
		}})
	}

	for _, l := range loops {
		m.wg.Add(1)
		go func(interval time.Duration, fn func()) {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					fn()
				case <-m.stopCh:
					return
				}
			}
		}(l.interval, l.fn)
	}

	m.log.Info("sla monitor started",
		zap.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		zap.Duration("report_interval", m.cfg.ReportInterval))
}

// Stop halts the background tickers.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// WriteReport appends one timestamped report block to the report file.
func (m *Monitor) WriteReport() error {
	report := m.renderReport(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.cfg.ReportPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(report); err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	m.log.Info("sla report generated", zap.String("path", m.cfg.ReportPath))
	return nil
}

func (m *Monitor) renderReport(now time.Time) string {
	lat := m.Latency()
	uptime := m.UptimeRatio() * 100
	depth, peak := m.QueueDepth()

	yesNo := func(ok bool) string {
		if ok {
			return "YES"
		}
		return "NO"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\nSLA Report - %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Environment: %s\n", m.cfg.Environment)
	b.WriteString("=====================================\n\n")

	fmt.Fprintf(&b, "Reservation Processing SLA (Target: 95%% < %g seconds):\n", TargetP95.Seconds())
	fmt.Fprintf(&b, "- 95th Percentile: %.3f seconds\n", lat.P95.Seconds())
	fmt.Fprintf(&b, "- 99th Percentile: %.3f seconds\n", lat.P99.Seconds())
	fmt.Fprintf(&b, "- Average Time: %.3f seconds\n", lat.Mean.Seconds())
	fmt.Fprintf(&b, "- Total Processed: %d\n", lat.TotalProcessed)
	fmt.Fprintf(&b, "- SLA Met: %s\n\n", yesNo(lat.SLAMet))

	fmt.Fprintf(&b, "System Availability SLA (Target: %.0f%% uptime):\n", TargetUptime*100)
	fmt.Fprintf(&b, "- Current Uptime: %.2f%%\n", uptime)
	fmt.Fprintf(&b, "- SLA Met: %s\n\n", yesNo(uptime >= TargetUptime*100))

	fmt.Fprintf(&b, "Queue Depth SLA (Target: < %d pending):\n", TargetQueueDepth)
	fmt.Fprintf(&b, "- Current Queue: %d\n", depth)
	fmt.Fprintf(&b, "- Peak Queue: %d\n", peak)
	fmt.Fprintf(&b, "- SLA Met: %s\n\n", yesNo(depth < TargetQueueDepth))

	b.WriteString("Configuration:\n")
	fmt.Fprintf(&b, "- Worker Threads: %d\n", m.cfg.WorkerThreads)
	fmt.Fprintf(&b, "- Cache Size: %d\n", m.cfg.CacheSize)
	fmt.Fprintf(&b, "- Batch Interval: %gs\n", m.cfg.BatchInterval.Seconds())
	fmt.Fprintf(&b, "- Processing Delay: %gs\n", m.cfg.ProcessingDelay.Seconds())
	b.WriteString("\n=====================================\n")

	return b.String()
}
