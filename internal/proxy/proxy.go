// Package proxy implements the front-end load balancer: round-robin
// forwarding over the API instances with active health probing and a
// single failover retry per request.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"library-reserve/pkg/logger"
)

// consecutive probe results required to flip a backend's health state.
const healthFlipThreshold = 2

// Hop-by-hop headers are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Backend is one upstream API instance.
type Backend struct {
	URL  string
	Port int

	mu        sync.Mutex
	healthy   bool
	successes int
	failures  int

	requests atomic.Uint64
	errors   atomic.Uint64
}

// Healthy reports the current health verdict. Backends start unhealthy
// until two consecutive probes succeed.
func (b *Backend) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

// recordProbe folds one probe result into the state machine.
func (b *Backend) recordProbe(ok bool) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.successes++
		b.failures = 0
		if !b.healthy && b.successes >= healthFlipThreshold {
			b.healthy = true
			return true
		}
		return false
	}

	b.failures++
	b.successes = 0
	if b.healthy && b.failures >= healthFlipThreshold {
		b.healthy = false
		return true
	}
	return false
}

// markDown takes a backend out of rotation immediately after a failed
// forward. The prober brings it back.
func (b *Backend) markDown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = false
	b.successes = 0
}

// BackendStats is the externally visible view of one backend.
type BackendStats struct {
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
}

// Config holds the proxy settings.
type Config struct {
	ListenPort     int
	BackendPorts   []int
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StatsInterval  time.Duration
}

// DefaultConfig returns the proxy settings used when none are given.
func DefaultConfig() Config {
	return Config{
		ListenPort:     8000,
		BackendPorts:   []int{8080, 8081},
		HealthInterval: 5 * time.Second,
		HealthTimeout:  2 * time.Second,
		StatsInterval:  30 * time.Second,
	}
}

// Proxy is the load balancer.
type Proxy struct {
	cfg      Config
	backends []*Backend
	next     atomic.Uint64

	client *http.Client
	probe  *http.Client
	router *gin.Engine
	srv    *http.Server
	log    *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a proxy over the configured backends.
func New(cfg Config) *Proxy {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}

	backends := make([]*Backend, 0, len(cfg.BackendPorts))
	for _, port := range cfg.BackendPorts {
		backends = append(backends, &Backend{
			URL:  fmt.Sprintf("http://localhost:%d", port),
			Port: port,
		})
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     90 * time.Second,
	}

	p := &Proxy{
		cfg:      cfg,
		backends: backends,
		client:   &http.Client{Transport: transport},
		probe:    &http.Client{Timeout: cfg.HealthTimeout},
		log:      logger.Get(),
		stopCh:   make(chan struct{}),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/proxy/stats", p.stats)
	router.NoRoute(p.forward)
	p.router = router

	p.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 2 * time.Second,
	}
	return p
}

// SetBackends replaces the backend URLs, for tests running against
// httptest servers.
func (p *Proxy) SetBackends(urls []string) {
	backends := make([]*Backend, 0, len(urls))
	for _, u := range urls {
		backends = append(backends, &Backend{URL: strings.TrimSuffix(u, "/")})
	}
	p.backends = backends
}

// Router exposes the gin engine, mainly for tests.
func (p *Proxy) Router() *gin.Engine {
	return p.router
}

// nextBackend picks the next healthy backend round-robin, skipping any
// in the exclude set. Returns nil when every candidate is down.
func (p *Proxy) nextBackend(exclude map[*Backend]bool) *Backend {
	n := len(p.backends)
	for i := 0; i < n; i++ {
		idx := int(p.next.Add(1)-1) % n
		b := p.backends[idx]
		if b.Healthy() && !exclude[b] {
			return b
		}
	}
	return nil
}

// forward relays one request, retrying once on a different backend when
// the connection attempt fails.
func (p *Proxy) forward(c *gin.Context) {
	// Buffer the body so a failover retry can replay it.
	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body", "detail": err.Error()})
			return
		}
	}

	tried := make(map[*Backend]bool, 2)
	for attempt := 0; attempt < 2; attempt++ {
		backend := p.nextBackend(tried)
		if backend == nil {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no healthy backends"})
			return
		}
		tried[backend] = true
		backend.requests.Add(1)

		resp, err := p.send(c, backend, body)
		if err != nil {
			backend.errors.Add(1)
			backend.markDown()
			p.log.Warn("backend connection failed",
				zap.String("backend", backend.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		defer resp.Body.Close()

		p.relay(c, backend, resp)
		return
	}

	c.JSON(http.StatusBadGateway, gin.H{"error": "backend error"})
}

func (p *Proxy) send(c *gin.Context, backend *Backend, body []byte) (*http.Response, error) {
	target := backend.URL + c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	copyHeaders(req.Header, c.Request.Header)
	if ip := c.ClientIP(); ip != "" {
		prior := c.Request.Header.Get("X-Forwarded-For")
		if prior != "" {
			ip = prior + ", " + ip
		}
		req.Header.Set("X-Forwarded-For", ip)
	}
	return p.client.Do(req)
}

func (p *Proxy) relay(c *gin.Context, backend *Backend, resp *http.Response) {
	header := c.Writer.Header()
	copyHeaders(header, resp.Header)
	header.Set("X-Served-By", backend.URL)

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("response relay interrupted",
			zap.String("backend", backend.URL),
			zap.Error(err))
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// stats handles GET /proxy/stats.
func (p *Proxy) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backends": p.backendStats(),
	})
}

func (p *Proxy) backendStats() []BackendStats {
	out := make([]BackendStats, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, BackendStats{
			URL:      b.URL,
			Healthy:  b.Healthy(),
			Requests: b.requests.Load(),
			Errors:   b.errors.Load(),
		})
	}
	return out
}

// ProbeOnce runs one health probe round against every backend.
func (p *Proxy) ProbeOnce(ctx context.Context) {
	for _, b := range p.backends {
		ok := p.probeBackend(ctx, b)
		if b.recordProbe(ok) {
			if ok {
				p.log.Info("backend healthy", zap.String("backend", b.URL))
			} else {
				p.log.Warn("backend unhealthy", zap.String("backend", b.URL))
			}
		}
	}
}

func (p *Proxy) probeBackend(ctx context.Context, b *Backend) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Run starts the prober and stats loops and serves until Shutdown.
func (p *Proxy) Run() error {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ProbeOnce(context.Background())
			case <-p.stopCh:
				return
			}
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, b := range p.backendStats() {
					p.log.Info("backend stats",
						zap.String("backend", b.URL),
						zap.Bool("healthy", b.Healthy),
						zap.Uint64("requests", b.Requests),
						zap.Uint64("errors", b.Errors))
				}
			case <-p.stopCh:
				return
			}
		}
	}()

	p.log.Info("proxy listening",
		zap.Int("port", p.cfg.ListenPort),
		zap.Ints("backend_ports", p.cfg.BackendPorts))

	if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops the listener and the background loops.
func (p *Proxy) Shutdown(ctx context.Context) error {
	close(p.stopCh)
	err := p.srv.Shutdown(ctx)
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	p.log.Info("proxy stopped")
	return nil
}
