// Package orchestrator starts the API instances and the proxy as child
// processes, waits for them to become healthy, and tears them down in
// reverse order on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"library-reserve/pkg/logger"
	"library-reserve/pkg/retry"
)

// killDrainTimeout bounds the wait for an exit status after SIGKILL has
// been sent, or after the process turned out to be already gone.
const killDrainTimeout = 10 * time.Second

// Config holds orchestration settings.
type Config struct {
	APIBinary   string
	ProxyBinary string

	Environment  string
	BackendPorts []int
	ProxyPort    int

	// LogDir receives per-process stdout/stderr files.
	LogDir string

	// StartupTimeout bounds the wait for each child to report healthy.
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
}

// DefaultConfig returns orchestration settings used when none are given.
func DefaultConfig() Config {
	return Config{
		APIBinary:      "./api",
		ProxyBinary:    "./proxy",
		Environment:    "dev",
		BackendPorts:   []int{8080, 8081},
		ProxyPort:      8000,
		LogDir:         "logs",
		StartupTimeout: 30 * time.Second,
		ShutdownGrace:  10 * time.Second,
	}
}

// child is one supervised process.
type child struct {
	name     string
	cmd      *exec.Cmd
	waitDone chan error
	stdout   *os.File
	stderr   *os.File
	stopping atomic.Bool
}

func (c *child) closeLogs() {
	if c.stdout != nil {
		_ = c.stdout.Close()
		c.stdout = nil
	}
	if c.stderr != nil {
		_ = c.stderr.Close()
		c.stderr = nil
	}
}

// Orchestrator supervises the process tree.
type Orchestrator struct {
	cfg      Config
	children []*child // start order: instances first, then proxy
	client   *http.Client
	log      *logger.Logger
}

// New builds an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Second},
		log:    logger.Get(),
	}
}

// Start launches every API instance, waits for all of them to report
// healthy, then launches the proxy. On any failure the already started
// children are stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := os.MkdirAll(o.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	for _, port := range o.cfg.BackendPorts {
		name := fmt.Sprintf("api-%d", port)
		env := append(os.Environ(),
			fmt.Sprintf("PORT=%d", port),
			fmt.Sprintf("ENVIRONMENT=%s", o.cfg.Environment))
		if err := o.spawn(name, o.cfg.APIBinary, env); err != nil {
			o.Shutdown()
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.StartupTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range o.cfg.BackendPorts {
		g.Go(func() error {
			return o.waitHealthy(gctx, fmt.Sprintf("http://localhost:%d/health", port))
		})
	}
	if err := g.Wait(); err != nil {
		o.Shutdown()
		return fmt.Errorf("instances failed to become healthy: %w", err)
	}
	o.log.Info("all api instances healthy", zap.Ints("ports", o.cfg.BackendPorts))

	env := append(os.Environ(), fmt.Sprintf("ENVIRONMENT=%s", o.cfg.Environment))
	if err := o.spawn("proxy", o.cfg.ProxyBinary, env); err != nil {
		o.Shutdown()
		return err
	}
	if err := o.waitHealthy(ctx, fmt.Sprintf("http://localhost:%d/proxy/stats", o.cfg.ProxyPort)); err != nil {
		o.Shutdown()
		return fmt.Errorf("proxy failed to become healthy: %w", err)
	}

	o.log.Info("system up",
		zap.Int("proxy_port", o.cfg.ProxyPort),
		zap.Ints("backend_ports", o.cfg.BackendPorts))
	return nil
}

// spawn starts one child with its stdout/stderr redirected to log files
// and a watcher that reports abnormal exits.
func (o *Orchestrator) spawn(name, binary string, env []string) error {
	stdout, err := os.Create(filepath.Join(o.cfg.LogDir, name+"-stdout.log"))
	if err != nil {
		return fmt.Errorf("create %s stdout log: %w", name, err)
	}
	stderr, err := os.Create(filepath.Join(o.cfg.LogDir, name+"-stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("create %s stderr log: %w", name, err)
	}

	cmd := exec.Command(binary)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("start %s: %w", name, err)
	}

	c := &child{
		name:     name,
		cmd:      cmd,
		waitDone: make(chan error, 1),
		stdout:   stdout,
		stderr:   stderr,
	}
	o.children = append(o.children, c)

	go func() {
		err := cmd.Wait()
		c.waitDone <- err
		if !c.stopping.Load() {
			o.log.Error("child exited unexpectedly",
				zap.String("process", c.name),
				zap.Error(err))
		}
	}()

	o.log.Info("started child process",
		zap.String("process", name),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// healthProbeRetry paces the startup health polls: quick first probes,
// backing off toward one second while a child is still booting. The
// attempt budget is generous; the startup context is the real deadline.
var healthProbeRetry = &retry.Config{
	MaxRetries:      60,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     1 * time.Second,
	Multiplier:      1.5,
	JitterFactor:    0.1,
}

// waitHealthy probes the URL with backoff until it answers 200, the
// attempt budget runs out, or the context ends.
func (o *Orchestrator) waitHealthy(ctx context.Context, url string) error {
	err := retry.Do(ctx, healthProbeRetry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := o.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s never became healthy: %w", url, err)
	}
	return nil
}

// Shutdown stops the children in reverse start order: the proxy first so
// no new requests reach the instances while they drain.
func (o *Orchestrator) Shutdown() {
	for i := len(o.children) - 1; i >= 0; i-- {
		o.stopChild(o.children[i])
	}
	o.children = nil
	o.log.Info("all children stopped")
}

// stopChild sends SIGTERM, waits up to ShutdownGrace, then escalates to
// SIGKILL. Exits caused by the signals we sent are normal.
func (o *Orchestrator) stopChild(c *child) {
	defer c.closeLogs()
	c.stopping.Store(true)

	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	pid := c.cmd.Process.Pid

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; collect the exit status.
		select {
		case <-c.waitDone:
		case <-time.After(killDrainTimeout):
		}
		return
	}

	killTimer := time.AfterFunc(o.cfg.ShutdownGrace, func() {
		_ = c.cmd.Process.Kill()
	})
	defer killTimer.Stop()

	select {
	case err := <-c.waitDone:
		if err := expectSignalExit(err); err != nil {
			o.log.Warn("child exited with error during shutdown",
				zap.String("process", c.name),
				zap.Int("pid", pid),
				zap.Error(err))
			return
		}
		o.log.Info("child stopped",
			zap.String("process", c.name),
			zap.Int("pid", pid))
	case <-time.After(o.cfg.ShutdownGrace + killDrainTimeout):
		o.log.Error("child did not exit after SIGKILL; may be orphaned",
			zap.String("process", c.name),
			zap.Int("pid", pid))
	}
}

// expectSignalExit treats exits caused by SIGTERM or SIGKILL as clean.
func expectSignalExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if sig := status.Signal(); sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return nil
			}
		}
	}
	return err
}
