// Package api assembles one reservation service instance: HTTP surface,
// book cache, connection pool, reservation queue, batch workers and the
// SLA monitor, all bound to a single per-port database file.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"library-reserve/internal/cache"
	"library-reserve/internal/pool"
	"library-reserve/internal/queue"
	"library-reserve/internal/sla"
	"library-reserve/internal/store"
	"library-reserve/internal/worker"
	"library-reserve/pkg/config"
	"library-reserve/pkg/logger"
)

// Instance is one fully wired API process.
type Instance struct {
	cfg     *config.Config
	pool    *pool.Pool
	store   *store.Store
	queue   *queue.Queue
	books   *cache.Cache[*store.Book]
	monitor *sla.Monitor
	batcher *worker.Batcher

	router    *gin.Engine
	srv       *http.Server
	log       *logger.Logger
	startedAt time.Time
}

// New builds an instance against the given database file (normally
// cfg.DatabasePath; tests point it at a temp dir).
func New(cfg *config.Config, dbPath string) (*Instance, error) {
	p, err := pool.New(pool.Options{
		Path:           dbPath,
		MinConnections: cfg.MinConnections,
		MaxConnections: cfg.MaxConnections,
		AcquireTimeout: cfg.AcquireTimeoutDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}

	st := store.New(p)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Bootstrap(ctx); err != nil {
		p.CloseAll()
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}

	books, err := cache.New[*store.Book](cfg.CacheSize)
	if err != nil {
		p.CloseAll()
		return nil, fmt.Errorf("build book cache: %w", err)
	}

	q := queue.New(cfg.MaxQueue)

	monitor := sla.New(sla.Config{
		HeartbeatInterval:   cfg.HeartbeatIntervalDuration(),
		QueueSampleInterval: cfg.QueueSampleIntervalDuration(),
		ReportInterval:      cfg.SLAReportIntervalDuration(),
		Environment:         cfg.Environment,
		WorkerThreads:       cfg.WorkerThreads,
		CacheSize:           cfg.CacheSize,
		BatchInterval:       cfg.BatchIntervalDuration(),
		ProcessingDelay:     cfg.ProcessingDelayDuration(),
	}, q.Depth)

	batcher := worker.New(worker.Config{
		WorkerThreads:   cfg.WorkerThreads,
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		BatchInterval:   cfg.BatchIntervalDuration(),
		ProcessingDelay: cfg.ProcessingDelayDuration(),
		AcquireTimeout:  cfg.AcquireTimeoutDuration(),
	}, q, st, p, books, monitor)

	i := &Instance{
		cfg:       cfg,
		pool:      p,
		store:     st,
		queue:     q,
		books:     books,
		monitor:   monitor,
		batcher:   batcher,
		log:       logger.Get(),
		startedAt: time.Now(),
	}
	i.router = i.buildRouter()
	i.srv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           i.router,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}
	return i, nil
}

func (i *Instance) buildRouter() *gin.Engine {
	if i.cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(i.log))

	router.GET("/", i.systemInfo)
	router.GET("/health", i.health)
	router.GET("/sla", i.slaStatus)
	router.GET("/metrics", i.metrics)

	router.GET("/books", i.listBooks)
	router.POST("/books", i.createBook)
	router.GET("/books/:isbn", i.getBook)
	router.PUT("/books/:isbn", i.updateBook)

	router.POST("/users", i.createUser)
	router.GET("/users/:user_id", i.getUser)

	router.POST("/reservations", i.createReservation)
	router.GET("/reservations/my/:user_id", i.myReservations)

	return router
}

// Router exposes the gin engine, mainly for tests.
func (i *Instance) Router() *gin.Engine {
	return i.router
}

// Run starts the background loops and serves until Shutdown.
func (i *Instance) Run() error {
	i.monitor.Start()
	i.batcher.Start()

	i.log.Info("api instance listening",
		zap.Int("port", i.cfg.Port),
		zap.String("database", i.cfg.DatabasePath()),
		zap.String("environment", i.cfg.Environment))

	if err := i.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops intake, drains the queue, then releases resources.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.log.Info("api instance shutting down")

	err := i.srv.Shutdown(ctx)

	i.batcher.Stop(ctx)
	i.monitor.Stop()
	i.pool.CloseAll()

	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	i.log.Info("api instance stopped")
	return nil
}
