// Package pool manages a bounded set of SQLite connections for one API
// instance. Each pooled connection is its own single-connection database
// handle, so a lease maps to exactly one SQLite session and write
// transactions serialize through BEGIN IMMEDIATE.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	// Pure-Go SQLite driver, no CGO required.
	_ "modernc.org/sqlite"
)

var (
	// ErrPoolExhausted is returned when no connection becomes free within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned by acquires after CloseAll.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Conn is a leased database connection. Callers that hit an I/O-level
// error must MarkBroken before releasing so the pool retires the handle
// instead of handing it to the next caller.
type Conn struct {
	db     *sql.DB
	broken atomic.Bool
}

// DB returns the underlying single-connection handle.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// MarkBroken flags the connection for retirement on release.
func (c *Conn) MarkBroken() {
	c.broken.Store(true)
}

// Broken reports whether the connection has been flagged.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Total     int    `json:"total"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Min       int    `json:"min"`
	Max       int    `json:"max"`
	Exhausted uint64 `json:"exhausted_count"`
}

// Pool is a bounded connection pool over one SQLite file.
type Pool struct {
	dsn            string
	min            int
	max            int
	acquireTimeout time.Duration

	mu     sync.Mutex
	total  int
	closed bool

	idle      chan *Conn
	closeCh   chan struct{}
	exhausted atomic.Uint64
}

// Options configures pool construction.
type Options struct {
	// Path is the SQLite database file.
	Path string
	// MinConnections are opened and verified eagerly.
	MinConnections int
	// MaxConnections bounds concurrently open connections.
	MaxConnections int
	// AcquireTimeout is the default wait used by With.
	AcquireTimeout time.Duration
}

// New opens the minimum number of connections eagerly and verifies each
// with a ping. The DSN enables WAL, a busy timeout for cross-process
// access, foreign keys, and immediate-mode write transactions.
func New(opts Options) (*Pool, error) {
	if opts.MinConnections < 1 || opts.MaxConnections < opts.MinConnections {
		return nil, fmt.Errorf("invalid pool bounds [%d, %d]", opts.MinConnections, opts.MaxConnections)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}

	p := &Pool{
		dsn: fmt.Sprintf(
			"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
			opts.Path,
		),
		min:            opts.MinConnections,
		max:            opts.MaxConnections,
		acquireTimeout: opts.AcquireTimeout,
		idle:           make(chan *Conn, opts.MaxConnections),
		closeCh:        make(chan struct{}),
	}

	for i := 0; i < p.min; i++ {
		conn, err := p.open()
		if err != nil {
			p.CloseAll()
			return nil, fmt.Errorf("failed to open initial connection %d/%d: %w", i+1, p.min, err)
		}
		p.mu.Lock()
		p.total++
		p.mu.Unlock()
		p.idle <- conn
	}
	return p, nil
}

func (p *Pool) open() (*Conn, error) {
	db, err := sql.Open("sqlite", p.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One SQLite session per pooled connection; the pool does the pooling.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify sqlite connection: %w", err)
	}
	return &Conn{db: db}, nil
}

// Acquire leases a connection: an idle one if available, a freshly opened
// one while under the max, otherwise it waits up to timeout for a release.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.total < p.max {
		p.total++
		p.mu.Unlock()
		conn, err := p.open()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn := <-p.idle:
		return conn, nil
	case <-p.closeCh:
		return nil, ErrPoolClosed
	case <-timer.C:
		p.exhausted.Add(1)
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a lease. Broken connections are closed and, when that
// would leave the pool under its minimum, replaced.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = conn.db.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}

	if conn.Broken() {
		_ = conn.db.Close()
		p.mu.Lock()
		p.total--
		needReplacement := p.total < p.min
		p.mu.Unlock()

		if needReplacement {
			if fresh, err := p.open(); err == nil {
				p.mu.Lock()
				if p.closed {
					p.mu.Unlock()
					_ = fresh.db.Close()
					return
				}
				p.total++
				p.mu.Unlock()
				p.idle <- fresh
			}
		}
		return
	}

	p.idle <- conn
}

// With acquires a connection, runs fn, and guarantees release on every
// exit path including panic. This is the scoped-lease helper request
// handlers and workers use.
func (p *Pool) With(ctx context.Context, fn func(conn *Conn) error) error {
	conn, err := p.Acquire(ctx, p.acquireTimeout)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// CloseAll closes every connection; subsequent acquires fail with
// ErrPoolClosed. Leased connections are closed as they come back.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			_ = conn.db.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		default:
			return
		}
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	total := p.total
	p.mu.Unlock()
	idle := len(p.idle)
	return Stats{
		Total:     total,
		Idle:      idle,
		InUse:     total - idle,
		Min:       p.min,
		Max:       p.max,
		Exhausted: p.exhausted.Load(),
	}
}
