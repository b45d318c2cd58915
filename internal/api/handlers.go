package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"library-reserve/internal/pool"
	"library-reserve/internal/queue"
	"library-reserve/internal/sla"
	"library-reserve/internal/store"
	"library-reserve/pkg/telemetry"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type reservationRequest struct {
	UserID string `json:"user_id" binding:"required"`
	ISBN   string `json:"isbn" binding:"required"`
}

type bookUpdateRequest struct {
	TotalCopies *int `json:"total_copies" binding:"required"`
}

// respondStoreError maps persistence errors onto the HTTP surface.
func (i *Instance) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrBookNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrDuplicateISBN),
		errors.Is(err, store.ErrDuplicateUser):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrInvalidBook),
		errors.Is(err, store.ErrInvalidUser):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Detail: err.Error()})
	case errors.Is(err, pool.ErrPoolExhausted):
		c.Header("Retry-After", retryAfterSeconds(i.cfg.AcquireTimeoutDuration()))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "database busy", Detail: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error", Detail: err.Error()})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// systemInfo handles GET /.
func (i *Instance) systemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "library-reservation-api",
		"environment": i.cfg.Environment,
		"port":        i.cfg.Port,
		"database":    i.cfg.DatabasePath(),
		"endpoints": []string{
			"/books", "/books/{isbn}", "/users", "/users/{user_id}",
			"/reservations", "/reservations/my/{user_id}",
			"/sla", "/metrics", "/health",
		},
	})
}

// listBooks handles GET /books with an optional category filter.
func (i *Instance) listBooks(c *gin.Context) {
	books, err := i.store.ListBooks(c.Request.Context(), c.Query("category"))
	if err != nil {
		i.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

// getBook handles GET /books/:isbn. Cache first; a miss reads through
// and populates.
func (i *Instance) getBook(c *gin.Context) {
	isbn := c.Param("isbn")
	if book, ok := i.books.Get(isbn); ok {
		c.JSON(http.StatusOK, book)
		return
	}

	book, err := i.store.GetBook(c.Request.Context(), isbn)
	if err != nil {
		i.respondStoreError(c, err)
		return
	}
	i.books.Put(isbn, book)
	c.JSON(http.StatusOK, book)
}

// createBook handles POST /books.
func (i *Instance) createBook(c *gin.Context) {
	var book store.Book
	if err := c.ShouldBindJSON(&book); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}
	if err := i.store.CreateBook(c.Request.Context(), &book); err != nil {
		i.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

// updateBook handles PUT /books/:isbn, adjusting the copy counts and
// dropping the stale cache entry.
func (i *Instance) updateBook(c *gin.Context) {
	isbn := c.Param("isbn")

	var req bookUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}

	book, err := i.store.UpdateBookCopies(c.Request.Context(), isbn, *req.TotalCopies)
	if err != nil {
		i.respondStoreError(c, err)
		return
	}
	i.books.Invalidate(isbn)
	c.JSON(http.StatusOK, book)
}

// createUser handles POST /users.
func (i *Instance) createUser(c *gin.Context) {
	var user store.User
	if err := c.ShouldBindJSON(&user); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}
	if err := i.store.CreateUser(c.Request.Context(), &user); err != nil {
		i.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// getUser handles GET /users/:user_id.
func (i *Instance) getUser(c *gin.Context) {
	user, err := i.store.GetUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		i.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// createReservation handles POST /reservations: validate, persist the
// PENDING row, enqueue for the batcher, answer 202.
func (i *Instance) createReservation(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "api.reservation.create")
	defer span.End()

	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("reservation.user_id", req.UserID),
		attribute.String("reservation.isbn", req.ISBN))

	id, createdAt, err := i.store.CreateReservation(ctx, req.UserID, req.ISBN)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		if errors.Is(err, store.ErrUserNotFound) || errors.Is(err, store.ErrBookNotFound) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Detail: err.Error()})
			return
		}
		i.respondStoreError(c, err)
		return
	}

	err = i.queue.Enqueue(queue.Entry{
		ReservationID: id,
		UserID:        req.UserID,
		ISBN:          req.ISBN,
		EnqueuedAt:    createdAt,
	})
	if errors.Is(err, queue.ErrQueueFull) {
		// The row must not stay PENDING forever when it never reaches
		// the queue.
		telemetry.SetSpanError(ctx, err)
		_ = i.store.RejectReservation(ctx, id, "queue full")
		c.Header("Retry-After", retryAfterSeconds(i.cfg.BatchIntervalDuration()))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "reservation queue full", Detail: "try again shortly"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"reservation_id": id,
		"status":         "pending",
	})
}

// myReservations handles GET /reservations/my/:user_id.
func (i *Instance) myReservations(c *gin.Context) {
	list, err := i.store.ReservationsByUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		i.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// slaStatus handles GET /sla.
func (i *Instance) slaStatus(c *gin.Context) {
	lat := i.monitor.Latency()
	uptime := i.monitor.UptimeRatio()
	depth, peak := i.monitor.QueueDepth()

	c.JSON(http.StatusOK, gin.H{
		"p95":             lat.P95.Seconds(),
		"p99":             lat.P99.Seconds(),
		"mean":            lat.Mean.Seconds(),
		"total_processed": lat.TotalProcessed,
		"uptime":          uptime,
		"queue_depth":     depth,
		"queue_peak":      peak,
		"targets_met": gin.H{
			"latency":     lat.SLAMet,
			"uptime":      uptime >= sla.TargetUptime,
			"queue_depth": depth < sla.TargetQueueDepth,
		},
	})
}

// metrics handles GET /metrics.
func (i *Instance) metrics(c *gin.Context) {
	lat := i.monitor.Latency()
	depth, peak := i.monitor.QueueDepth()

	c.JSON(http.StatusOK, gin.H{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"environment": i.cfg.Environment,
		"cache":       i.books.Stats(),
		"pool":        i.pool.Stats(),
		"queue": gin.H{
			"depth":    i.queue.Depth(),
			"sampled":  depth,
			"peak":     peak,
			"capacity": i.cfg.MaxQueue,
		},
		"latency": gin.H{
			"p95":             lat.P95.Seconds(),
			"p99":             lat.P99.Seconds(),
			"mean":            lat.Mean.Seconds(),
			"window":          lat.Count,
			"total_processed": lat.TotalProcessed,
		},
	})
}

// health handles GET /health; the proxy probes this.
func (i *Instance) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"port":           i.cfg.Port,
		"queue_depth":    i.queue.Depth(),
		"uptime_seconds": time.Since(i.startedAt).Seconds(),
	})
}
