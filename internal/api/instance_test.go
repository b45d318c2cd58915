package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-reserve/internal/store"
	"library-reserve/pkg/config"
)

func newTestInstance(t *testing.T, mutate func(*config.Config)) *Instance {
	t.Helper()

	cfg := &config.Config{
		Environment:       "dev",
		Port:              8080,
		WorkerThreads:     2,
		LogLevel:          "debug",
		CacheSize:         50,
		MinConnections:    1,
		MaxConnections:    3,
		BatchInterval:     1,
		BatchSize:         10,
		MaxQueue:          100,
		MaxRetries:        3,
		AcquireTimeout:    2,
		SLAReportInterval: 30,
		BackendPorts:      []int{8080, 8081},
	}
	if mutate != nil {
		mutate(cfg)
	}

	inst, err := New(cfg, filepath.Join(t.TempDir(), "library_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inst.pool.CloseAll() })
	return inst
}

func doRequest(inst *Instance, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	inst.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(8080), body["port"])
	assert.Contains(t, body, "queue_depth")
	assert.Contains(t, body, "uptime_seconds")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSystemInfo(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "library-reservation-api", body["service"])
	assert.Equal(t, "dev", body["environment"])
}

func TestListBooks(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodGet, "/books", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]store.Book](t, w), 8)

	w = doRequest(inst, http.MethodGet, "/books?category=Systems", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]store.Book](t, w), 1)
}

func TestGetBookCachePath(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodGet, "/books/978-0134685991", nil)
	require.Equal(t, http.StatusOK, w.Code)
	book := decode[store.Book](t, w)
	assert.Equal(t, "Effective Java", book.Title)

	stats := inst.books.Stats()
	assert.Equal(t, uint64(1), stats.Misses)

	w = doRequest(inst, http.MethodGet, "/books/978-0134685991", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats = inst.books.Stats()
	assert.Equal(t, uint64(1), stats.Hits)

	w = doRequest(inst, http.MethodGet, "/books/978-0000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "book not found", decode[errorResponse](t, w).Error)
}

func TestCreateBook(t *testing.T) {
	inst := newTestInstance(t, nil)

	payload := store.Book{ISBN: "978-1491941959", Title: "The Go Programming Language", Author: "Donovan and Kernighan", Category: "Programming", TotalCopies: 3}
	w := doRequest(inst, http.MethodPost, "/books", payload)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[store.Book](t, w)
	assert.Equal(t, 3, created.AvailableCopies)

	// Round-trip: the posted record comes back on GET.
	w = doRequest(inst, http.MethodGet, "/books/978-1491941959", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created, decode[store.Book](t, w))

	w = doRequest(inst, http.MethodPost, "/books", payload)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(inst, http.MethodPost, "/books", store.Book{ISBN: "978-2", Title: "", Author: "X", TotalCopies: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateBookInvalidatesCache(t *testing.T) {
	inst := newTestInstance(t, nil)

	// Warm the cache.
	w := doRequest(inst, http.MethodGet, "/books/978-0135957059", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[store.Book](t, w).TotalCopies)

	total := 6
	w = doRequest(inst, http.MethodPut, "/books/978-0135957059", bookUpdateRequest{TotalCopies: &total})
	require.Equal(t, http.StatusOK, w.Code)

	// The next read must see the new value, not the cached one.
	w = doRequest(inst, http.MethodGet, "/books/978-0135957059", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[store.Book](t, w)
	assert.Equal(t, 6, got.TotalCopies)
	assert.Equal(t, 6, got.AvailableCopies)

	w = doRequest(inst, http.MethodPut, "/books/978-0000000000", bookUpdateRequest{TotalCopies: &total})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(inst, http.MethodPut, "/books/978-0135957059", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserEndpoints(t *testing.T) {
	inst := newTestInstance(t, nil)

	payload := store.User{UserID: "USR100", Name: "Grace Hall", Email: "grace@university.edu", MembershipType: "faculty"}
	w := doRequest(inst, http.MethodPost, "/users", payload)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(inst, http.MethodGet, "/users/USR100", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Grace Hall", decode[store.User](t, w).Name)

	w = doRequest(inst, http.MethodPost, "/users", payload)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(inst, http.MethodPost, "/users", store.User{UserID: "USR101", Name: "Bad", Email: "bad@x.test", MembershipType: "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(inst, http.MethodGet, "/users/USR404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReservationLifecycle(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodPost, "/reservations", reservationRequest{UserID: "USR001", ISBN: "978-1449373320"})
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "pending", body["status"])
	assert.NotZero(t, body["reservation_id"])
	assert.Equal(t, 1, inst.queue.Depth())

	// Run one batch in place of the ticker.
	inst.batcher.ProcessBatch(context.Background())

	w = doRequest(inst, http.MethodGet, "/reservations/my/USR001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]store.Reservation](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, store.StatusConfirmed, list[0].Status)
	assert.Equal(t, "Designing Data-Intensive Applications", list[0].BookTitle)

	w = doRequest(inst, http.MethodGet, "/books/978-1449373320", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[store.Book](t, w).AvailableCopies)
}

func TestReservationValidation(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodPost, "/reservations", reservationRequest{UserID: "USR404", ISBN: "978-1449373320"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation failed", decode[errorResponse](t, w).Error)

	w = doRequest(inst, http.MethodPost, "/reservations", reservationRequest{UserID: "USR001", ISBN: "978-0000000000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(inst, http.MethodPost, "/reservations", map[string]any{"user_id": "USR001"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, inst.queue.Depth())
}

func TestReservationQueueFull(t *testing.T) {
	inst := newTestInstance(t, func(cfg *config.Config) {
		cfg.MaxQueue = 1
	})

	w := doRequest(inst, http.MethodPost, "/reservations", reservationRequest{UserID: "USR001", ISBN: "978-0134685991"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(inst, http.MethodPost, "/reservations", reservationRequest{UserID: "USR002", ISBN: "978-0134685991"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// The overflow reservation is terminally rejected, not left pending.
	list, err := inst.store.ReservationsByUser(context.Background(), "USR002")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.StatusRejected, list[0].Status)
	assert.Equal(t, "queue full", list[0].Reason)
}

func TestSLAEndpoint(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodPost, "/reservations", reservationRequest{UserID: "USR001", ISBN: "978-0132350884"})
	require.Equal(t, http.StatusAccepted, w.Code)
	inst.batcher.ProcessBatch(context.Background())

	w = doRequest(inst, http.MethodGet, "/sla", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), body["total_processed"])
	targets := body["targets_met"].(map[string]any)
	assert.Equal(t, true, targets["latency"])
	assert.Equal(t, true, targets["uptime"])
	assert.Equal(t, true, targets["queue_depth"])
}

func TestMetricsEndpoint(t *testing.T) {
	inst := newTestInstance(t, nil)

	w := doRequest(inst, http.MethodGet, "/books/978-0134685991", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(inst, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)

	cacheStats := body["cache"].(map[string]any)
	assert.Equal(t, float64(1), cacheStats["size"])

	poolStats := body["pool"].(map[string]any)
	assert.Equal(t, float64(3), poolStats["max"])

	queueStats := body["queue"].(map[string]any)
	assert.Equal(t, float64(100), queueStats["capacity"])
}
