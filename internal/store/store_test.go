package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-reserve/internal/pool"
	"library-reserve/pkg/retry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	p, err := pool.New(pool.Options{
		Path:           filepath.Join(t.TempDir(), "library_test.db"),
		MinConnections: 1,
		MaxConnections: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.CloseAll() })

	s := New(p)
	require.NoError(t, s.Bootstrap(context.Background()))
	return s
}

func TestBootstrapSeedsCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	books, err := s.ListBooks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, books, 8)

	user, err := s.GetUser(ctx, "USR001")
	require.NoError(t, err)
	assert.Equal(t, "Alice Johnson", user.Name)
	assert.Equal(t, "student", user.MembershipType)

	// Bootstrap again must not duplicate the seed rows.
	require.NoError(t, s.Bootstrap(ctx))
	books, err = s.ListBooks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, books, 8)
}

func TestListBooksByCategory(t *testing.T) {
	s := newTestStore(t)

	books, err := s.ListBooks(context.Background(), "Software Architecture")
	require.NoError(t, err)
	require.Len(t, books, 2)
	for _, b := range books {
		assert.Equal(t, "Software Architecture", b.Category)
	}

	books, err = s.ListBooks(context.Background(), "Cooking")
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestCreateBook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &Book{ISBN: "978-1617291784", Title: "Go in Action", Author: "William Kennedy", Category: "Programming", TotalCopies: 2}
	require.NoError(t, s.CreateBook(ctx, b))
	assert.Equal(t, 2, b.AvailableCopies)

	got, err := s.GetBook(ctx, b.ISBN)
	require.NoError(t, err)
	assert.Equal(t, "Go in Action", got.Title)

	err = s.CreateBook(ctx, &Book{ISBN: b.ISBN, Title: "Duplicate", Author: "Nobody", Category: "Programming", TotalCopies: 1})
	assert.ErrorIs(t, err, ErrDuplicateISBN)

	err = s.CreateBook(ctx, &Book{ISBN: "978-0000000000", Title: "", Author: "A", TotalCopies: 1})
	assert.ErrorIs(t, err, ErrInvalidBook)
}

func TestGetBookNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBook(context.Background(), "978-9999999999")
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestUpdateBookCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Effective Java starts at 5/5.
	b, err := s.UpdateBookCopies(ctx, "978-0134685991", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, b.TotalCopies)
	assert.Equal(t, 7, b.AvailableCopies)

	b, err = s.UpdateBookCopies(ctx, "978-0134685991", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, b.TotalCopies)
	assert.Equal(t, 3, b.AvailableCopies)

	_, err = s.UpdateBookCopies(ctx, "978-9999999999", 1)
	assert.ErrorIs(t, err, ErrBookNotFound)

	_, err = s.UpdateBookCopies(ctx, "978-0134685991", -1)
	assert.ErrorIs(t, err, ErrInvalidBook)
}

func TestUpdateBookCopiesRespectsLoans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Loan out one copy of a 2-copy title, then try to shrink below it.
	id, _, err := s.CreateReservation(ctx, "USR001", "978-0321125215")
	require.NoError(t, err)
	confirmReservation(t, s, id, "978-0321125215")

	_, err = s.UpdateBookCopies(ctx, "978-0321125215", 0)
	assert.ErrorIs(t, err, ErrInvalidBook)

	// Shrinking to exactly the loaned count leaves zero available.
	b, err := s.UpdateBookCopies(ctx, "978-0321125215", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, b.AvailableCopies)
}

func TestCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{UserID: "USR010", Name: "Frank Green", Email: "frank@university.edu", MembershipType: "staff"}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, "USR010")
	require.NoError(t, err)
	assert.Equal(t, "frank@university.edu", got.Email)

	err = s.CreateUser(ctx, &User{UserID: "USR010", Name: "Other", Email: "other@x.test", MembershipType: "staff"})
	assert.ErrorIs(t, err, ErrDuplicateUser)

	err = s.CreateUser(ctx, &User{UserID: "USR011", Name: "Bad", Email: "bad@x.test", MembershipType: "vip"})
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = s.GetUser(ctx, "USR404")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateReservationValidatesReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateReservation(ctx, "USR404", "978-0134685991")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, _, err = s.CreateReservation(ctx, "USR001", "978-9999999999")
	assert.ErrorIs(t, err, ErrBookNotFound)

	id, createdAt, err := s.CreateReservation(ctx, "USR001", "978-0134685991")
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.False(t, createdAt.IsZero())

	id2, _, err := s.CreateReservation(ctx, "USR001", "978-0134685991")
	require.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestApplyReservationConfirms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateReservation(ctx, "USR002", "978-1449373320")
	require.NoError(t, err)

	res := confirmReservation(t, s, id, "978-1449373320")
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.Empty(t, res.Reason)
	assert.False(t, res.ProcessedAt.IsZero())

	b, err := s.GetBook(ctx, "978-1449373320")
	require.NoError(t, err)
	assert.Equal(t, 1, b.AvailableCopies)
}

func TestApplyReservationRejectsWhenExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Domain-Driven Design has 2 copies; the third reservation loses.
	var last *ApplyResult
	for i := 0; i < 3; i++ {
		id, _, err := s.CreateReservation(ctx, "USR003", "978-0321125215")
		require.NoError(t, err)
		last = confirmReservation(t, s, id, "978-0321125215")
	}

	assert.Equal(t, StatusRejected, last.Status)
	assert.Equal(t, ReasonNoCopies, last.Reason)

	b, err := s.GetBook(ctx, "978-0321125215")
	require.NoError(t, err)
	assert.Equal(t, 0, b.AvailableCopies)
}

func TestApplyReservationPermanentOnMissingRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		_, applyErr := s.ApplyReservation(ctx, conn, 9999, "978-0134685991")
		return applyErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReservationNotFound)
	assert.True(t, retry.IsPermanent(err))
}

func TestApplyReservationIsSingleShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateReservation(ctx, "USR004", "978-0132350884")
	require.NoError(t, err)
	confirmReservation(t, s, id, "978-0132350884")

	// A second apply finds no PENDING row and must not decrement again.
	err = s.pool.With(ctx, func(conn *pool.Conn) error {
		_, applyErr := s.ApplyReservation(ctx, conn, id, "978-0132350884")
		return applyErr
	})
	assert.ErrorIs(t, err, ErrReservationNotFound)

	b, err := s.GetBook(ctx, "978-0132350884")
	require.NoError(t, err)
	assert.Equal(t, 4, b.AvailableCopies)
}

func TestRejectReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.CreateReservation(ctx, "USR005", "978-0596517748")
	require.NoError(t, err)
	require.NoError(t, s.RejectReservation(ctx, id, ReasonProcessingError))

	list, err := s.ReservationsByUser(ctx, "USR005")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusRejected, list[0].Status)
	assert.Equal(t, ReasonProcessingError, list[0].Reason)
	require.NotNil(t, list[0].ProcessedAt)

	// Already-terminal rows are untouched.
	require.NoError(t, s.RejectReservation(ctx, id, "other"))
	list, err = s.ReservationsByUser(ctx, "USR005")
	require.NoError(t, err)
	assert.Equal(t, ReasonProcessingError, list[0].Reason)
}

func TestReservationsByUserNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isbns := []string{"978-0134685991", "978-0135957059", "978-0596517748"}
	ids := make([]int64, 0, len(isbns))
	for _, isbn := range isbns {
		id, _, err := s.CreateReservation(ctx, "USR001", isbn)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	list, err := s.ReservationsByUser(ctx, "USR001")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
	assert.Equal(t, "JavaScript: The Good Parts", list[0].BookTitle)
	assert.Equal(t, StatusPending, list[0].Status)

	empty, err := s.ReservationsByUser(ctx, "USR404")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func confirmReservation(t *testing.T, s *Store, id int64, isbn string) *ApplyResult {
	t.Helper()
	var res *ApplyResult
	err := s.pool.With(context.Background(), func(conn *pool.Conn) error {
		r, applyErr := s.ApplyReservation(context.Background(), conn, id, isbn)
		res = r
		return applyErr
	})
	require.NoError(t, err)
	return res
}
