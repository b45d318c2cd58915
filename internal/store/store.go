// Package store owns the per-instance SQLite schema and every query the
// API and the batch workers run against it. All access goes through pool
// leases; write transactions use immediate locking so one writer at a time
// mutates the file while readers proceed under WAL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"library-reserve/internal/pool"
	"library-reserve/pkg/retry"
)

// Reservation lifecycle statuses. A reservation transitions exactly once
// from PENDING to one of the terminal states.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusRejected  = "REJECTED"
)

// Rejection reasons written by the workers.
const (
	ReasonNoCopies        = "no copies available"
	ReasonProcessingError = "processing error"
)

var (
	ErrBookNotFound        = errors.New("book not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrDuplicateISBN       = errors.New("book with this ISBN already exists")
	ErrDuplicateUser       = errors.New("user with this ID already exists")
	ErrInvalidBook         = errors.New("invalid book")
	ErrInvalidUser         = errors.New("invalid user")
)

// Book is a library title identified by ISBN.
type Book struct {
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Category        string `json:"category"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

// Validate checks boundary constraints before any write.
func (b *Book) Validate() error {
	if b.ISBN == "" || b.Title == "" || b.Author == "" {
		return fmt.Errorf("%w: isbn, title and author are required", ErrInvalidBook)
	}
	if b.TotalCopies < 0 {
		return fmt.Errorf("%w: total_copies must not be negative", ErrInvalidBook)
	}
	return nil
}

// User is a registered library member. Immutable after creation.
type User struct {
	UserID         string `json:"user_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	MembershipType string `json:"membership_type"`
}

// Validate checks boundary constraints for registration.
func (u *User) Validate() error {
	if u.UserID == "" || u.Name == "" || u.Email == "" {
		return fmt.Errorf("%w: user_id, name and email are required", ErrInvalidUser)
	}
	switch u.MembershipType {
	case "student", "faculty", "staff":
		return nil
	default:
		return fmt.Errorf("%w: membership_type must be student, faculty or staff", ErrInvalidUser)
	}
}

// Reservation is one request to hold a copy of a book.
type Reservation struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	ISBN        string     `json:"isbn"`
	BookTitle   string     `json:"book_title,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Store runs all SQL for one instance's database file.
type Store struct {
	pool *pool.Pool
}

// New wraps a connection pool.
func New(p *pool.Pool) *Store {
	return &Store{pool: p}
}

const schema = `
CREATE TABLE IF NOT EXISTS books (
	isbn TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	category TEXT NOT NULL,
	total_copies INTEGER NOT NULL,
	available_copies INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	CHECK (available_copies >= 0),
	CHECK (available_copies <= total_copies)
);

CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT UNIQUE NOT NULL,
	membership_type TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(user_id),
	isbn TEXT NOT NULL REFERENCES books(isbn),
	status TEXT NOT NULL DEFAULT 'PENDING',
	reason TEXT,
	created_at TEXT NOT NULL,
	processed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_books_category ON books(category);
CREATE INDEX IF NOT EXISTS idx_books_author ON books(author);
CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id);
CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
CREATE INDEX IF NOT EXISTS idx_reservations_created ON reservations(created_at);
`

// Bootstrap creates the schema and seeds the catalog when the books table
// is empty.
func (s *Store) Bootstrap(ctx context.Context) error {
	return s.pool.With(ctx, func(conn *pool.Conn) error {
		if _, err := conn.DB().ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}

		var count int
		if err := conn.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&count); err != nil {
			return fmt.Errorf("count books: %w", err)
		}
		if count > 0 {
			return nil
		}
		return seed(ctx, conn.DB())
	})
}

func seed(ctx context.Context, db *sql.DB) error {
	books := []Book{
		{ISBN: "978-0134685991", Title: "Effective Java", Author: "Joshua Bloch", Category: "Programming", TotalCopies: 5, AvailableCopies: 5},
		{ISBN: "978-0135957059", Title: "The Pragmatic Programmer", Author: "David Thomas", Category: "Programming", TotalCopies: 3, AvailableCopies: 3},
		{ISBN: "978-0596517748", Title: "JavaScript: The Good Parts", Author: "Douglas Crockford", Category: "Programming", TotalCopies: 4, AvailableCopies: 4},
		{ISBN: "978-0321125215", Title: "Domain-Driven Design", Author: "Eric Evans", Category: "Software Architecture", TotalCopies: 2, AvailableCopies: 2},
		{ISBN: "978-0134494166", Title: "Clean Architecture", Author: "Robert Martin", Category: "Software Architecture", TotalCopies: 3, AvailableCopies: 3},
		{ISBN: "978-1449373320", Title: "Designing Data-Intensive Applications", Author: "Martin Kleppmann", Category: "Systems", TotalCopies: 2, AvailableCopies: 2},
		{ISBN: "978-0201633610", Title: "Design Patterns", Author: "Gang of Four", Category: "Programming", TotalCopies: 4, AvailableCopies: 4},
		{ISBN: "978-0132350884", Title: "Clean Code", Author: "Robert Martin", Category: "Programming", TotalCopies: 5, AvailableCopies: 5},
	}
	users := []User{
		{UserID: "USR001", Name: "Alice Johnson", Email: "alice@university.edu", MembershipType: "student"},
		{UserID: "USR002", Name: "Bob Smith", Email: "bob@university.edu", MembershipType: "faculty"},
		{UserID: "USR003", Name: "Carol Davis", Email: "carol@public.library", MembershipType: "staff"},
		{UserID: "USR004", Name: "David Wilson", Email: "david@university.edu", MembershipType: "student"},
		{UserID: "USR005", Name: "Eva Brown", Email: "eva@university.edu", MembershipType: "faculty"},
	}

	now := formatTime(time.Now().UTC())
	for _, b := range books {
		_, err := db.ExecContext(ctx,
			`INSERT INTO books (isbn, title, author, category, total_copies, available_copies, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ISBN, b.Title, b.Author, b.Category, b.TotalCopies, b.AvailableCopies, now)
		if err != nil {
			return fmt.Errorf("seed book %s: %w", b.ISBN, err)
		}
	}
	for _, u := range users {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (user_id, name, email, membership_type, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			u.UserID, u.Name, u.Email, u.MembershipType, now)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.UserID, err)
		}
	}
	return nil
}

// GetBook returns one book by ISBN.
func (s *Store) GetBook(ctx context.Context, isbn string) (*Book, error) {
	var book *Book
	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		b, err := getBook(ctx, conn.DB(), isbn)
		book = b
		return err
	})
	return book, err
}

func getBook(ctx context.Context, db *sql.DB, isbn string) (*Book, error) {
	b := &Book{}
	err := db.QueryRowContext(ctx,
		`SELECT isbn, title, author, category, total_copies, available_copies
		 FROM books WHERE isbn = ?`, isbn,
	).Scan(&b.ISBN, &b.Title, &b.Author, &b.Category, &b.TotalCopies, &b.AvailableCopies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query book %s: %w", isbn, err)
	}
	return b, nil
}

// ListBooks returns the catalog ordered by title, optionally filtered by
// category.
func (s *Store) ListBooks(ctx context.Context, category string) ([]Book, error) {
	var books []Book
	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		query := `SELECT isbn, title, author, category, total_copies, available_copies
			  FROM books ORDER BY title`
		args := []any{}
		if category != "" {
			query = `SELECT isbn, title, author, category, total_copies, available_copies
				 FROM books WHERE category = ? ORDER BY title`
			args = append(args, category)
		}

		rows, err := conn.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list books: %w", err)
		}
		defer rows.Close()

		books = []Book{}
		for rows.Next() {
			var b Book
			if err := rows.Scan(&b.ISBN, &b.Title, &b.Author, &b.Category, &b.TotalCopies, &b.AvailableCopies); err != nil {
				return fmt.Errorf("scan book: %w", err)
			}
			books = append(books, b)
		}
		return rows.Err()
	})
	return books, err
}

// CreateBook inserts a new title with all copies available.
func (s *Store) CreateBook(ctx context.Context, b *Book) error {
	if err := b.Validate(); err != nil {
		return err
	}
	b.AvailableCopies = b.TotalCopies
	return s.pool.With(ctx, func(conn *pool.Conn) error {
		_, err := conn.DB().ExecContext(ctx,
			`INSERT INTO books (isbn, title, author, category, total_copies, available_copies, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ISBN, b.Title, b.Author, b.Category, b.TotalCopies, b.AvailableCopies,
			formatTime(time.Now().UTC()))
		if isUniqueViolation(err) {
			return ErrDuplicateISBN
		}
		if err != nil {
			return fmt.Errorf("insert book %s: %w", b.ISBN, err)
		}
		return nil
	})
}

// UpdateBookCopies adjusts total_copies of an existing title, shifting
// available_copies by the same delta so outstanding loans stay accounted.
func (s *Store) UpdateBookCopies(ctx context.Context, isbn string, totalCopies int) (*Book, error) {
	if totalCopies < 0 {
		return nil, fmt.Errorf("%w: total_copies must not be negative", ErrInvalidBook)
	}
	var book *Book
	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		tx, err := conn.DB().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update: %w", err)
		}
		defer tx.Rollback()

		b := &Book{}
		err = tx.QueryRowContext(ctx,
			`SELECT isbn, title, author, category, total_copies, available_copies
			 FROM books WHERE isbn = ?`, isbn,
		).Scan(&b.ISBN, &b.Title, &b.Author, &b.Category, &b.TotalCopies, &b.AvailableCopies)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBookNotFound
		}
		if err != nil {
			return fmt.Errorf("read book %s: %w", isbn, err)
		}

		delta := totalCopies - b.TotalCopies
		available := b.AvailableCopies + delta
		if available < 0 {
			return fmt.Errorf("%w: %d copies are out on loan", ErrInvalidBook, b.TotalCopies-b.AvailableCopies)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE books SET total_copies = ?, available_copies = ? WHERE isbn = ?`,
			totalCopies, available, isbn); err != nil {
			return fmt.Errorf("update book %s: %w", isbn, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update: %w", err)
		}

		b.TotalCopies = totalCopies
		b.AvailableCopies = available
		book = b
		return nil
	})
	return book, err
}

// CreateUser registers a member.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	return s.pool.With(ctx, func(conn *pool.Conn) error {
		_, err := conn.DB().ExecContext(ctx,
			`INSERT INTO users (user_id, name, email, membership_type, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			u.UserID, u.Name, u.Email, u.MembershipType, formatTime(time.Now().UTC()))
		if isUniqueViolation(err) {
			return ErrDuplicateUser
		}
		if err != nil {
			return fmt.Errorf("insert user %s: %w", u.UserID, err)
		}
		return nil
	})
}

// GetUser returns one member by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		u := &User{}
		err := conn.DB().QueryRowContext(ctx,
			`SELECT user_id, name, email, membership_type FROM users WHERE user_id = ?`, userID,
		).Scan(&u.UserID, &u.Name, &u.Email, &u.MembershipType)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("query user %s: %w", userID, err)
		}
		user = u
		return nil
	})
	return user, err
}

// CreateReservation validates both references, writes the PENDING row, and
// returns its monotonically assigned ID.
func (s *Store) CreateReservation(ctx context.Context, userID, isbn string) (int64, time.Time, error) {
	var id int64
	createdAt := time.Now().UTC()
	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		var exists int
		if err := conn.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE user_id = ?`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user %s: %w", userID, err)
		}
		if exists == 0 {
			return ErrUserNotFound
		}
		if err := conn.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM books WHERE isbn = ?`, isbn).Scan(&exists); err != nil {
			return fmt.Errorf("check book %s: %w", isbn, err)
		}
		if exists == 0 {
			return ErrBookNotFound
		}

		res, err := conn.DB().ExecContext(ctx,
			`INSERT INTO reservations (user_id, isbn, status, created_at) VALUES (?, ?, ?, ?)`,
			userID, isbn, StatusPending, formatTime(createdAt))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reservation id: %w", err)
		}
		return nil
	})
	return id, createdAt, err
}

// ReservationsByUser lists a member's reservations newest first, joined
// with the book title.
func (s *Store) ReservationsByUser(ctx context.Context, userID string) ([]Reservation, error) {
	var out []Reservation
	err := s.pool.With(ctx, func(conn *pool.Conn) error {
		rows, err := conn.DB().QueryContext(ctx,
			`SELECT r.id, r.user_id, r.isbn, b.title, r.status, r.reason, r.created_at, r.processed_at
			 FROM reservations r JOIN books b ON r.isbn = b.isbn
			 WHERE r.user_id = ?
			 ORDER BY r.created_at DESC, r.id DESC`, userID)
		if err != nil {
			return fmt.Errorf("list reservations for %s: %w", userID, err)
		}
		defer rows.Close()

		out = []Reservation{}
		for rows.Next() {
			var (
				r         Reservation
				reason    sql.NullString
				created   string
				processed sql.NullString
			)
			if err := rows.Scan(&r.ID, &r.UserID, &r.ISBN, &r.BookTitle, &r.Status, &reason, &created, &processed); err != nil {
				return fmt.Errorf("scan reservation: %w", err)
			}
			r.Reason = reason.String
			r.CreatedAt = parseTime(created)
			if processed.Valid {
				t := parseTime(processed.String)
				r.ProcessedAt = &t
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// ApplyResult is the outcome of one worker-side reservation attempt.
type ApplyResult struct {
	Status      string
	Reason      string
	ProcessedAt time.Time
}

// ApplyReservation executes one reservation inside an immediate-mode
// transaction on the given lease: re-read the authoritative book row,
// decrement and confirm when a copy remains, reject otherwise. Errors
// carry retry markers: database-level failures are transient, missing
// rows are permanent.
func (s *Store) ApplyReservation(ctx context.Context, conn *pool.Conn, reservationID int64, isbn string) (*ApplyResult, error) {
	tx, err := conn.DB().BeginTx(ctx, nil)
	if err != nil {
		conn.MarkBroken()
		return nil, retry.Transient(fmt.Errorf("begin reservation %d: %w", reservationID, err))
	}
	defer tx.Rollback()

	var available int
	err = tx.QueryRowContext(ctx,
		`SELECT available_copies FROM books WHERE isbn = ?`, isbn).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.Permanent(ErrBookNotFound)
	}
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read book %s: %w", isbn, err))
	}

	now := time.Now().UTC()
	result := &ApplyResult{ProcessedAt: now}

	if available >= 1 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE books SET available_copies = available_copies - 1 WHERE isbn = ?`, isbn); err != nil {
			return nil, retry.Transient(fmt.Errorf("decrement book %s: %w", isbn, err))
		}
		result.Status = StatusConfirmed
	} else {
		result.Status = StatusRejected
		result.Reason = ReasonNoCopies
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = ?, reason = ?, processed_at = ?
		 WHERE id = ? AND status = ?`,
		result.Status, nullable(result.Reason), formatTime(now), reservationID, StatusPending)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("update reservation %d: %w", reservationID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, retry.Permanent(ErrReservationNotFound)
	}

	if err := tx.Commit(); err != nil {
		return nil, retry.Transient(fmt.Errorf("commit reservation %d: %w", reservationID, err))
	}
	return result, nil
}

// RejectReservation terminally rejects a reservation outside the normal
// apply path (retry budget exhausted).
func (s *Store) RejectReservation(ctx context.Context, reservationID int64, reason string) error {
	return s.pool.With(ctx, func(conn *pool.Conn) error {
		_, err := conn.DB().ExecContext(ctx,
			`UPDATE reservations SET status = ?, reason = ?, processed_at = ?
			 WHERE id = ? AND status = ?`,
			StatusRejected, reason, formatTime(time.Now().UTC()), reservationID, StatusPending)
		if err != nil {
			return fmt.Errorf("reject reservation %d: %w", reservationID, err)
		}
		return nil
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isUniqueViolation matches SQLite's unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
