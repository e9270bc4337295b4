// SQLite dead-letter store for trace payloads whose upload failed
// The schema is versioned with golang-migrate from embedded migrations
package deadletter

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a letter does not exist.
var ErrNotFound = errors.New("dead letter not found")

// Letter is a payload that could not be delivered.
type Letter struct {
	ID       uuid.UUID
	TraceID  trace.TraceID
	Key      string
	Trigger  string
	Payload  []byte
	Error    string
	Attempts int
	FailedAt time.Time
}

// Sink accepts undeliverable payloads.
type Sink interface {
	Record(ctx context.Context, l Letter) (uuid.UUID, error)
}

// Store persists letters in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading dead-letter migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing dead-letter migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing dead-letter migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating dead-letter schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores l, assigning an ID and failure time when unset.
func (s *Store) Record(ctx context.Context, l Letter) (uuid.UUID, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.FailedAt.IsZero() {
		l.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, trace_id, object_key, flush_trigger, payload, error, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.TraceID.String(), l.Key, l.Trigger, l.Payload, l.Error, l.Attempts, l.FailedAt.UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording dead letter for trace %s: %w", l.TraceID, err)
	}
	return l.ID, nil
}

// List returns up to limit letters, oldest first. A limit of zero or less
// returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, object_key, flush_trigger, payload, error, attempts, failed_at
		 FROM dead_letters ORDER BY failed_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var letters []Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return letters, nil
}

// Get returns a single letter.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Letter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trace_id, object_key, flush_trigger, payload, error, attempts, failed_at
		 FROM dead_letters WHERE id = ?`, id.String())
	l, err := scanLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Letter{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l, err
}

// Delete removes a letter.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("deleting dead letter %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting dead letter %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Purge removes letters that failed before cutoff and returns how many
// were removed. A zero cutoff removes everything.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		res sql.Result
		err error
	)
	if cutoff.IsZero() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, cutoff.UnixNano())
	}
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging dead letters: %w", err)
	}
	return int(n), nil
}

// Count returns the number of stored letters.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLetter(row scanner) (Letter, error) {
	var (
		l        Letter
		id       string
		traceID  string
		failedAt int64
	)
	if err := row.Scan(&id, &traceID, &l.Key, &l.Trigger, &l.Payload, &l.Error, &l.Attempts, &failedAt); err != nil {
		return Letter{}, err
	}
	var err error
	if l.ID, err = uuid.Parse(id); err != nil {
		return Letter{}, fmt.Errorf("dead letter id %q: %w", id, err)
	}
	if l.TraceID, err = trace.TraceIDFromHex(traceID); err != nil {
		return Letter{}, fmt.Errorf("dead letter %s trace id %q: %w", id, traceID, err)
	}
	l.FailedAt = time.Unix(0, failedAt)
	return l, nil
}
