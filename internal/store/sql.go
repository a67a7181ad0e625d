package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/yairfalse/curfew/internal/ledger"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect names a supported SQL database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

const warningColumns = "instance_id, name, strikes, launch_date, delay_shutdown, silenced, created_at, updated_at, version"

// SQLStore keeps the ledger in a relational database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens the sqlite database file at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	// _txlock=immediate makes every transaction take the write lock up front,
	// so Mutate reads and writes under the same lock.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, DialectSQLite)
}

// OpenPostgres connects to postgres and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(ctx, db, DialectPostgres)
}

// OpenMySQL connects to mysql and migrates the schema.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// Migrations hold more than one statement per file.
	cfg.MultiStatements = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLStore(ctx, db, DialectMySQL)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, string(s.dialect))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	case DialectPostgres:
		driver, err = migratepostgres.WithInstance(s.db, &migratepostgres.Config{})
	case DialectMySQL:
		driver, err = migratemysql.WithInstance(s.db, &migratemysql.Config{})
	default:
		return fmt.Errorf("unsupported dialect %q", s.dialect)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(s.dialect), driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWarning(row rowScanner) (ledger.WarningRecord, error) {
	var (
		rec                  ledger.WarningRecord
		launch, created, upd int64
		delay                sql.NullInt64
		silenced             int64
	)
	err := row.Scan(&rec.ResourceID, &rec.Name, &rec.Strikes, &launch, &delay, &silenced, &created, &upd, &rec.Version)
	if err != nil {
		return ledger.WarningRecord{}, err
	}
	rec.LaunchTime = fromMillis(launch)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(upd)
	rec.Silenced = silenced != 0
	if delay.Valid {
		t := fromMillis(delay.Int64)
		rec.DelayUntil = &t
	}
	return rec, nil
}

func warningArgs(rec ledger.WarningRecord) []any {
	var delay sql.NullInt64
	if rec.DelayUntil != nil {
		delay = sql.NullInt64{Int64: rec.DelayUntil.UnixMilli(), Valid: true}
	}
	silenced := 0
	if rec.Silenced {
		silenced = 1
	}
	return []any{
		rec.ResourceID, rec.Name, rec.Strikes, rec.LaunchTime.UnixMilli(), delay,
		silenced, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), rec.Version,
	}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Get returns the record for id.
func (s *SQLStore) Get(ctx context.Context, id string) (ledger.WarningRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+warningColumns+" FROM warnings WHERE instance_id = ?"), id)
	rec, err := scanWarning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WarningRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.WarningRecord{}, fmt.Errorf("get warning %s: %w", id, err)
	}
	return rec, nil
}

// List returns all records ordered by instance id.
func (s *SQLStore) List(ctx context.Context) ([]ledger.WarningRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+warningColumns+" FROM warnings ORDER BY instance_id")
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ledger.WarningRecord
	for rows.Next() {
		rec, err := scanWarning(rows)
		if err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Mutate runs fn inside a transaction holding the row lock. A concurrent
// first insert of the same id surfaces as a unique violation and is retried.
func (s *SQLStore) Mutate(ctx context.Context, id string, fn ledger.MutateFunc) (ledger.Mutation, error) {
	var result ledger.Mutation
	op := func() error {
		m, err := s.mutateOnce(ctx, id, fn)
		if errors.Is(err, ledger.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = m
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return ledger.Mutation{}, err
	}
	return result, nil
}

func (s *SQLStore) mutateOnce(ctx context.Context, id string, fn ledger.MutateFunc) (ledger.Mutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Mutation{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := "SELECT " + warningColumns + " FROM warnings WHERE instance_id = ?"
	if s.dialect != DialectSQLite {
		query += " FOR UPDATE"
	}

	var current *ledger.WarningRecord
	rec, err := scanWarning(tx.QueryRowContext(ctx, s.rebind(query), id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ledger.Mutation{}, fmt.Errorf("read warning %s: %w", id, err)
	default:
		current = &rec
	}

	m, err := fn(current)
	if err != nil {
		return ledger.Mutation{}, err
	}
	m, err = ledger.Finalize(id, current, m)
	if err != nil {
		return ledger.Mutation{}, err
	}

	switch m.Op {
	case ledger.OpPut:
		if current == nil {
			_, err = tx.ExecContext(ctx, s.rebind("INSERT INTO warnings ("+warningColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"), warningArgs(m.Record)...)
		} else {
			args := warningArgs(m.Record)
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE warnings SET name = ?, strikes = ?, launch_date = ?, delay_shutdown = ?,
				silenced = ?, created_at = ?, updated_at = ?, version = ? WHERE instance_id = ?`),
				append(args[1:], id)...)
		}
	case ledger.OpDelete:
		_, err = tx.ExecContext(ctx, s.rebind("DELETE FROM warnings WHERE instance_id = ?"), id)
	case ledger.OpKeep:
		return m, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Mutation{}, ledger.ErrConflict
		}
		return ledger.Mutation{}, fmt.Errorf("write warning %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Mutation{}, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// GetIdentity returns the cached identity for email.
func (s *SQLStore) GetIdentity(ctx context.Context, email string) (ledger.IdentityRecord, error) {
	var (
		rec     ledger.IdentityRecord
		updated int64
	)
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT email, slack_user_id, timezone, updated_at FROM users WHERE email = ?"), email)
	err := row.Scan(&rec.Email, &rec.UserID, &rec.Timezone, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.IdentityRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.IdentityRecord{}, fmt.Errorf("get identity: %w", err)
	}
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

// PutIdentity replaces the row for rec.Email, evicting any other email that
// holds the same user id.
func (s *SQLStore) PutIdentity(ctx context.Context, rec ledger.IdentityRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM users WHERE email = ? OR slack_user_id = ?"), rec.Email, rec.UserID); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO users (email, slack_user_id, timezone, updated_at) VALUES (?, ?, ?, ?)"),
		rec.Email, rec.UserID, rec.Timezone, rec.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return tx.Commit()
}

// DeleteIdentity removes the identity for email.
func (s *SQLStore) DeleteIdentity(ctx context.Context, email string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM users WHERE email = ?"), email); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
