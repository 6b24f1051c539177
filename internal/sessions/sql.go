package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and the driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLConfig configures a SQL-backed directory.
type SQLConfig struct {
	Driver          Dialect
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// SQLDirectory stores the user to thread mapping in SQLite or Postgres.
type SQLDirectory struct {
	db      *sql.DB
	dialect Dialect

	stmtLookup *sql.Stmt
	stmtSave   *sql.Stmt
	stmtDelete *sql.Stmt
}

// OpenSQLDirectory opens the database, creates the table if needed and
// prepares statements.
func OpenSQLDirectory(ctx context.Context, cfg SQLConfig) (*SQLDirectory, error) {
	switch cfg.Driver {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sessions driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sessions dsn is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d, err := NewSQLDirectory(ctx, db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// NewSQLDirectory wraps an open database.
func NewSQLDirectory(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLDirectory, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	d := &SQLDirectory{db: db, dialect: dialect}
	if err := d.migrate(ctx); err != nil {
		return nil, err
	}
	if err := d.prepareStatements(ctx); err != nil {
		d.closeStatements()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return d, nil
}

func (d *SQLDirectory) migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_threads (
			user_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create user_threads: %w", err)
	}
	return nil
}

// placeholders returns n positional parameters for the dialect.
func (d *SQLDirectory) placeholders(n int) []any {
	out := make([]any, n)
	for i := range out {
		if d.dialect == DialectPostgres {
			out[i] = fmt.Sprintf("$%d", i+1)
		} else {
			out[i] = "?"
		}
	}
	return out
}

func (d *SQLDirectory) prepareStatements(ctx context.Context) error {
	var err error

	d.stmtLookup, err = d.db.PrepareContext(ctx, fmt.Sprintf(
		`SELECT thread_id, created_at FROM user_threads WHERE user_id = %s`,
		d.placeholders(1)...))
	if err != nil {
		return fmt.Errorf("prepare lookup: %w", err)
	}

	d.stmtSave, err = d.db.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO user_threads (user_id, thread_id, created_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (user_id) DO UPDATE SET thread_id = excluded.thread_id, created_at = excluded.created_at`,
		d.placeholders(3)...))
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}

	d.stmtDelete, err = d.db.PrepareContext(ctx, fmt.Sprintf(
		`DELETE FROM user_threads WHERE user_id = %s`,
		d.placeholders(1)...))
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	return nil
}

// Lookup implements Directory.
func (d *SQLDirectory) Lookup(ctx context.Context, userID string) (Context, bool, error) {
	c := Context{UserID: userID}
	err := d.stmtLookup.QueryRowContext(ctx, userID).Scan(&c.ThreadID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Context{}, false, nil
	}
	if err != nil {
		return Context{}, false, fmt.Errorf("lookup thread: %w", err)
	}
	return c, true, nil
}

// Save implements Directory.
func (d *SQLDirectory) Save(ctx context.Context, c Context) error {
	if c.UserID == "" || c.ThreadID == "" {
		return errors.New("user id and thread id are required")
	}
	if _, err := d.stmtSave.ExecContext(ctx, c.UserID, c.ThreadID, c.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("save thread: %w", err)
	}
	return nil
}

// Delete implements Directory.
func (d *SQLDirectory) Delete(ctx context.Context, userID string) error {
	if _, err := d.stmtDelete.ExecContext(ctx, userID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func (d *SQLDirectory) closeStatements() []error {
	var errs []error
	for _, stmt := range []*sql.Stmt{d.stmtLookup, d.stmtSave, d.stmtDelete} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Close closes prepared statements and the database.
func (d *SQLDirectory) Close() error {
	errs := d.closeStatements()
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
