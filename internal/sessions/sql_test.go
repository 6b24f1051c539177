package sessions

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockDirectory(t *testing.T, dialect Dialect) (sqlmock.Sqlmock, *SQLDirectory) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_threads").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("SELECT thread_id, created_at FROM user_threads")
	mock.ExpectPrepare("INSERT INTO user_threads")
	mock.ExpectPrepare("DELETE FROM user_threads")

	dir, err := NewSQLDirectory(context.Background(), db, dialect)
	if err != nil {
		t.Fatalf("NewSQLDirectory() error = %v", err)
	}
	return mock, dir
}

func TestSQLDirectory_Lookup(t *testing.T) {
	created := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantOK    bool
		wantErr   bool
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT thread_id, created_at FROM user_threads").
					WithArgs("alice").
					WillReturnRows(sqlmock.NewRows([]string{"thread_id", "created_at"}).AddRow("thread_1", created))
			},
			wantOK: true,
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT thread_id, created_at FROM user_threads").
					WithArgs("alice").
					WillReturnError(sql.ErrNoRows)
			},
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT thread_id, created_at FROM user_threads").
					WithArgs("alice").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, dir := setupMockDirectory(t, DialectPostgres)
			tt.setupMock(mock)

			c, ok, err := dir.Lookup(context.Background(), "alice")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Lookup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("Lookup() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && (c.ThreadID != "thread_1" || c.UserID != "alice" || !c.CreatedAt.Equal(created)) {
				t.Errorf("Lookup() = %+v", c)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLDirectory_SaveAndDelete(t *testing.T) {
	mock, dir := setupMockDirectory(t, DialectPostgres)
	mock.ExpectExec("INSERT INTO user_threads").
		WithArgs("alice", "thread_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM user_threads").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := dir.Save(context.Background(), Context{UserID: "alice", ThreadID: "thread_1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := dir.Delete(context.Background(), "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := dir.Save(context.Background(), Context{UserID: "alice"}); err == nil {
		t.Error("Save() without thread id should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLDirectory_Placeholders(t *testing.T) {
	pg := &SQLDirectory{dialect: DialectPostgres}
	if got := pg.placeholders(2); got[0] != "$1" || got[1] != "$2" {
		t.Errorf("postgres placeholders = %v", got)
	}
	lite := &SQLDirectory{dialect: DialectSQLite}
	if got := lite.placeholders(2); got[0] != "?" || got[1] != "?" {
		t.Errorf("sqlite placeholders = %v", got)
	}
}

func TestOpenSQLDirectory_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "threads.db")
	dir, err := OpenSQLDirectory(ctx, SQLConfig{Driver: DialectSQLite, DSN: path})
	if err != nil {
		t.Fatalf("OpenSQLDirectory() error = %v", err)
	}
	defer dir.Close()

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := dir.Save(ctx, Context{UserID: "alice", ThreadID: "thread_a", CreatedAt: created}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := dir.Save(ctx, Context{UserID: "alice", ThreadID: "thread_b", CreatedAt: created}); err != nil {
		t.Fatalf("Save() upsert error = %v", err)
	}
	c, ok, err := dir.Lookup(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if c.ThreadID != "thread_b" {
		t.Errorf("ThreadID = %s, want thread_b", c.ThreadID)
	}
	if !c.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, created)
	}

	if err := dir.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := dir.Lookup(ctx, "alice"); ok {
		t.Error("mapping should be gone")
	}
}

func TestOpenSQLDirectory_Validation(t *testing.T) {
	if _, err := OpenSQLDirectory(context.Background(), SQLConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("expected unsupported driver error")
	}
	if _, err := OpenSQLDirectory(context.Background(), SQLConfig{Driver: DialectSQLite}); err == nil {
		t.Error("expected missing dsn error")
	}
}
