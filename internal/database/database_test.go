package database

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestOpenRequiresDSNForPostgres(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "sqlite", DSN: "file.db"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenInMemoryDuckDB(t *testing.T) {
	db, err := Open(context.Background(), Options{Driver: DriverDuckDB})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`CREATE TABLE users (id INTEGER, name VARCHAR)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO users VALUES (1, 'ada'), (2, 'grace')`); err != nil {
		t.Fatalf("insert rows: %v", err)
	}

	snapshot, err := NewSchemaProvider(db, "main").Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snapshot.Tables) != 1 || snapshot.Tables[0].Name != "users" || len(snapshot.Tables[0].Columns) != 2 {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	result, err := NewExecutor(db, ExecutorOptions{QueryTimeout: 5 * time.Second}).
		Execute(context.Background(), "SELECT id, name FROM users ORDER BY id LIMIT 1000")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || result.Rows[1]["name"] != "grace" {
		t.Fatalf("rows = %#v", result.Rows)
	}
}

func TestSnapshotGroupsColumnsByTable(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(snapshotQuery)).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}).
			AddRow("orders", "id", "integer").
			AddRow("orders", "total", "numeric").
			AddRow("users", "id", "integer").
			AddRow("users", "email", "text"))

	snapshot, err := NewSchemaProvider(db, "").Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snapshot.Schema != "public" {
		t.Fatalf("Schema = %q", snapshot.Schema)
	}
	if len(snapshot.Tables) != 2 {
		t.Fatalf("tables = %+v", snapshot.Tables)
	}
	if snapshot.Tables[0].Name != "orders" || snapshot.Tables[1].Name != "users" {
		t.Fatalf("table order = %+v", snapshot.Tables)
	}
	users := snapshot.Tables[1]
	if len(users.Columns) != 2 || users.Columns[0].Name != "id" || users.Columns[1] != (Column{Name: "email", DataType: "text"}) {
		t.Fatalf("users columns = %+v", users.Columns)
	}
	assertSQLMock(t, mock)
}

func TestSnapshotEmptySchema(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(snapshotQuery)).
		WithArgs("analytics").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}))

	snapshot, err := NewSchemaProvider(db, "analytics").Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snapshot.Tables == nil || len(snapshot.Tables) != 0 {
		t.Fatalf("tables = %#v, want empty non-nil", snapshot.Tables)
	}
	assertSQLMock(t, mock)
}

func TestSnapshotWrapsQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(snapshotQuery)).
		WithArgs("public").
		WillReturnError(errors.New("connection refused"))

	if _, err := NewSchemaProvider(db, "public").Snapshot(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	assertSQLMock(t, mock)
}

func TestExecuteReadOnlyTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM users LIMIT 1000")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("ada")).
			AddRow(int64(2), "grace"))
	mock.ExpectCommit()

	result, err := NewExecutor(db, ExecutorOptions{ReadOnly: true}).
		Execute(context.Background(), "SELECT id, name FROM users LIMIT 1000")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Columns) != 2 || result.Columns[0] != "id" || result.Columns[1] != "name" {
		t.Fatalf("columns = %#v", result.Columns)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %#v", result.Rows)
	}
	if result.Rows[0]["name"] != "ada" {
		t.Fatalf("byte values should be converted to strings, got %#v", result.Rows[0]["name"])
	}
	if result.Rows[1]["id"] != int64(2) {
		t.Fatalf("id = %#v", result.Rows[1]["id"])
	}
	assertSQLMock(t, mock)
}

func TestExecuteWithoutTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 AS one LIMIT 1000")).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))

	result, err := NewExecutor(db, ExecutorOptions{}).Execute(context.Background(), "SELECT 1 AS one LIMIT 1000")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0]["one"] != int64(1) {
		t.Fatalf("rows = %#v", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteReturnsEmptyRowsSlice(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery("SELECT id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	result, err := NewExecutor(db, ExecutorOptions{}).Execute(context.Background(), "SELECT id FROM users LIMIT 1000")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows == nil || len(result.Rows) != 0 {
		t.Fatalf("rows = %#v, want empty non-nil", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteWrapsFailuresAsExecutionError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT missing FROM users").
		WillReturnError(errors.New(`column "missing" does not exist`))
	mock.ExpectRollback()

	_, err := NewExecutor(db, ExecutorOptions{ReadOnly: true}).Execute(context.Background(), "SELECT missing FROM users LIMIT 1000")
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.SQL != "SELECT missing FROM users LIMIT 1000" {
		t.Fatalf("expected ExecutionError with SQL, got %#v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteBeginFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("read-only transactions unsupported"))

	_, err := NewExecutor(db, ExecutorOptions{ReadOnly: true}).Execute(context.Background(), "SELECT 1 LIMIT 1000")
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	assertSQLMock(t, mock)
}

func TestNilExecutorReturnsExecutionError(t *testing.T) {
	var executor *Executor
	if _, err := executor.Execute(context.Background(), "SELECT 1"); !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
