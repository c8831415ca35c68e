package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/asksql/asksql/internal/observability"
)

var ErrExecution = errors.New("query execution failed")

type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

type Result struct {
	Columns []string
	Rows    []map[string]any
}

type ExecutorOptions struct {
	QueryTimeout time.Duration
	// ReadOnly runs every statement in a read-only transaction.
	ReadOnly bool
}

type Executor struct {
	db   *sql.DB
	opts ExecutorOptions
}

func NewExecutor(db *sql.DB, opts ExecutorOptions) *Executor {
	return &Executor{db: db, opts: opts}
}

// Execute runs an already sanitized statement. Any failure is an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, statement string) (result Result, err error) {
	start := time.Now()
	defer func() {
		observability.ObserveQueryExecution(time.Since(start), err)
	}()

	if e == nil || e.db == nil {
		return Result{}, &ExecutionError{SQL: statement, Err: fmt.Errorf("executor is not configured")}
	}
	if e.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	}

	if !e.opts.ReadOnly {
		result, err = query(ctx, e.db, statement)
		if err != nil {
			return Result{}, &ExecutionError{SQL: statement, Err: err}
		}
		return result, nil
	}

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Result{}, &ExecutionError{SQL: statement, Err: fmt.Errorf("begin read-only transaction: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	result, err = query(ctx, tx, statement)
	if err != nil {
		return Result{}, &ExecutionError{SQL: statement, Err: err}
	}
	if err = tx.Commit(); err != nil {
		return Result{}, &ExecutionError{SQL: statement, Err: fmt.Errorf("commit read-only transaction: %w", err)}
	}
	return result, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func query(ctx context.Context, q queryer, statement string) (Result, error) {
	rows, err := q.QueryContext(ctx, statement)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return Result{Columns: columns, Rows: resultRows}, nil
}

func normalizeValue(value any) any {
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}
