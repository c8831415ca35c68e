package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	libinjection "github.com/corazawaf/libinjection-go"
	"golang.org/x/sync/singleflight"

	"github.com/asksql/asksql/internal/cache"
	"github.com/asksql/asksql/internal/database"
	"github.com/asksql/asksql/internal/nl2sql"
	"github.com/asksql/asksql/internal/observability"
	"github.com/asksql/asksql/internal/sqlguard"
)

var ErrQuestionRequired = errors.New("question required")

const (
	defaultCacheWriteTimeout = 2 * time.Second
	defaultFlightTimeout     = time.Minute
)

type SchemaSource interface {
	Snapshot(ctx context.Context) (database.Snapshot, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Sanitizer interface {
	Sanitize(raw string) (string, error)
}

type Executor interface {
	Execute(ctx context.Context, statement string) (database.Result, error)
}

type QueryCache interface {
	Lookup(ctx context.Context, normalized string) (cache.Entry, bool)
	Put(ctx context.Context, normalized string, entry cache.Entry) error
}

type Counters interface {
	RecordHit(ctx context.Context) error
	RecordMiss(ctx context.Context) error
}

type Dependencies struct {
	Schema    SchemaSource
	Generator Generator
	Sanitizer Sanitizer
	Executor  Executor
	Cache     QueryCache
	Metrics   Counters
	Prompt    nl2sql.PromptOptions
	// Singleflight collapses concurrent misses for the same question.
	Singleflight bool
	// FlightTimeout bounds a shared miss, which runs detached from any single
	// caller's context.
	FlightTimeout     time.Duration
	CacheWriteTimeout time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

type Answer struct {
	SQL       string
	Columns   []string
	Rows      []map[string]any
	FromCache bool
	Elapsed   time.Duration
}

type Service struct {
	schema            SchemaSource
	generator         Generator
	sanitizer         Sanitizer
	executor          Executor
	cache             QueryCache
	metrics           Counters
	prompt            nl2sql.PromptOptions
	singleflight      bool
	group             singleflight.Group
	flightTimeout     time.Duration
	cacheWriteTimeout time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Schema == nil:
		return nil, fmt.Errorf("schema source is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("query cache is required")
	case deps.Metrics == nil:
		return nil, fmt.Errorf("metrics service is required")
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = sqlguard.New(sqlguard.Options{DefaultLimit: deps.Prompt.Limit})
	}
	writeTimeout := deps.CacheWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultCacheWriteTimeout
	}
	flightTimeout := deps.FlightTimeout
	if flightTimeout <= 0 {
		flightTimeout = defaultFlightTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		schema:            deps.Schema,
		generator:         deps.Generator,
		sanitizer:         sanitizer,
		executor:          deps.Executor,
		cache:             deps.Cache,
		metrics:           deps.Metrics,
		prompt:            deps.Prompt,
		singleflight:      deps.Singleflight,
		flightTimeout:     flightTimeout,
		cacheWriteTimeout: writeTimeout,
		logger:            observability.Component(deps.Logger, "pipeline"),
		now:               now,
	}, nil
}

// Ask answers one question. Exactly one of the hit and miss counters is
// incremented for every non-empty question. Errors wrap nl2sql.ErrUnavailable,
// sqlguard.ErrUnsafeSQL or database.ErrExecution; Elapsed is set either way.
func (s *Service) Ask(ctx context.Context, question string) (Answer, error) {
	normalized := cache.Normalize(question)
	if normalized == "" {
		return Answer{}, ErrQuestionRequired
	}
	s.auditQuestion(ctx, question)

	snapshot, err := s.schema.Snapshot(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "schema snapshot unavailable, prompting without schema", slog.Any("error", err))
		snapshot = database.Snapshot{}
	}
	prompt := s.prompt.Build(strings.TrimSpace(question), snapshot)

	start := s.now()
	if entry, ok := s.cache.Lookup(ctx, normalized); ok {
		s.count(ctx, "hit", s.metrics.RecordHit)
		return Answer{
			SQL:       entry.SQL,
			Columns:   entry.Columns,
			Rows:      entry.Rows,
			FromCache: true,
			Elapsed:   s.now().Sub(start),
		}, nil
	}
	s.count(ctx, "miss", s.metrics.RecordMiss)

	answer, err := s.resolve(ctx, normalized, prompt)
	answer.Elapsed = s.now().Sub(start)
	if err != nil {
		return Answer{Elapsed: answer.Elapsed}, err
	}
	return answer, nil
}

func (s *Service) resolve(ctx context.Context, normalized, prompt string) (Answer, error) {
	if !s.singleflight {
		return s.compute(ctx, normalized, prompt)
	}
	// The shared computation must outlive whichever caller started it; each
	// caller still gives up on its own context.
	results := s.group.DoChan(cache.Key(normalized), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flightTimeout)
		defer cancel()
		return s.compute(flightCtx, normalized, prompt)
	})
	select {
	case <-ctx.Done():
		return Answer{}, fmt.Errorf("%w: %w", nl2sql.ErrUnavailable, ctx.Err())
	case res := <-results:
		if res.Shared {
			s.logger.DebugContext(ctx, "miss shared with concurrent request", slog.String("question", normalized))
		}
		if res.Err != nil {
			return Answer{}, res.Err
		}
		return res.Val.(Answer), nil
	}
}

func (s *Service) compute(ctx context.Context, normalized, prompt string) (Answer, error) {
	raw, err := s.generator.Generate(ctx, prompt)
	if err == nil && strings.TrimSpace(raw) == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		if !errors.Is(err, nl2sql.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", nl2sql.ErrUnavailable, err)
		}
		s.logger.WarnContext(ctx, "sql generation failed", slog.Any("error", err))
		return Answer{}, err
	}

	statement, err := s.sanitizer.Sanitize(raw)
	if err != nil {
		rule := "unknown"
		var rejection *sqlguard.RejectionError
		if errors.As(err, &rejection) {
			rule = rejection.Rule
		}
		if !errors.Is(err, sqlguard.ErrUnsafeSQL) {
			err = fmt.Errorf("%w: %w", sqlguard.ErrUnsafeSQL, err)
		}
		observability.IncrementSQLRejection(rule)
		s.logger.WarnContext(ctx, "generated sql rejected", slog.String("rule", rule), slog.String("raw_sql", raw))
		return Answer{}, err
	}

	result, err := s.executor.Execute(ctx, statement)
	if err != nil {
		if !errors.Is(err, database.ErrExecution) {
			err = &database.ExecutionError{SQL: statement, Err: err}
		}
		s.logger.ErrorContext(ctx, "query execution failed", slog.String("sql", statement), slog.Any("error", err))
		return Answer{}, err
	}

	rows := result.Rows
	if rows == nil {
		rows = make([]map[string]any, 0)
	}
	s.store(ctx, normalized, cache.Entry{
		SQL:      statement,
		Columns:  result.Columns,
		Rows:     rows,
		CachedAt: s.now().UTC(),
	})
	return Answer{SQL: statement, Columns: result.Columns, Rows: rows}, nil
}

// store writes on a context detached from the caller so a disconnecting
// client does not abort a write that is already underway.
func (s *Service) store(ctx context.Context, normalized string, entry cache.Entry) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cacheWriteTimeout)
	defer cancel()
	if err := s.cache.Put(writeCtx, normalized, entry); err != nil {
		s.logger.WarnContext(ctx, "cache write failed", slog.Any("error", err))
	}
}

func (s *Service) count(ctx context.Context, result string, record func(context.Context) error) {
	if err := record(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "cache counter update failed", slog.String("result", result), slog.Any("error", err))
	}
}

// auditQuestion flags questions that look like injection payloads. Flagged
// questions are still answered; the sanitizer gates what actually runs.
func (s *Service) auditQuestion(ctx context.Context, question string) {
	suspicious, fingerprint := libinjection.IsSQLi(question)
	if !suspicious {
		return
	}
	observability.IncrementSuspiciousQuestion()
	s.logger.WarnContext(ctx, "question resembles sql injection", slog.String("fingerprint", string(fingerprint)))
}
