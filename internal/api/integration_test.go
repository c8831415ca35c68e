//go:build integration

package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/asksql/asksql/internal/cache"
	redisstore "github.com/asksql/asksql/internal/cache/redis"
	"github.com/asksql/asksql/internal/database"
	"github.com/asksql/asksql/internal/metrics"
	"github.com/asksql/asksql/internal/nl2sql"
	"github.com/asksql/asksql/internal/pipeline"
)

func TestQueryFlowAgainstPostgres(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("ASKSQL_TEST_DATABASE_URL"))
	if adminDSN == "" {
		t.Skip("ASKSQL_TEST_DATABASE_URL is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	db, err := database.Open(ctx, database.Options{Driver: database.DriverPostgres, DSN: testDSN, MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()
	seedUsers(t, db)

	var prompts atomic.Int32
	gemini := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prompts.Add(1)
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "users(id integer, name text)") {
			t.Errorf("prompt is missing the users table: %s", body)
		}
		_, _ = io.WriteString(w, `{"output":"SELECT id, name FROM users ORDER BY id"}`)
	}))
	defer gemini.Close()

	mr := miniredis.RunT(t)
	store, err := redisstore.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	defer func() { _ = store.Close() }()

	generator, err := nl2sql.NewGeminiClient(nl2sql.GeminiConfig{Endpoint: gemini.URL, APIKey: "integration-key"})
	if err != nil {
		t.Fatalf("gemini client: %v", err)
	}
	schema := database.NewSchemaProvider(db, "public")
	counters := metrics.NewService(store, nil)
	svc, err := pipeline.NewService(pipeline.Dependencies{
		Schema:    schema,
		Generator: generator,
		Executor:  database.NewExecutor(db, database.ExecutorOptions{QueryTimeout: 5 * time.Second, ReadOnly: true}),
		Cache:     cache.NewQueryCache(store, time.Minute, nil),
		Metrics:   counters,
		Prompt:    nl2sql.PromptOptions{Dialect: "PostgreSQL", Limit: 1000},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	h := NewHandler(loadConfig(t, nil), Dependencies{Pipeline: svc, Metrics: counters, Schema: schema})

	first := decodeQueryBody(t, postQuery(h, `{"question":"List all users"}`))
	if first["sql"] != "SELECT id, name FROM users ORDER BY id LIMIT 1000" {
		t.Fatalf("sql = %v", first["sql"])
	}
	data := first["data"].([]any)
	if len(data) != 3 || data[0].(map[string]any)["name"] != "ada" {
		t.Fatalf("data = %#v", data)
	}

	second := decodeQueryBody(t, postQuery(h, `{"question":"list all users"}`))
	if second["from_cache"] != true {
		t.Fatalf("second = %#v", second)
	}
	if prompts.Load() != 1 {
		t.Fatalf("generator calls = %d", prompts.Load())
	}

	snapshot, err := counters.Snapshot(ctx)
	if err != nil {
		t.Fatalf("metrics snapshot: %v", err)
	}
	if snapshot.CacheHits != 1 || snapshot.CacheMisses != 1 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestReadOnlyExecutorRejectsWrites(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("ASKSQL_TEST_DATABASE_URL"))
	if adminDSN == "" {
		t.Skip("ASKSQL_TEST_DATABASE_URL is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	db, err := database.Open(ctx, database.Options{Driver: database.DriverPostgres, DSN: testDSN})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	executor := database.NewExecutor(db, database.ExecutorOptions{QueryTimeout: 5 * time.Second, ReadOnly: true})
	_, err = executor.Execute(ctx, "CREATE TABLE smuggled (id integer)")
	if !errors.Is(err, database.ErrExecution) {
		t.Fatalf("Execute() error = %v, want ErrExecution", err)
	}

	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'smuggled')`).Scan(&exists); err != nil {
		t.Fatalf("lookup table: %v", err)
	}
	if exists {
		t.Fatal("read-only transaction allowed a write")
	}
}

func seedUsers(t *testing.T, db *sql.DB) {
	t.Helper()
	statements := []string{
		`CREATE TABLE users (id integer PRIMARY KEY, name text NOT NULL)`,
		`INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'grace'), (3, 'linus')`,
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			t.Fatalf("seed %q: %v", statement, err)
		}
	}
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		t.Fatal("admin DSN must include a database name")
	}

	adminDB, err := sql.Open(database.DriverPostgres, adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("asksql_it_api_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}

	testURL := *parsed
	testURL.Path = "/" + name
	testDSN := testURL.String()

	cleanup := func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
	return testDSN, cleanup
}
