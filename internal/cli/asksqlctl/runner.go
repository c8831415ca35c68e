package asksqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// requestError marks failures that happened after the command line was
// accepted. They exit with 1; everything else is a usage error and exits with 2.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if args == nil {
		args = []string{}
	}
	root := NewRootCommand(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(stderr, err)
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return 1
	}
	return 2
}

func NewRootCommand(defaults Options) *cobra.Command {
	var (
		baseURL string
		apiKey  string
		timeout time.Duration
	)

	client := func() *http.Client {
		if defaults.HTTPClient != nil {
			return defaults.HTTPClient
		}
		return &http.Client{Timeout: timeout}
	}
	send := func(cmd *cobra.Command, method, path string, body any) error {
		return call(cmd, client(), method, strings.TrimRight(baseURL, "/")+path, apiKey, body)
	}

	root := &cobra.Command{
		Use:           "asksqlctl",
		Short:         "Command line client for the asksql API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return errors.New("a command is required")
		},
	}
	root.PersistentFlags().StringVar(&baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "asksql API base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	var sqlOnly bool
	ask := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a question in natural language (POST /api/query)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question must not be empty")
			}
			if !sqlOnly {
				return send(cmd, http.MethodPost, "/api/query", map[string]string{"question": question})
			}
			return askSQLOnly(cmd, client(), strings.TrimRight(baseURL, "/")+"/api/query", apiKey, question)
		},
	}
	ask.Flags().BoolVar(&sqlOnly, "sql-only", false, "print only the generated SQL")

	root.AddCommand(
		ask,
		simpleCommand("metrics", "Show cache hit and miss counters (GET /api/metrics)", http.MethodGet, "/api/metrics", send),
		simpleCommand("schema", "Show the schema used for prompting (GET /api/schema)", http.MethodGet, "/api/schema", send),
		simpleCommand("health", "Check liveness (GET /api/health)", http.MethodGet, "/api/health", send),
		simpleCommand("ready", "Check readiness (GET /api/ready)", http.MethodGet, "/api/ready", send),
	)
	return root
}

func simpleCommand(use, short, method, path string, send func(*cobra.Command, string, string, any) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return send(cmd, method, path, nil)
		},
	}
}

func call(cmd *cobra.Command, client *http.Client, method, url, apiKey string, payload any) error {
	code, body, err := doRequest(cmd.Context(), client, method, url, apiKey, payload)
	if err != nil {
		return &requestError{err: fmt.Errorf("request failed: %w", err)}
	}
	if code >= 400 {
		return &requestError{err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))}
	}

	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), pretty)
	} else if len(body) > 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(body))
	}

	var envelope struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.ErrorCode != "" {
		return &requestError{err: fmt.Errorf("%s: %s", envelope.ErrorCode, envelope.Message)}
	}
	return nil
}

func askSQLOnly(cmd *cobra.Command, client *http.Client, url, apiKey, question string) error {
	code, body, err := doRequest(cmd.Context(), client, http.MethodPost, url, apiKey, map[string]string{"question": question})
	if err != nil {
		return &requestError{err: fmt.Errorf("request failed: %w", err)}
	}
	if code >= 400 {
		return &requestError{err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))}
	}
	var answer struct {
		SQL       string `json:"sql"`
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		return &requestError{err: fmt.Errorf("decode response: %w", err)}
	}
	if answer.ErrorCode != "" {
		return &requestError{err: fmt.Errorf("%s: %s", answer.ErrorCode, answer.Message)}
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), answer.SQL)
	return nil
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
