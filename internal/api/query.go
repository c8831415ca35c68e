package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/asksql/asksql/internal/database"
	"github.com/asksql/asksql/internal/nl2sql"
	"github.com/asksql/asksql/internal/pipeline"
	"github.com/asksql/asksql/internal/sqlguard"
)

const (
	maxQueryBodyBytes = 64 << 10

	messageGenerationUnavailable = "LLM failed to produce SQL. Try a simpler prompt."
	messageUnsafeSQL             = "The generated SQL was rejected as unsafe. Try rephrasing the question."
)

type queryRequest struct {
	Question string `json:"question"`
}

type queryMetrics struct {
	ResponseTime float64 `json:"response_time"`
}

type queryResponse struct {
	SQL       string           `json:"sql"`
	Columns   []string         `json:"columns"`
	Data      []map[string]any `json:"data"`
	FromCache bool             `json:"from_cache,omitempty"`
	Message   string           `json:"message,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	Metrics   queryMetrics     `json:"metrics"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}

	var request queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBodyBytes)).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Question required"})
		return
	}

	answer, err := deps.Pipeline.Ask(r.Context(), request.Question)
	elapsed := queryMetrics{ResponseTime: answer.Elapsed.Seconds()}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, queryResponse{
			SQL:       answer.SQL,
			Columns:   nonNilColumns(answer.Columns),
			Data:      nonNilRows(answer.Rows),
			FromCache: answer.FromCache,
			Metrics:   elapsed,
		})
	case errors.Is(err, pipeline.ErrQuestionRequired):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Question required"})
	case errors.Is(err, nl2sql.ErrUnavailable):
		writeJSON(w, http.StatusOK, emptyAnswer(messageGenerationUnavailable, "GENERATION_UNAVAILABLE", elapsed))
	case errors.Is(err, sqlguard.ErrUnsafeSQL):
		writeJSON(w, http.StatusUnprocessableEntity, emptyAnswer(messageUnsafeSQL, "UNSAFE_SQL", elapsed))
	case errors.Is(err, database.ErrExecution):
		extra := map[string]any{"details": err.Error()}
		var execErr *database.ExecutionError
		if errors.As(err, &execErr) {
			extra["sql"] = execErr.SQL
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "QUERY_EXECUTION_FAILED", "query execution failed", false, extra)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "query failed", true, map[string]any{"details": err.Error()})
	}
}

func emptyAnswer(message, code string, elapsed queryMetrics) queryResponse {
	return queryResponse{
		SQL:       "",
		Columns:   []string{},
		Data:      []map[string]any{},
		Message:   message,
		ErrorCode: code,
		Metrics:   elapsed,
	}
}

func nonNilColumns(columns []string) []string {
	if columns == nil {
		return []string{}
	}
	return columns
}

func nonNilRows(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}
