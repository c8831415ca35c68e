package sqlguard

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeAppendsLimitToBareSelect(t *testing.T) {
	got, err := Sanitize("SELECT * FROM users")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if got != "SELECT * FROM users LIMIT 1000" {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestSanitizeStripsFencesCommentsAndTerminators(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "sql fence",
			raw:  "```sql\nSELECT name FROM users;\n```",
			want: "SELECT name FROM users LIMIT 1000",
		},
		{
			name: "bare fence",
			raw:  "```\nSELECT 1\n```",
			want: "SELECT 1 LIMIT 1000",
		},
		{
			name: "prose before fence",
			raw:  "Here is the query:\n```sql\nSELECT id FROM orders LIMIT 5\n```\nEnjoy.",
			want: "SELECT id FROM orders LIMIT 5",
		},
		{
			name: "line comment",
			raw:  "SELECT id -- primary key\nFROM users",
			want: "SELECT id \nFROM users LIMIT 1000",
		},
		{
			name: "block comment",
			raw:  "SELECT /* all */ id FROM users;;",
			want: "SELECT   id FROM users LIMIT 1000",
		},
		{
			name: "existing limit kept",
			raw:  "select id from users limit 10;",
			want: "select id from users limit 10",
		},
		{
			name: "comment markers inside literal",
			raw:  "SELECT '--not a comment' AS note",
			want: "SELECT '--not a comment' AS note LIMIT 1000",
		},
		{
			name: "fence inside literal of clean statement",
			raw:  "SELECT '```' AS tick",
			want: "SELECT '```' AS tick LIMIT 1000",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Sanitize(tc.raw)
			if err != nil {
				t.Fatalf("Sanitize() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("Sanitize() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"SELECT * FROM users",
		"```sql\nselect a, b from t where c = 'x;y' -- trailing\n```",
		"SELECT id /* c */ FROM t LIMIT 3;",
		"SELECT 'O''Brien' AS name",
	}
	for _, input := range inputs {
		first, err := Sanitize(input)
		if err != nil {
			t.Fatalf("Sanitize(%q) error = %v", input, err)
		}
		second, err := Sanitize(first)
		if err != nil {
			t.Fatalf("Sanitize(%q) second pass error = %v", first, err)
		}
		if first != second {
			t.Fatalf("Sanitize not idempotent: %q -> %q", first, second)
		}
	}
}

func TestSanitizeRejectsNonSelectPrefixes(t *testing.T) {
	for _, keyword := range DeniedKeywords {
		for _, raw := range []string{
			keyword + " something",
			strings.ToLower(keyword) + " something",
		} {
			_, err := Sanitize(raw)
			if !errors.Is(err, ErrUnsafeSQL) {
				t.Fatalf("Sanitize(%q) error = %v, want ErrUnsafeSQL", raw, err)
			}
		}
	}

	_, err := Sanitize("WITH x AS (SELECT 1) SELECT * FROM x")
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Rule != RuleNotSelect {
		t.Fatalf("expected not_select rejection, got %v", err)
	}
}

func TestSanitizeRejectsDeniedKeywordsAnywhere(t *testing.T) {
	tests := []string{
		"SELECT * FROM users WHERE id IN (SELECT id FROM t) OR drop = 1",
		"SELECT * FROM users WHERE note = 'please update me'",
		"SELECT \"Delete\" FROM audit",
		"SELECT 1 /* harmless */ FROM t WHERE x = 1 AND TRUNCATE",
	}
	for _, raw := range tests {
		_, err := Sanitize(raw)
		var rejection *RejectionError
		if !errors.As(err, &rejection) || rejection.Rule != RuleDenylist {
			t.Fatalf("Sanitize(%q) error = %v, want denylist rejection", raw, err)
		}
	}

	got, err := Sanitize("SELECT created_at, updated_by FROM dropbox_files")
	if err != nil {
		t.Fatalf("whole-word matching should allow identifiers: %v", err)
	}
	if !strings.HasSuffix(got, "LIMIT 1000") {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestSanitizeRejectsMultipleStatements(t *testing.T) {
	_, err := Sanitize("SELECT * FROM users; SELECT * FROM orders")
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Rule != RuleMultipleStatements {
		t.Fatalf("expected multiple statements rejection, got %v", err)
	}

	got, err := Sanitize("SELECT ';' AS sep")
	if err != nil {
		t.Fatalf("semicolon inside literal should pass: %v", err)
	}
	if got != "SELECT ';' AS sep LIMIT 1000" {
		t.Fatalf("Sanitize() = %q", got)
	}

	// Each of these hides a second statement from a scanner that does not
	// know about escapes or dollar quoting.
	hidden := []string{
		`SELECT E'a\'' ; SELECT pg_sleep(30) --'`,
		`SELECT 'a\' ; SELECT pg_sleep(30) --'`,
		`SELECT $$'$$; SELECT pg_sleep(30) --'`,
		`SELECT $tag$'$tag$; SELECT pg_sleep(30) --'`,
	}
	for _, raw := range hidden {
		got, err := Sanitize(raw)
		if !errors.As(err, &rejection) || rejection.Rule != RuleMalformed {
			t.Fatalf("Sanitize(%q) = %q, %v; want malformed rejection", raw, got, err)
		}
	}
}

func TestSanitizeAllowsDollarInsideIdentifiers(t *testing.T) {
	got, err := Sanitize("SELECT price$usd FROM t")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if got != "SELECT price$usd FROM t LIMIT 1000" {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestSanitizeRejectsCommentSmuggledStatement(t *testing.T) {
	_, err := Sanitize("SELECT 1; -- \nDROP TABLE users")
	if !errors.Is(err, ErrUnsafeSQL) {
		t.Fatalf("expected ErrUnsafeSQL, got %v", err)
	}
}

func TestSanitizeRejectsEmptyAndMalformedInput(t *testing.T) {
	tests := map[string]string{
		"":                         RuleEmpty,
		"   ;; ":                   RuleEmpty,
		"-- only a comment":        RuleEmpty,
		"```sql\n```":              RuleEmpty,
		"SELECT 'unterminated":     RuleMalformed,
		"SELECT 1 /* never closed": RuleMalformed,
	}
	for raw, rule := range tests {
		_, err := Sanitize(raw)
		var rejection *RejectionError
		if !errors.As(err, &rejection) || rejection.Rule != rule {
			t.Fatalf("Sanitize(%q) error = %v, want rule %q", raw, err, rule)
		}
	}
}

func TestGuardUsesConfiguredLimit(t *testing.T) {
	guard := New(Options{DefaultLimit: 25})
	got, err := guard.Sanitize("SELECT id FROM t")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if got != "SELECT id FROM t LIMIT 25" {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestRejectionErrorMessage(t *testing.T) {
	err := &RejectionError{Rule: RuleDenylist, Detail: "keyword DROP is not allowed"}
	if err.Error() != "unsafe sql (denylist): keyword DROP is not allowed" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
