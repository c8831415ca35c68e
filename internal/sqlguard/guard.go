// Package sqlguard turns untrusted generated text into a single bounded SELECT.
//
// The guard works on tokens, not on a parse tree. Keywords are matched as whole
// words anywhere outside comments, string literals included, so a literal such
// as 'update' is rejected. Obfuscated payloads that survive token matching are
// not caught here; executors are expected to add a database-level backstop
// (read-only transactions, restricted roles).
package sqlguard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnsafeSQL = errors.New("unsafe sql")

const (
	RuleEmpty              = "empty"
	RuleMalformed          = "malformed"
	RuleNotSelect          = "not_select"
	RuleMultipleStatements = "multiple_statements"
	RuleDenylist           = "denylist"
)

const DefaultLimit = 1000

// DeniedKeywords are rejected wherever they appear as a word.
var DeniedKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE", "CREATE", "GRANT", "REVOKE",
}

type RejectionError struct {
	Rule   string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("unsafe sql (%s): %s", e.Rule, e.Detail)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrUnsafeSQL
}

type Options struct {
	// DefaultLimit is appended as "LIMIT n" when the statement has none.
	DefaultLimit int
}

type Guard struct {
	limit  int
	denied map[string]struct{}
}

func New(opts Options) *Guard {
	limit := opts.DefaultLimit
	if limit <= 0 {
		limit = DefaultLimit
	}
	denied := make(map[string]struct{}, len(DeniedKeywords))
	for _, keyword := range DeniedKeywords {
		denied[keyword] = struct{}{}
	}
	return &Guard{limit: limit, denied: denied}
}

var defaultGuard = New(Options{})

// Sanitize applies the default guard (LIMIT 1000).
func Sanitize(raw string) (string, error) {
	return defaultGuard.Sanitize(raw)
}

// Sanitize is idempotent: feeding its output back in returns the same text.
func (g *Guard) Sanitize(raw string) (string, error) {
	stripped, err := scan(stripFences(raw))
	if err != nil {
		return "", err
	}
	statement := trimTerminators(stripped.text)
	if statement == "" {
		return "", &RejectionError{Rule: RuleEmpty, Detail: "no statement found"}
	}

	parsed, err := scan(statement)
	if err != nil {
		return "", err
	}
	if len(parsed.tokens) == 0 || parsed.tokens[0].quoted || parsed.tokens[0].text != "SELECT" ||
		!strings.HasPrefix(strings.ToUpper(statement), "SELECT") {
		return "", &RejectionError{Rule: RuleNotSelect, Detail: "statement must start with SELECT"}
	}
	if parsed.separators > 0 {
		return "", &RejectionError{Rule: RuleMultipleStatements, Detail: "only one statement is allowed"}
	}

	hasLimit := false
	for _, tok := range parsed.tokens {
		if _, denied := g.denied[tok.text]; denied {
			return "", &RejectionError{Rule: RuleDenylist, Detail: "keyword " + tok.text + " is not allowed"}
		}
		if !tok.quoted && tok.text == "LIMIT" {
			hasLimit = true
		}
	}
	if !hasLimit {
		statement += " LIMIT " + strconv.Itoa(g.limit)
	}
	if err := verify(statement); err != nil {
		return "", err
	}
	return statement, nil
}

// verify rescans the final statement: it must be comment free, a single
// statement, and carry an unquoted LIMIT.
func verify(statement string) error {
	final, err := scan(statement)
	if err != nil {
		return err
	}
	if final.text != statement || final.separators > 0 {
		return &RejectionError{Rule: RuleMalformed, Detail: "statement changed when rescanned"}
	}
	for _, tok := range final.tokens {
		if !tok.quoted && tok.text == "LIMIT" {
			return nil
		}
	}
	return &RejectionError{Rule: RuleMalformed, Detail: "row limit could not be applied"}
}

// stripFences removes markdown code fences. A fenced block is only searched for
// when the text does not already begin with SELECT, so fence characters inside
// literals of an already clean statement are left alone.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return trimmed
	}
	if start > 0 && hasSelectPrefix(trimmed) {
		return trimmed
	}
	body := trimmed[start+3:]
	if newline := strings.IndexByte(body, '\n'); newline >= 0 && isFenceLanguage(body[:newline]) {
		body = body[newline+1:]
	} else {
		body = strings.TrimPrefix(body, "sql")
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceLanguage(tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, r := range tag {
		if !isWordRune(r) {
			return false
		}
	}
	return true
}

func hasSelectPrefix(text string) bool {
	if len(text) < 6 || !strings.EqualFold(text[:6], "SELECT") {
		return false
	}
	return len(text) == 6 || !isWordRune(rune(text[6]))
}

func trimTerminators(text string) string {
	trimmed := strings.TrimSpace(text)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
