package nl2sql

import (
	"fmt"
	"strings"

	"github.com/asksql/asksql/internal/database"
	"github.com/asksql/asksql/internal/sqlguard"
)

const defaultDialect = "PostgreSQL"

type PromptOptions struct {
	// Dialect names the SQL flavour the model should target.
	Dialect string
	Limit   int
}

// BuildPrompt renders the default PostgreSQL prompt with LIMIT 1000.
func BuildPrompt(question string, snapshot database.Snapshot) string {
	return PromptOptions{}.Build(question, snapshot)
}

// Build is deterministic: the same question and snapshot yield the same prompt.
func (o PromptOptions) Build(question string, snapshot database.Snapshot) string {
	dialect := strings.TrimSpace(o.Dialect)
	if dialect == "" {
		dialect = defaultDialect
	}
	limit := o.Limit
	if limit <= 0 {
		limit = sqlguard.DefaultLimit
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Convert the user's question into a single safe %s SELECT query.\n\n", dialect)
	b.WriteString("Schema:\n")
	b.WriteString(renderSchema(snapshot))
	b.WriteString("\nRules:\n")
	b.WriteString("- Output only one SQL SELECT statement. No explanation, no markdown.\n")
	fmt.Fprintf(&b, "- Never use DML or DDL (%s).\n", strings.Join(sqlguard.DeniedKeywords, ", "))
	b.WriteString("- Use only the tables and columns listed in the schema.\n")
	fmt.Fprintf(&b, "- Add LIMIT %d if not present.\n", limit)
	fmt.Fprintf(&b, "\nQuestion: \"%s\"\n", question)
	return b.String()
}

func renderSchema(snapshot database.Snapshot) string {
	if len(snapshot.Tables) == 0 {
		return "(no tables found)\n"
	}
	var b strings.Builder
	for _, table := range snapshot.Tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, strings.TrimSpace(column.Name+" "+column.DataType))
		}
		fmt.Fprintf(&b, "%s(%s)\n", table.Name, strings.Join(columns, ", "))
	}
	return b.String()
}
