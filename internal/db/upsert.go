package db

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CounterUpsert describes a single-row INSERT ... ON CONFLICT that adds the
// inserted values to the existing row instead of overwriting it.
type CounterUpsert struct {
	Table        string   // target table (e.g., "public.ocr_usage")
	ConflictKeys []string // columns forming the unique constraint
	Counters     []string // columns incremented by EXCLUDED values on conflict
	Touch        []string // timestamp columns set to now() on conflict
}

// SQL builds the upsert statement. Placeholders follow the order
// ConflictKeys then Counters.
func (c CounterUpsert) SQL() (string, error) {
	if c.Table == "" {
		return "", eris.New("db: upsert: no table specified")
	}
	if len(c.ConflictKeys) == 0 {
		return "", eris.New("db: upsert: no conflict keys specified")
	}
	if len(c.Counters) == 0 {
		return "", eris.New("db: upsert: no counter columns specified")
	}

	cols := append(append([]string{}, c.ConflictKeys...), c.Counters...)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	table := sanitizeTable(c.Table)
	setClauses := make([]string, 0, len(c.Counters)+len(c.Touch))
	for _, col := range c.Counters {
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = %s.%s + EXCLUDED.%s", q, table, q, q))
	}
	for _, col := range c.Touch {
		setClauses = append(setClauses, fmt.Sprintf("%s = now()", pgx.Identifier{col}.Sanitize()))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table,
		quoteAndJoin(cols),
		strings.Join(placeholders, ", "),
		quoteAndJoin(c.ConflictKeys),
		strings.Join(setClauses, ", "),
	), nil
}

// sanitizeTable handles schema-qualified table names like "cliente_demo.tickets".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// QualifiedTable returns the sanitized "schema"."table" identifier.
func QualifiedTable(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
