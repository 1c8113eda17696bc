// Package appdb provides the Verifier's Layer 2 live-database re-check
// against the application's own Postgres database (a separate concern from
// the registry/vault SQLite stores s3refgc owns itself). The CDC Outbox
// takes its own connection pool and does not go through this package.
package appdb

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s3refgc/s3refgc/errtag"
)

// PostgresChecker implements verifier.DatabaseChecker against an
// application Postgres database. Every query is parameterized — no key
// value is ever interpolated into SQL text or matched with LIKE/ILIKE,
// closing the substring-false-positive hole a wildcard scan would reopen.
type PostgresChecker struct {
	pool *pgxpool.Pool
}

func NewPostgresChecker(pool *pgxpool.Pool) *PostgresChecker {
	return &PostgresChecker{pool: pool}
}

// ColumnHasExactKey reports whether table.column contains key as an exact
// scalar match. Table and column names come from operator-supplied
// configuration, not request input, but are still identifier-quoted
// defensively before being spliced into the query text.
func (p *PostgresChecker) ColumnHasExactKey(ctx context.Context, table, column, key string) (bool, error) {
	qualified := quoteIdent(table) + "." + quoteIdent(column)

	var found bool

	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM `+qualified+` WHERE `+qualified+`::text = $1)
	`, key).Scan(&found)
	if err != nil {
		return false, errtag.CDCf("column_has_exact_key", err, map[string]any{"table": table, "column": column})
	}

	return found, nil
}

// ColumnArrayContainsKey reports whether table.column — a jsonb array
// column — contains key as an exact element, using jsonb's `@>`
// containment operator rather than any text scan.
func (p *PostgresChecker) ColumnArrayContainsKey(ctx context.Context, table, column, key string) (bool, error) {
	qualified := quoteIdent(table) + "." + quoteIdent(column)

	var found bool

	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM `+qualified+` WHERE `+qualified+` @> to_jsonb($1::text))
	`, key).Scan(&found)
	if err != nil {
		return false, errtag.CDCf("column_array_contains_key", err, map[string]any{"table": table, "column": column})
	}

	return found, nil
}

// quoteIdent double-quotes a Postgres identifier, doubling any embedded
// quote. It does not validate the identifier otherwise — callers control
// the configured table/column names, not request input.
func quoteIdent(ident string) string {
	escaped := ""

	for _, r := range ident {
		if r == '"' {
			escaped += `""`

			continue
		}

		escaped += string(r)
	}

	return `"` + escaped + `"`
}
