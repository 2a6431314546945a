package storage

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Dialect captures what differs between the supported SQL engines: the
// database/sql driver name, the DDL, and the placeholder style.
type Dialect struct {
	Driver      string
	schema      []string
	placeholder sq.PlaceholderFormat
}

// SQLite is the embedded default, backed by the pure-Go modernc.org/sqlite driver.
func SQLite() Dialect {
	return Dialect{Driver: "sqlite", schema: sqliteSchema, placeholder: sq.Question}
}

// Postgres uses the pgx stdlib driver.
func Postgres() Dialect {
	return Dialect{Driver: "pgx", schema: postgresSchema, placeholder: sq.Dollar}
}

// DialectFor maps a configured driver name onto its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3", "":
		return SQLite(), nil
	case "pgx", "postgres", "postgresql":
		return Postgres(), nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// builder starts statements in the dialect's placeholder format.
func (d Dialect) builder() sq.StatementBuilderType {
	ph := d.placeholder
	if ph == nil {
		ph = sq.Question
	}
	return sq.StatementBuilder.PlaceholderFormat(ph)
}
