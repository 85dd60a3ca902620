package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// dialect captures the few places where libSQL and Postgres SQL differ.
type dialect interface {
	name() string
	// rebind rewrites ? placeholders into the dialect's form.
	rebind(query string) string
	// claimLock is appended to the claim sub-select.
	claimLock() string
	isUniqueViolation(err error) bool
}

type libsqlDialect struct{}

func (libsqlDialect) name() string               { return "libsql" }
func (libsqlDialect) rebind(query string) string { return query }
func (libsqlDialect) claimLock() string          { return "" }

func (libsqlDialect) isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type postgresDialect struct{}

func (postgresDialect) name() string      { return "postgres" }
func (postgresDialect) claimLock() string { return " FOR UPDATE SKIP LOCKED" }

// rebind replaces each ? outside single-quoted literals with $1, $2, ...
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
