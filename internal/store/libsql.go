package store

import (
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// libsqlPragmas tune a local database for one writer and many short reads.
var libsqlPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// NewLibSQLStore opens a local libSQL database. dsn is a file URI such as
// "file:/var/lib/credflow/credflow.db".
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection serialises writers. Code inside InTx must use the
	// Store it is handed or it deadlocks on the outer pool.
	db.SetMaxOpenConns(1)

	for _, pragma := range libsqlPragmas {
		// Some pragmas answer with a row and some do not; either is fine.
		var ignored string
		_ = db.QueryRow(pragma).Scan(&ignored)
	}
	return newSQLStore(db, libsqlDialect{}), nil
}
