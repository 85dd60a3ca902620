package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQLStore(t *testing.T) {
	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newTestStore(t))
		})
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, "libsql", s.Dialect())
}

func TestMigration_Statements(t *testing.T) {
	m := migration{script: `-- header only;
CREATE TABLE a (id INTEGER);
-- trailing comment
CREATE INDEX idx_a ON a (id);
`}
	stmts := m.statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}

func TestDialectMigrations_Ordered(t *testing.T) {
	for _, d := range []dialect{libsqlDialect{}, postgresDialect{}} {
		ms, err := dialectMigrations(d)
		require.NoError(t, err, d.name())
		require.NotEmpty(t, ms)
		assert.Equal(t, 1, ms[0].version)
		assert.Equal(t, "initial_schema", ms[0].name)
	}
}

func TestMigrate_RecordsVersion(t *testing.T) {
	s := newTestStore(t)
	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestOpen_PicksBackendFromDSN(t *testing.T) {
	assert.True(t, isPostgresDSN("postgres://u:p@localhost/db"))
	assert.True(t, isPostgresDSN("postgresql://localhost/db"))
	assert.False(t, isPostgresDSN("file:/tmp/credflow.db"))

	s, err := Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "libsql", s.Dialect())
}

func TestPostgresRebind(t *testing.T) {
	d := postgresDialect{}
	assert.Equal(t,
		`SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)`,
		d.rebind(`SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)`))
	assert.Equal(t, "SELECT 1", d.rebind("SELECT 1"))
}
