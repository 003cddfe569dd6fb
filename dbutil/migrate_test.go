package dbutil

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	script := `-- comment
CREATE TABLE a (
    id TEXT PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS a_idx ON a (id);
INSERT INTO a (id) VALUES ('x')`

	stmts := splitStatements(script)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.NotContains(t, stmts[0], ";")
	assert.Equal(t, "INSERT INTO a (id) VALUES ('x')", stmts[2])
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, SQLiteDSN(filepath.Join(t.TempDir(), "m.db")), PoolOptions{})
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0002_rows.sql": {Data: []byte("INSERT INTO items (id) VALUES ('a');\n")},
		"0001_init.sql": {Data: []byte("CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY);\n")},
	}

	n, err := Migrate(ctx, db, DriverSQLite, fsys, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = Migrate(ctx, db, DriverSQLite, fsys, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	var count int
	require.NoError(t, db.GetContext(ctx, &count, `SELECT COUNT(*) FROM items`))
	assert.Equal(t, 1, count)
}

func TestMigrateRollsBackFailedScript(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, SQLiteDSN(filepath.Join(t.TempDir(), "m.db")), PoolOptions{})
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_bad.sql": {Data: []byte("CREATE TABLE t1 (id TEXT);\nNOT VALID SQL;\n")},
	}
	_, err = Migrate(ctx, db, DriverSQLite, fsys, nil)
	require.Error(t, err)

	var versions []string
	require.NoError(t, db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`))
	assert.Empty(t, versions)

	fsys["0001_bad.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t1 (id TEXT);\n")}
	n, err := Migrate(ctx, db, DriverSQLite, fsys, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
