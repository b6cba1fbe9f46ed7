package sqlstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTableName(t *testing.T) {
	t.Run("uses default table name when no option provided", func(t *testing.T) {
		dbCtx, err := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres)

		require.NoError(t, err)
		assert.Equal(t, "outbox", dbCtx.tableName)
	})

	t.Run("uses custom table name in queries", func(t *testing.T) {
		dbCtx, err := NewDBContextWithDB(&fakeDB{}, SQLDialectMySQL, WithTableName("custom_events"))

		require.NoError(t, err)
		assert.Equal(t, "DELETE FROM custom_events WHERE id IN (?, ?)", dbCtx.buildDeleteQuery(2))
		assert.Contains(t, dbCtx.buildClaimQuery(), "FROM custom_events")
	})
}

func TestValidateTableName(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		errMsg    string
	}{
		{name: "valid table name with letters", tableName: "outbox"},
		{name: "valid table name with underscore", tableName: "outbox_table"},
		{name: "valid table name starting with underscore", tableName: "_outbox"},
		{name: "valid table name with numbers", tableName: "outbox123"},
		{name: "valid table name with mixed case", tableName: "OutboxTable"},
		{name: "empty table name", tableName: "", errMsg: "table name cannot be empty"},
		{name: "table name starting with number", tableName: "123outbox", errMsg: "invalid table name"},
		{name: "table name with dash", tableName: "outbox-table", errMsg: "invalid table name"},
		{name: "table name with space", tableName: "outbox table", errMsg: "invalid table name"},
		{name: "table name with dot", tableName: "schema.outbox", errMsg: "invalid table name"},
		{name: "table name with injection", tableName: "outbox; DROP TABLE users", errMsg: "invalid table name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDBContextWithDB(&fakeDB{}, SQLDialectPostgres, WithTableName(tt.tableName))
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("SQLServer")
	require.NoError(t, err)
	assert.Equal(t, SQLDialectSQLServer, d)

	_, err = ParseDialect("db2")
	require.ErrorContains(t, err, `unsupported sql dialect "db2"`)

	_, err = NewDBContextWithDB(&fakeDB{}, SQLDialect("db2"))
	require.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		dialect  SQLDialect
		expected string
	}{
		{dialect: SQLDialectPostgres, expected: "$1, $2, $3"},
		{dialect: SQLDialectOracle, expected: ":1, :2, :3"},
		{dialect: SQLDialectSQLServer, expected: "@p1, @p2, @p3"},
		{dialect: SQLDialectMySQL, expected: "?, ?, ?"},
		{dialect: SQLDialectMariaDB, expected: "?, ?, ?"},
		{dialect: SQLDialectSQLite, expected: "?, ?, ?"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			dbCtx, err := NewDBContextWithDB(&fakeDB{}, tt.dialect)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dbCtx.placeholders(1, 3))
		})
	}
}

func TestBuildClaimQueryLocksRows(t *testing.T) {
	tests := []struct {
		dialect SQLDialect
		lock    string
		limit   string
	}{
		{dialect: SQLDialectPostgres, lock: "FOR UPDATE", limit: "LIMIT $1"},
		{dialect: SQLDialectMySQL, lock: "FOR UPDATE", limit: "LIMIT ?"},
		{dialect: SQLDialectMariaDB, lock: "FOR UPDATE", limit: "LIMIT ?"},
		{dialect: SQLDialectOracle, lock: "FOR UPDATE", limit: "ROWNUM <= :1"},
		{dialect: SQLDialectSQLServer, lock: "WITH (UPDLOCK, ROWLOCK)", limit: "TOP (@p1)"},
		{dialect: SQLDialectSQLite, limit: "LIMIT ?"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			dbCtx, err := NewDBContextWithDB(&fakeDB{}, tt.dialect)
			require.NoError(t, err)

			query := dbCtx.buildClaimQuery()
			assert.Contains(t, query, tt.limit)
			assert.Contains(t, query, "ORDER BY id")
			if tt.lock != "" {
				assert.Contains(t, query, tt.lock)
			} else {
				assert.False(t, strings.Contains(query, "FOR UPDATE"))
			}
		})
	}
}
