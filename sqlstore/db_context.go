package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres  SQLDialect = "postgres"
	SQLDialectMySQL     SQLDialect = "mysql"
	SQLDialectMariaDB   SQLDialect = "mariadb"
	SQLDialectSQLite    SQLDialect = "sqlite"
	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// ParseDialect returns the dialect named s.
func ParseDialect(s string) (SQLDialect, error) {
	switch d := SQLDialect(strings.ToLower(s)); d {
	case SQLDialectPostgres, SQLDialectMySQL, SQLDialectMariaDB, SQLDialectSQLite, SQLDialectOracle, SQLDialectSQLServer:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", s)
	}
}

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the outbox table name.
type DBContext struct {
	db        DB
	dialect   SQLDialect
	tableName string
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableName sets a custom table name for the outbox table.
// Default is "outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) (*DBContext, error) {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) (*DBContext, error) {
	c := &DBContext{
		db:        db,
		dialect:   dialect,
		tableName: "outbox",
	}

	for _, opt := range opts {
		opt(c)
	}

	if _, err := ParseDialect(string(c.dialect)); err != nil {
		return nil, err
	}
	if err := ValidateTableName(c.tableName); err != nil {
		return nil, err
	}

	return c, nil
}

// Dialect returns the SQL dialect of the context.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateTableName checks that name is a plain SQL identifier safe to interpolate in queries.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// placeholder returns the SQL placeholder for the given 1-based index.
func (c *DBContext) placeholder(index int) string {
	switch c.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

func (c *DBContext) placeholders(from, count int) string {
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		list = append(list, c.placeholder(from+i))
	}
	return strings.Join(list, ", ")
}

const messageColumns = "id, target, message_type, payload, observability_context, created_at"

// buildClaimQuery returns the query locking the oldest messages of the table.
// Its only argument is the number of rows to lock.
func (c *DBContext) buildClaimQuery() string {
	limit := c.placeholder(1)

	switch c.dialect {
	case SQLDialectOracle:
		// FETCH FIRST cannot be combined with FOR UPDATE
		return fmt.Sprintf(`SELECT %s
			FROM %s
			WHERE id IN (SELECT id FROM (SELECT id FROM %s ORDER BY id) WHERE ROWNUM <= %s)
			ORDER BY id FOR UPDATE`, messageColumns, c.tableName, c.tableName, limit)

	case SQLDialectSQLServer:
		return fmt.Sprintf(`SELECT TOP (%s) %s
			FROM %s WITH (UPDLOCK, ROWLOCK)
			ORDER BY id`, limit, messageColumns, c.tableName)

	case SQLDialectSQLite:
		// the whole database is locked by the immediate transaction
		return fmt.Sprintf(`SELECT %s
			FROM %s
			ORDER BY id LIMIT %s`, messageColumns, c.tableName, limit)

	default:
		return fmt.Sprintf(`SELECT %s
			FROM %s
			ORDER BY id LIMIT %s FOR UPDATE`, messageColumns, c.tableName, limit)
	}
}

func (c *DBContext) buildDeleteQuery(count int) string {
	// nolint:gosec
	return fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", c.tableName, c.placeholders(1, count))
}

func (c *DBContext) buildInsertQuery() string {
	// nolint:gosec
	return fmt.Sprintf("INSERT INTO %s (target, message_type, payload, observability_context, created_at) VALUES (%s)",
		c.tableName, c.placeholders(1, 5))
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
