package sqlstore

import (
	"errors"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sijms/go-ora/v2/network"
)

// isLockContention reports whether err means the claim lost against another holder:
// a lock wait timeout or a deadlock victim. Those are retried at the next round.
func isLockContention(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isPostgresContention(string(pqErr.Code))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isPostgresContention(pgErr.Code)
	}

	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == 1222 || mssqlErr.Number == 1205
	}

	var oraErr *network.OracleError
	if errors.As(err, &oraErr) {
		return oraErr.ErrCode == 54 || oraErr.ErrCode == 30006 || oraErr.ErrCode == 60
	}

	return false
}

func isPostgresContention(code string) bool {
	return code == "55P03" || code == "40P01"
}
