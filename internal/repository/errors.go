package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStaleExecution   = errors.New("execution was modified concurrently")
	ErrStaleDefinition  = errors.New("definition was modified concurrently")
	ErrDuplicateEvent   = errors.New("execution already exists for this workflow and event")
	ErrDuplicateStepLog = errors.New("step attempt already logged")
	ErrStepInUse        = errors.New("step is referenced by an execution in progress")
)

// isUniqueViolation recognises unique constraint failures from each driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
