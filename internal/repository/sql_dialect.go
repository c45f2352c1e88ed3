package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/formaplus/automatisations/internal/config"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders returns "p(from), p(from+1), ..." for n values.
func placeholders(from, n int) string {
	pps := make([]string, 0, n)
	for i := 0; i < n; i++ {
		pps = append(pps, placeholder(from+i))
	}
	return strings.Join(pps, ", ")
}

func supportsReturning() bool {
	return config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_POSTGRES
}

// formatDateInDatabase renders a timestamp the way each driver stores it. All
// timestamps are kept in UTC.
func formatDateInDatabase(t time.Time) any {
	switch config.GetSystemSettingString(config.DATABASE_TYPE) {
	case config.DATABASE_TYPE_SQLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDateInDatabaseNull(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

// dateNotAfter returns a predicate checking column <= the bound parameter at
// index i. SQLite compares through julianday() so text timestamps order correctly.
func dateNotAfter(column string, i int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLITE {
		return fmt.Sprintf("julianday(%s) <= julianday(%s)", column, placeholder(i))
	}
	return fmt.Sprintf("%s <= %s", column, placeholder(i))
}

func dateBefore(column string, i int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLITE {
		return fmt.Sprintf("julianday(%s) < julianday(%s)", column, placeholder(i))
	}
	return fmt.Sprintf("%s < %s", column, placeholder(i))
}

func dateAfter(column string, i int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLITE {
		return fmt.Sprintf("julianday(%s) > julianday(%s)", column, placeholder(i))
	}
	return fmt.Sprintf("%s > %s", column, placeholder(i))
}

// insertReturningID runs an INSERT and returns the generated id, using
// RETURNING where the dialect has it and LastInsertId otherwise.
func insertReturningID(ctx context.Context, q querier, base string, vals ...any) (int64, error) {
	var id int64
	if supportsReturning() {
		if err := q.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, base, vals...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcNull(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}
