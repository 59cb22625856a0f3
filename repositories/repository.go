package repositories

import (
	"context"
	"database/sql"
)

// SQLExecutor позволяет методам репозитория работать и с *sql.DB, и с
// *sql.Tx: сервисы передают транзакцию там, где нужна атомарность
// (например, создание всей сетки целиком).
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
