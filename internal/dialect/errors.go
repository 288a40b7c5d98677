package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// MySQL server error numbers that mean the connection, not the statement,
// failed.
var mysqlTransientCodes = map[uint16]struct{}{
	1040: {}, // too many connections
	1053: {}, // server shutdown in progress
	2002: {}, // cannot connect through socket
	2003: {}, // cannot connect to host
	2006: {}, // server has gone away
	2013: {}, // lost connection during query
}

// IsTransient reports whether err is a connection-level failure that may
// succeed on a fresh connection. Statement errors, cancellations and
// deadline expiry are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientPostgresCode(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		_, ok := mysqlTransientCodes[mysqlErr.Number]
		return ok
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isTransientPostgresCode covers SQLSTATE class 08 (connection exception),
// 53300 too_many_connections and the 57P0x server shutdown codes.
func isTransientPostgresCode(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "53300", "57P01", "57P02", "57P03":
		return true
	default:
		return false
	}
}
