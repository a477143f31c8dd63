// Package dberr normalises driver errors from pgx, lib/pq and
// go-sql-driver/mysql into one shape so classification code does not need to
// know which driver produced an error.
package dberr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Info holds the diagnostic fields common to both dialects.
type Info struct {
	SQLState string // five character SQLSTATE, empty when unknown
	Code     int    // vendor error number (MySQL), 0 when unknown
	Message  string // driver message without the SQLSTATE prefix
}

// Error is a driver-independent database error. Drivers that cannot expose a
// richer type, and tests, construct it directly.
type Error struct {
	SQLState string
	Code     int
	Message  string
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0 && e.SQLState != "":
		return fmt.Sprintf("Error %d (%s): %s", e.Code, e.SQLState, e.Message)
	case e.SQLState != "":
		return fmt.Sprintf("ERROR: %s (SQLSTATE %s)", e.Message, e.SQLState)
	case e.Code != 0:
		return fmt.Sprintf("Error %d: %s", e.Code, e.Message)
	default:
		return e.Message
	}
}

// Inspect extracts SQLSTATE, vendor code and message from err. The message
// falls back to err.Error() when no known driver type is found.
func Inspect(err error) Info {
	if err == nil {
		return Info{}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Info{SQLState: pgErr.Code, Message: pgErr.Message}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return Info{SQLState: string(pqErr.Code), Message: pqErr.Message}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		state := strings.TrimRight(string(myErr.SQLState[:]), "\x00")
		return Info{SQLState: state, Code: int(myErr.Number), Message: myErr.Message}
	}

	var own *Error
	if errors.As(err, &own) {
		return Info{SQLState: own.SQLState, Code: own.Code, Message: own.Message}
	}

	return Info{Message: err.Error()}
}

// Text returns a lower-cased haystack for substring matching that combines
// the outer error text with the driver message.
func Text(err error) string {
	if err == nil {
		return ""
	}
	info := Inspect(err)
	outer := err.Error()
	if info.Message != "" && !strings.Contains(outer, info.Message) {
		outer += " " + info.Message
	}
	return strings.ToLower(outer)
}

// Truncate shortens s to at most n bytes, appending an ellipsis marker.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
