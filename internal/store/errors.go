package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorClass groups store failures by what a caller can expect from retrying.
type ErrorClass string

const (
	ClassBusy        ErrorClass = "busy"
	ClassUnavailable ErrorClass = "unavailable"
	ClassCanceled    ErrorClass = "canceled"
	ClassSchema      ErrorClass = "schema"
	ClassUnknown     ErrorClass = "unknown"
)

// Known reports whether the class is an expected, transient condition.
func (c ErrorClass) Known() bool { return c != ClassUnknown }

func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}
	if errors.Is(err, sql.ErrConnDone) {
		return ClassUnavailable
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ClassBusy
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_FULL:
			return ClassUnavailable
		case sqlite3.SQLITE_SCHEMA:
			return ClassSchema
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"):
		return ClassSchema
	case strings.Contains(msg, "database is locked"):
		return ClassBusy
	case strings.Contains(msg, "database is closed"):
		return ClassUnavailable
	}
	return ClassUnknown
}
