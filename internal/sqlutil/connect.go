// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/element-hq/spire/setup/config"
)

// Open opens a database pool for the given connection string. Both
// PostgreSQL ("postgres://...") and SQLite ("file:...") data sources are
// supported; the table packages use the portable subset of SQL that both
// speak.
func Open(dbProperties *config.DatabaseOptions, writer Writer) (*sql.DB, error) {
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = "sqlite3_spire"
		var err error
		if dsn, err = sqliteDSN(string(dbProperties.ConnectionString)); err != nil {
			return nil, err
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("unexpected database type in connection string %q", dbProperties.ConnectionString)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlutil.Open")
	}
	if driverName == "sqlite3_spire" {
		// SQLite is single-writer, so constrain the pool to a single
		// connection and rely on the ExclusiveWriter for serialization.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	return db, nil
}

// sqliteDSN rewrites a file: URI into the form the sqlite3 driver expects,
// enabling the busy timeout and foreign keys.
func sqliteDSN(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	q := parsed.Query()
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "10000")
	}
	if q.Get("_foreign_keys") == "" {
		q.Set("_foreign_keys", "on")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func init() {
	registerSQLiteDriver()
}

var sqliteDriverRegistered bool

func registerSQLiteDriver() {
	if sqliteDriverRegistered {
		return
	}
	sqliteDriverRegistered = true
	sql.Register("sqlite3_spire", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA journal_mode=WAL;", nil)
			return err
		},
	})
}

// IsUniqueConstraintViolationErr returns true if the error is a uniqueness
// violation on either database.
func IsUniqueConstraintViolationErr(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// NewConnectionWriter picks the appropriate writer for a connection string:
// an exclusive writer for SQLite, a passthrough writer for PostgreSQL.
func NewConnectionWriter(connString config.DataSource) Writer {
	if connString.IsSQLite() {
		return NewExclusiveWriter()
	}
	return NewDummyWriter()
}
