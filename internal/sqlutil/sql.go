// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// ErrUserExists is returned if a username already exists in the database.
var ErrUserExists = errors.New("username already exists")

// A Transaction is something that can be committed or rolledback.
type Transaction interface {
	// Commit the transaction
	Commit() error
	// Rollback the transaction.
	Rollback() error
}

// EndTransaction ends a transaction.
// If the transaction succeeded then it is committed, otherwise it is
// rolledback.
// You MUST check the error returned from this function to be sure that the
// transaction was applied correctly. For example, 'database is locked' errors
// in sqlite will happen here.
func EndTransaction(txn Transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// EndTransactionWithCheck ends a transaction and overwrites the error pointer
// if its value was nil.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if e := EndTransaction(txn, succeeded); e != nil && *err == nil {
		*err = e
	}
}

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolledback
// Otherwise the transaction is committed.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil.WithTransaction.Begin: %w", err)
	}
	succeeded := false
	defer EndTransactionWithCheck(txn, &succeeded, &err)

	err = fn(txn)
	if err != nil {
		return
	}

	succeeded = true
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
// If the transaction is nil then it returns the original statement that will
// run outside of a transaction.
// Otherwise returns a copy of the statement that will run inside the transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// TxStmtContext behaves similarly to TxStmt, with support for also passing context.
func TxStmtContext(ctx context.Context, transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.StmtContext(ctx, statement)
	}
	return statement
}

// CloseAndLogIfError closes io.Closer and logs the error if non-nil.
func CloseAndLogIfError(closer interface{ Close() error }, message string) {
	if closer == nil {
		return
	}
	err := closer.Close()
	if err != nil {
		logrus.WithError(err).Error(message)
	}
}

// A StatementList is a list of SQL statements to prepare and a pointer to
// where to store the resulting prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to the
// prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			err = fmt.Errorf("error %q while preparing statement: %s", err, statement.SQL)
			return
		}
	}
	return
}

// RunLimitedVariablesQuery split up a query with more variables than
// the used database can handle in multiple queries.
func RunLimitedVariablesQuery(db *sql.DB, query string, variables []interface{}, limit uint, rowHandler func(*sql.Rows) error) error {
	var start uint
	for start < uint(len(variables)) {
		n := start + limit
		if n > uint(len(variables)) {
			n = uint(len(variables))
		}
		rows, err := db.Query(query, variables[start:n]...)
		if err != nil {
			return err
		}
		if err = rowHandler(rows); err != nil {
			CloseAndLogIfError(rows, "RunLimitedVariablesQuery: failed to close rows")
			return err
		}
		if err = rows.Close(); err != nil {
			return err
		}
		start = n
	}
	return nil
}

// An ExclusiveWriter serializes database writes. SQLite only supports one
// writer at a time, and when using the in-process driver the busy handler
// cannot always save us from SQLITE_BUSY. PostgreSQL deployments get a
// writer that runs the function inline.
type ExclusiveWriter struct {
	todo chan writerTask
}

// A Writer queues database writes. The transaction supplied to Do may be nil,
// in which case the function is expected to manage its own transaction.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}

type writerTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

// NewExclusiveWriter returns a Writer that pushes all writes through a
// single goroutine.
func NewExclusiveWriter() Writer {
	w := &ExclusiveWriter{
		todo: make(chan writerTask),
	}
	go w.run()
	return w
}

// Do queues a task to be run by the writer goroutine and waits for it to
// complete.
func (w *ExclusiveWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	task := writerTask{
		db:   db,
		txn:  txn,
		f:    f,
		wait: make(chan error, 1),
	}
	w.todo <- task
	return <-task.wait
}

func (w *ExclusiveWriter) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for task := range w.todo {
		if task.db != nil && task.txn != nil {
			task.wait <- task.f(task.txn)
		} else if task.db != nil && task.txn == nil {
			task.wait <- WithTransaction(task.db, task.f)
		} else {
			task.wait <- task.f(nil)
		}
		close(task.wait)
	}
}

// A DummyWriter runs the function inline. It is used for PostgreSQL where
// the database does its own write serialization.
type DummyWriter struct{}

// NewDummyWriter returns a Writer that runs everything inline.
func NewDummyWriter() Writer {
	return &DummyWriter{}
}

// Do runs the function, beginning a transaction if a database was supplied
// without one.
func (w *DummyWriter) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if db != nil && txn == nil {
		return WithTransaction(db, f)
	}
	return f(txn)
}
