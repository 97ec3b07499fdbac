// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigratorRunsPendingMigrationsOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS db_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM db_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_initial"))

	mock.ExpectBegin()
	// Only the second migration runs; the first is recorded as executed.
	mock.ExpectExec("ALTER TABLE widgets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO db_migrations").
		WithArgs("002_add_column", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := NewMigrator(db)
	m.AddMigrations(
		Migration{
			Version: "001_initial",
			Up: func(ctx context.Context, txn *sql.Tx) error {
				t.Fatal("001_initial should not run again")
				return nil
			},
		},
		Migration{
			Version: "002_add_column",
			Up: func(ctx context.Context, txn *sql.Tx) error {
				_, err := txn.ExecContext(ctx, "ALTER TABLE widgets ADD COLUMN weight INTEGER")
				return err
			},
		},
	)

	require.NoError(t, m.Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
