// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const createDBMigrationsSQL = "" +
	"CREATE TABLE IF NOT EXISTS db_migrations (" +
	" version TEXT PRIMARY KEY NOT NULL," +
	" time TEXT NOT NULL" +
	");"

const insertVersionSQL = "" +
	"INSERT INTO db_migrations (version, time) VALUES ($1, $2)"

const selectDBMigrationsSQL = "SELECT version FROM db_migrations"

// Migration defines a migration to be run. Migrations are append-only
// schema revisions: they run at most once and are recorded by name.
type Migration struct {
	// Version is a simple description/name of this migration.
	Version string
	// Up defines the function to execute for an upgrade.
	Up func(ctx context.Context, txn *sql.Tx) error
}

// Migrator contains fields required to run migrations.
type Migrator struct {
	db            *sql.DB
	migrations    []Migration
	knownVersions map[string]struct{}
	mutexLocked   bool
}

// NewMigrator creates a new migrator with the given database.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{
		db:            db,
		migrations:    []Migration{},
		knownVersions: map[string]struct{}{},
	}
}

// AddMigrations appends migrations to the list of migrations. Migrations are
// executed in the order they are added.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

// Up executes all migrations in order they were added, skipping those that
// have already run.
func (m *Migrator) Up(ctx context.Context) error {
	var executedMigrations map[string]struct{}
	var err error
	if executedMigrations, err = m.ExecutedMigrations(ctx); err != nil {
		return fmt.Errorf("unable to create/get migrations: %w", err)
	}

	return WithTransaction(m.db, func(txn *sql.Tx) error {
		for i := range m.migrations {
			now := time.Now().UTC().Format(time.RFC3339)
			migration := m.migrations[i]
			logrus.WithField("migration", migration.Version).Debug("Executing database migration")
			if _, ok := executedMigrations[migration.Version]; ok {
				// Migration already executed
				continue
			}
			if err = migration.Up(ctx, txn); err != nil {
				return errors.Wrapf(err, "unable to execute migration '%s'", migration.Version)
			}
			if _, err = txn.ExecContext(ctx, insertVersionSQL, migration.Version, now); err != nil {
				return errors.Wrapf(err, "unable to insert executed migrations")
			}
		}
		return nil
	})
}

// ExecutedMigrations returns a map with already executed migrations.
func (m *Migrator) ExecutedMigrations(ctx context.Context) (map[string]struct{}, error) {
	result := map[string]struct{}{}
	_, err := m.db.ExecContext(ctx, createDBMigrationsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create db_migrations")
	}
	rows, err := m.db.QueryContext(ctx, selectDBMigrationsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query db_migrations")
	}
	defer CloseAndLogIfError(rows, "ExecutedMigrations: failed to close rows")
	var version string
	for rows.Next() {
		if err = rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "unable to scan version")
		}
		result[version] = struct{}{}
	}

	return result, rows.Err()
}
