// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/roomserver/types"
)

const currentStateSchema = `
CREATE TABLE IF NOT EXISTS roomserver_current_state (
    room_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (room_id, event_type, state_key)
);
`

const upsertCurrentStateSQL = "" +
	"INSERT INTO roomserver_current_state (room_id, event_type, state_key, event_id)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET event_id = $4"

const deleteCurrentStateSQL = "" +
	"DELETE FROM roomserver_current_state WHERE room_id = $1"

const selectCurrentStateSQL = "" +
	"SELECT event_type, state_key, event_id FROM roomserver_current_state WHERE room_id = $1"

const selectCurrentStateEventSQL = "" +
	"SELECT event_id FROM roomserver_current_state WHERE room_id = $1 AND event_type = $2 AND state_key = $3"

type currentStateStatements struct {
	db                          *sql.DB
	upsertCurrentStateStmt      *sql.Stmt
	deleteCurrentStateStmt      *sql.Stmt
	selectCurrentStateStmt      *sql.Stmt
	selectCurrentStateEventStmt *sql.Stmt
}

func prepareCurrentStateTable(db *sql.DB) (*currentStateStatements, error) {
	s := &currentStateStatements{db: db}
	if _, err := db.Exec(currentStateSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertCurrentStateStmt, upsertCurrentStateSQL},
		{&s.deleteCurrentStateStmt, deleteCurrentStateSQL},
		{&s.selectCurrentStateStmt, selectCurrentStateSQL},
		{&s.selectCurrentStateEventStmt, selectCurrentStateEventSQL},
	}.Prepare(db)
}

func (s *currentStateStatements) UpsertEntry(ctx context.Context, txn *sql.Tx, roomID string, entry types.StateEntry) error {
	stmt := sqlutil.TxStmt(txn, s.upsertCurrentStateStmt)
	_, err := stmt.ExecContext(ctx, roomID, entry.EventType, entry.StateKey, entry.EventID)
	return err
}

func (s *currentStateStatements) ReplaceState(ctx context.Context, txn *sql.Tx, roomID string, entries []types.StateEntry) error {
	deleteStmt := sqlutil.TxStmt(txn, s.deleteCurrentStateStmt)
	if _, err := deleteStmt.ExecContext(ctx, roomID); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.UpsertEntry(ctx, txn, roomID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *currentStateStatements) SelectEntries(ctx context.Context, txn *sql.Tx, roomID string) ([]types.StateEntry, error) {
	stmt := sqlutil.TxStmt(txn, s.selectCurrentStateStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectEntries: failed to close rows")
	var entries []types.StateEntry
	for rows.Next() {
		var entry types.StateEntry
		if err = rows.Scan(&entry.EventType, &entry.StateKey, &entry.EventID); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *currentStateStatements) SelectEntry(ctx context.Context, txn *sql.Tx, roomID, eventType, stateKey string) (string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectCurrentStateEventStmt)
	var eventID string
	err := stmt.QueryRowContext(ctx, roomID, eventType, stateKey).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return eventID, err
}
