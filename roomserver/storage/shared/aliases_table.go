// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/element-hq/spire/internal/sqlutil"
)

const roomAliasesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_room_aliases (
    -- Alias of the room, e.g. '#calls:matrix.org'
    alias TEXT NOT NULL PRIMARY KEY,
    -- Room ID the alias refers to
    room_id TEXT NOT NULL,
    -- User ID of the creator of this alias
    creator_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS roomserver_room_id_idx ON roomserver_room_aliases(room_id);
`

const insertRoomAliasSQL = "" +
	"INSERT INTO roomserver_room_aliases (alias, room_id, creator_id) VALUES ($1, $2, $3)"

const selectRoomIDFromAliasSQL = "" +
	"SELECT room_id FROM roomserver_room_aliases WHERE alias = $1"

const selectAliasesFromRoomIDSQL = "" +
	"SELECT alias FROM roomserver_room_aliases WHERE room_id = $1 ORDER BY alias"

const selectCreatorIDFromAliasSQL = "" +
	"SELECT creator_id FROM roomserver_room_aliases WHERE alias = $1"

const deleteRoomAliasSQL = "" +
	"DELETE FROM roomserver_room_aliases WHERE alias = $1"

type roomAliasesStatements struct {
	db                           *sql.DB
	insertRoomAliasStmt          *sql.Stmt
	selectRoomIDFromAliasStmt    *sql.Stmt
	selectAliasesFromRoomIDStmt  *sql.Stmt
	selectCreatorIDFromAliasStmt *sql.Stmt
	deleteRoomAliasStmt          *sql.Stmt
}

func prepareRoomAliasesTable(db *sql.DB) (*roomAliasesStatements, error) {
	s := &roomAliasesStatements{db: db}
	if _, err := db.Exec(roomAliasesSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertRoomAliasStmt, insertRoomAliasSQL},
		{&s.selectRoomIDFromAliasStmt, selectRoomIDFromAliasSQL},
		{&s.selectAliasesFromRoomIDStmt, selectAliasesFromRoomIDSQL},
		{&s.selectCreatorIDFromAliasStmt, selectCreatorIDFromAliasSQL},
		{&s.deleteRoomAliasStmt, deleteRoomAliasSQL},
	}.Prepare(db)
}

func (s *roomAliasesStatements) InsertRoomAlias(ctx context.Context, txn *sql.Tx, alias, roomID, creatorUserID string) error {
	stmt := sqlutil.TxStmt(txn, s.insertRoomAliasStmt)
	_, err := stmt.ExecContext(ctx, alias, roomID, creatorUserID)
	return err
}

func (s *roomAliasesStatements) SelectRoomIDFromAlias(ctx context.Context, txn *sql.Tx, alias string) (string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomIDFromAliasStmt)
	var roomID string
	err := stmt.QueryRowContext(ctx, alias).Scan(&roomID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return roomID, err
}

func (s *roomAliasesStatements) SelectAliasesFromRoomID(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectAliasesFromRoomIDStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectAliasesFromRoomID: failed to close rows")
	var aliases []string
	for rows.Next() {
		var alias string
		if err = rows.Scan(&alias); err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

func (s *roomAliasesStatements) SelectCreatorIDFromAlias(ctx context.Context, txn *sql.Tx, alias string) (string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectCreatorIDFromAliasStmt)
	var creatorID string
	err := stmt.QueryRowContext(ctx, alias).Scan(&creatorID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return creatorID, err
}

func (s *roomAliasesStatements) DeleteRoomAlias(ctx context.Context, txn *sql.Tx, alias string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRoomAliasStmt)
	_, err := stmt.ExecContext(ctx, alias)
	return err
}
