// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"

	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_id TEXT NOT NULL PRIMARY KEY,
    room_version TEXT NOT NULL,
    creator TEXT NOT NULL,
    visibility TEXT NOT NULL DEFAULT 'private',
    latest_event_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (room_id, event_id)
);

CREATE TABLE IF NOT EXISTS roomserver_published (
    room_id TEXT NOT NULL PRIMARY KEY,
    published BOOLEAN NOT NULL DEFAULT FALSE
);
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version, creator, visibility, latest_event_id, created_at)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomInfoSQL = "" +
	"SELECT room_id, room_version, creator, visibility, latest_event_id, created_at FROM roomserver_rooms WHERE room_id = $1"

const updateLatestEventIDSQL = "" +
	"UPDATE roomserver_rooms SET latest_event_id = $2 WHERE room_id = $1"

const insertForwardExtremitySQL = "" +
	"INSERT INTO roomserver_forward_extremities (room_id, event_id) VALUES ($1, $2)" +
	" ON CONFLICT (room_id, event_id) DO NOTHING"

const deleteForwardExtremitiesSQL = "" +
	"DELETE FROM roomserver_forward_extremities WHERE room_id = $1"

const selectForwardExtremitiesSQL = "" +
	"SELECT event_id FROM roomserver_forward_extremities WHERE room_id = $1"

const upsertPublishedSQL = "" +
	"INSERT INTO roomserver_published (room_id, published) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO UPDATE SET published = $2"

const selectPublishedSQL = "" +
	"SELECT room_id FROM roomserver_published WHERE published = TRUE ORDER BY room_id"

type roomsStatements struct {
	db                           *sql.DB
	insertRoomStmt               *sql.Stmt
	selectRoomInfoStmt           *sql.Stmt
	updateLatestEventIDStmt      *sql.Stmt
	insertForwardExtremityStmt   *sql.Stmt
	deleteForwardExtremitiesStmt *sql.Stmt
	selectForwardExtremitiesStmt *sql.Stmt
	upsertPublishedStmt          *sql.Stmt
	selectPublishedStmt          *sql.Stmt
}

func prepareRoomsTable(db *sql.DB) (*roomsStatements, error) {
	s := &roomsStatements{db: db}
	if _, err := db.Exec(roomsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomInfoStmt, selectRoomInfoSQL},
		{&s.updateLatestEventIDStmt, updateLatestEventIDSQL},
		{&s.insertForwardExtremityStmt, insertForwardExtremitySQL},
		{&s.deleteForwardExtremitiesStmt, deleteForwardExtremitiesSQL},
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
		{&s.upsertPublishedStmt, upsertPublishedSQL},
		{&s.selectPublishedStmt, selectPublishedSQL},
	}.Prepare(db)
}

func (s *roomsStatements) InsertRoom(ctx context.Context, txn *sql.Tx, info types.RoomInfo) error {
	stmt := sqlutil.TxStmt(txn, s.insertRoomStmt)
	_, err := stmt.ExecContext(
		ctx, info.RoomID, string(info.RoomVersion), info.Creator,
		info.Visibility, info.LatestEventID, int64(info.CreatedAt),
	)
	return err
}

func (s *roomsStatements) SelectRoomInfo(ctx context.Context, txn *sql.Tx, roomID string) (*types.RoomInfo, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomInfoStmt)
	var info types.RoomInfo
	var version string
	var createdAt int64
	err := stmt.QueryRowContext(ctx, roomID).Scan(
		&info.RoomID, &version, &info.Creator, &info.Visibility,
		&info.LatestEventID, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info.RoomVersion = matrix.RoomVersion(version)
	info.CreatedAt = matrix.Timestamp(createdAt)
	return &info, nil
}

func (s *roomsStatements) UpdateLatestEventID(ctx context.Context, txn *sql.Tx, roomID, latestEventID string) error {
	stmt := sqlutil.TxStmt(txn, s.updateLatestEventIDStmt)
	_, err := stmt.ExecContext(ctx, roomID, latestEventID)
	return err
}

func (s *roomsStatements) ReplaceForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string) error {
	deleteStmt := sqlutil.TxStmt(txn, s.deleteForwardExtremitiesStmt)
	if _, err := deleteStmt.ExecContext(ctx, roomID); err != nil {
		return err
	}
	for _, eventID := range eventIDs {
		insertStmt := sqlutil.TxStmt(txn, s.insertForwardExtremityStmt)
		if _, err := insertStmt.ExecContext(ctx, roomID, eventID); err != nil {
			return err
		}
	}
	return nil
}

func (s *roomsStatements) SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectForwardExtremitiesStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectForwardExtremities: failed to close rows")
	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err = rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

func (s *roomsStatements) UpsertPublished(ctx context.Context, txn *sql.Tx, roomID string, published bool) error {
	stmt := sqlutil.TxStmt(txn, s.upsertPublishedStmt)
	_, err := stmt.ExecContext(ctx, roomID, published)
	return err
}

func (s *roomsStatements) SelectPublished(ctx context.Context, txn *sql.Tx) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectPublishedStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectPublished: failed to close rows")
	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}
