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

const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
    -- The event ID, which is derived from the reference hash of the event.
    event_id TEXT NOT NULL PRIMARY KEY,
    room_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    -- NULL for non-state events, the state key (possibly '') otherwise.
    state_key TEXT,
    sender TEXT NOT NULL,
    depth BIGINT NOT NULL,
    origin_server_ts BIGINT NOT NULL,
    -- The full canonical event JSON.
    event_json TEXT NOT NULL,
    -- Whether the event is known but not part of the room timeline.
    is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    -- Whether the event failed auth against the current resolved state and
    -- is therefore excluded from forward extremity selection.
    is_soft_failed BOOLEAN NOT NULL DEFAULT FALSE,
    -- Non-empty if the event failed its auth checks entirely.
    rejected_reason TEXT NOT NULL DEFAULT '',
    -- The event ID of the redaction that redacted this event, if any.
    redacted_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS roomserver_events_room_idx ON roomserver_events (room_id, depth);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (event_id, room_id, event_type, state_key, sender, depth, origin_server_ts, event_json, is_outlier, is_soft_failed, rejected_reason)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventsSQL = "" +
	"SELECT event_id, event_json, is_outlier, is_soft_failed, rejected_reason, redacted_by FROM roomserver_events WHERE event_id = $1"

const selectEventExistsSQL = "" +
	"SELECT 1 FROM roomserver_events WHERE event_id = $1"

const updateEventSoftFailedSQL = "" +
	"UPDATE roomserver_events SET is_soft_failed = $2 WHERE event_id = $1"

const updateEventRedactedBySQL = "" +
	"UPDATE roomserver_events SET redacted_by = $2 WHERE event_id = $1"

const selectRoomVersionForEventSQL = "" +
	"SELECT room_version FROM roomserver_rooms WHERE room_id = (SELECT room_id FROM roomserver_events WHERE event_id = $1)"

type eventsStatements struct {
	db                            *sql.DB
	insertEventStmt               *sql.Stmt
	selectEventsStmt              *sql.Stmt
	selectEventExistsStmt         *sql.Stmt
	updateSoftFailedStmt          *sql.Stmt
	updateRedactedByStmt          *sql.Stmt
	selectRoomVersionForEventStmt *sql.Stmt
}

func prepareEventsTable(db *sql.DB) (*eventsStatements, error) {
	s := &eventsStatements{db: db}
	if _, err := db.Exec(eventsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventsStmt, selectEventsSQL},
		{&s.selectEventExistsStmt, selectEventExistsSQL},
		{&s.updateSoftFailedStmt, updateEventSoftFailedSQL},
		{&s.updateRedactedByStmt, updateEventRedactedBySQL},
		{&s.selectRoomVersionForEventStmt, selectRoomVersionForEventSQL},
	}.Prepare(db)
}

func (s *eventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, event *matrix.Event,
	outlier, softFailed bool, rejectedReason string,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	var stateKey sql.NullString
	if sk := event.StateKey(); sk != nil {
		stateKey = sql.NullString{String: *sk, Valid: true}
	}
	_, err := stmt.ExecContext(
		ctx, event.EventID(), event.RoomID(), event.Type(), stateKey,
		event.Sender(), event.Depth(), int64(event.OriginServerTS()),
		string(event.JSON()), outlier, softFailed, rejectedReason,
	)
	return err
}

func (s *eventsStatements) SelectStoredEvent(
	ctx context.Context, txn *sql.Tx, roomVersion matrix.RoomVersion, eventID string,
) (*types.StoredEvent, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventsStmt)
	var (
		id             string
		eventJSON      string
		outlier        bool
		softFailed     bool
		rejectedReason string
		redactedBy     string
	)
	err := stmt.QueryRowContext(ctx, eventID).Scan(
		&id, &eventJSON, &outlier, &softFailed, &rejectedReason, &redactedBy,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	event, err := matrix.NewEventFromTrustedJSON([]byte(eventJSON), redactedBy != "", roomVersion)
	if err != nil {
		return nil, err
	}
	return &types.StoredEvent{
		Event:          event,
		Outlier:        outlier,
		SoftFailed:     softFailed,
		RejectedReason: rejectedReason,
		RedactedBy:     redactedBy,
	}, nil
}

func (s *eventsStatements) SelectEventExists(
	ctx context.Context, txn *sql.Tx, eventID string,
) (bool, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventExistsStmt)
	var one int
	err := stmt.QueryRowContext(ctx, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *eventsStatements) UpdateSoftFailed(
	ctx context.Context, txn *sql.Tx, eventID string, softFailed bool,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateSoftFailedStmt)
	_, err := stmt.ExecContext(ctx, eventID, softFailed)
	return err
}

func (s *eventsStatements) UpdateRedactedBy(
	ctx context.Context, txn *sql.Tx, eventID, redactedBy string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateRedactedByStmt)
	_, err := stmt.ExecContext(ctx, eventID, redactedBy)
	return err
}

func (s *eventsStatements) SelectRoomVersionForEvent(
	ctx context.Context, txn *sql.Tx, eventID string,
) (matrix.RoomVersion, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomVersionForEventStmt)
	var version matrix.RoomVersion
	err := stmt.QueryRowContext(ctx, eventID).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return version, err
}
