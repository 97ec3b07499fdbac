// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/setup/config"
	"github.com/element-hq/spire/syncapi/types"
)

const outputEventsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
    -- Monotonic stream position, assigned by the writer.
    id BIGINT NOT NULL PRIMARY KEY,
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    sender TEXT NOT NULL,
    event_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_idx ON syncapi_output_room_events (room_id, id);
`

const selectMaxPositionSQL = "" +
	"SELECT COALESCE(MAX(id), 0) FROM syncapi_output_room_events"

const insertOutputEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (id, room_id, event_id, event_type, sender, event_json)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventsInRangeSQL = "" +
	"SELECT id, room_id, event_id, event_type, sender, event_json FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3 ORDER BY id ASC"

const selectRecentEventsSQL = "" +
	"SELECT id, room_id, event_id, event_type, sender, event_json FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id <= $2 ORDER BY id DESC LIMIT $3"

// Database stores the sync stream: the accepted (not soft-failed) events in
// stream order.
type Database struct {
	db     *sql.DB
	writer sqlutil.Writer

	selectMaxPositionStmt   *sql.Stmt
	insertOutputEventStmt   *sql.Stmt
	selectEventsInRangeStmt *sql.Stmt
	selectRecentEventsStmt  *sql.Stmt
}

// Open opens the sync database.
func Open(dbProperties *config.DatabaseOptions) (*Database, error) {
	writer := sqlutil.NewConnectionWriter(dbProperties.ConnectionString)
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, err
	}
	d := &Database{db: db, writer: writer}
	if _, err = db.Exec(outputEventsSchema); err != nil {
		return nil, err
	}
	return d, sqlutil.StatementList{
		{&d.selectMaxPositionStmt, selectMaxPositionSQL},
		{&d.insertOutputEventStmt, insertOutputEventSQL},
		{&d.selectEventsInRangeStmt, selectEventsInRangeSQL},
		{&d.selectRecentEventsStmt, selectRecentEventsSQL},
	}.Prepare(db)
}

// MaxStreamPosition returns the current top of the stream.
func (d *Database) MaxStreamPosition(ctx context.Context) (types.StreamPosition, error) {
	var max int64
	err := d.selectMaxPositionStmt.QueryRowContext(ctx).Scan(&max)
	return types.StreamPosition(max), err
}

// WriteEvent appends an accepted event to the stream and returns its
// position. The position is assigned under the writer so concurrent writes
// cannot race.
func (d *Database) WriteEvent(ctx context.Context, roomID, eventID, eventType, sender string, eventJSON []byte) (types.StreamPosition, error) {
	var pos types.StreamPosition
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var max int64
		if err := sqlutil.TxStmt(txn, d.selectMaxPositionStmt).QueryRowContext(ctx).Scan(&max); err != nil {
			return err
		}
		pos = types.StreamPosition(max + 1)
		_, err := sqlutil.TxStmt(txn, d.insertOutputEventStmt).ExecContext(
			ctx, int64(pos), roomID, eventID, eventType, sender, string(eventJSON),
		)
		return err
	})
	return pos, err
}

// EventsInRange returns the events for a room in the (from, to] range.
func (d *Database) EventsInRange(ctx context.Context, roomID string, from, to types.StreamPosition) ([]types.OutputEvent, error) {
	rows, err := d.selectEventsInRangeStmt.QueryContext(ctx, roomID, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "EventsInRange: failed to close rows")
	return scanOutputEvents(rows)
}

// RecentEvents returns the most recent events for a room up to the given
// position, oldest first.
func (d *Database) RecentEvents(ctx context.Context, roomID string, to types.StreamPosition, limit int) ([]types.OutputEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.selectRecentEventsStmt.QueryContext(ctx, roomID, int64(to), limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "RecentEvents: failed to close rows")
	events, err := scanOutputEvents(rows)
	if err != nil {
		return nil, err
	}
	// The query returns newest first; flip to chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanOutputEvents(rows *sql.Rows) ([]types.OutputEvent, error) {
	var events []types.OutputEvent
	for rows.Next() {
		var event types.OutputEvent
		var position int64
		var eventJSON string
		if err := rows.Scan(&position, &event.RoomID, &event.EventID, &event.Type, &event.Sender, &eventJSON); err != nil {
			return nil, err
		}
		event.Position = types.StreamPosition(position)
		event.JSON = json.RawMessage(eventJSON)
		events = append(events, event)
	}
	return events, rows.Err()
}
