// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/element-hq/spire/internal/pushrules"
	"github.com/element-hq/spire/internal/sqlutil"
)

const pushSchema = `
CREATE TABLE IF NOT EXISTS userapi_push_rules (
    localpart TEXT NOT NULL PRIMARY KEY,
    rules_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS userapi_pushers (
    localpart TEXT NOT NULL,
    -- The unique identifier of the pusher, e.g. an FCM registration token.
    pushkey TEXT NOT NULL,
    kind TEXT NOT NULL,
    app_id TEXT NOT NULL,
    app_display_name TEXT NOT NULL,
    device_display_name TEXT NOT NULL,
    profile_tag TEXT NOT NULL DEFAULT '',
    lang TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    -- Consecutive delivery failures reported by the gateway layer.
    failure_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (localpart, app_id, pushkey)
);

CREATE TABLE IF NOT EXISTS userapi_notifications (
    id BIGINT NOT NULL PRIMARY KEY,
    localpart TEXT NOT NULL,
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    highlight BOOLEAN NOT NULL DEFAULT FALSE,
    read_receipt BOOLEAN NOT NULL DEFAULT FALSE,
    -- Delivery state: queued, sent or failed.
    status TEXT NOT NULL DEFAULT 'queued',
    ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS userapi_notifications_localpart_idx ON userapi_notifications (localpart, read_receipt, id);
`

const upsertPushRulesSQL = "" +
	"INSERT INTO userapi_push_rules (localpart, rules_json) VALUES ($1, $2)" +
	" ON CONFLICT (localpart) DO UPDATE SET rules_json = $2"

const selectPushRulesSQL = "" +
	"SELECT rules_json FROM userapi_push_rules WHERE localpart = $1"

const upsertPusherSQL = "" +
	"INSERT INTO userapi_pushers (localpart, pushkey, kind, app_id, app_display_name, device_display_name, profile_tag, lang, data)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
	" ON CONFLICT (localpart, app_id, pushkey) DO UPDATE SET" +
	" kind = $3, app_display_name = $5, device_display_name = $6, profile_tag = $7, lang = $8, data = $9"

const deletePusherSQL = "" +
	"DELETE FROM userapi_pushers WHERE localpart = $1 AND app_id = $2 AND pushkey = $3"

const selectPushersSQL = "" +
	"SELECT pushkey, kind, app_id, app_display_name, device_display_name, profile_tag, lang, data, failure_count" +
	" FROM userapi_pushers WHERE localpart = $1"

const updatePusherFailureSQL = "" +
	"UPDATE userapi_pushers SET failure_count = $4 WHERE localpart = $1 AND app_id = $2 AND pushkey = $3"

const insertNotificationSQL = "" +
	"INSERT INTO userapi_notifications (id, localpart, room_id, event_id, highlight, ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectMaxNotificationIDSQL = "" +
	"SELECT COALESCE(MAX(id), 0) FROM userapi_notifications"

const selectNotificationCountSQL = "" +
	"SELECT COUNT(id), COALESCE(SUM(CASE WHEN highlight THEN 1 ELSE 0 END), 0)" +
	" FROM userapi_notifications WHERE localpart = $1 AND room_id = $2 AND read_receipt = FALSE"

const updateNotificationReadSQL = "" +
	"UPDATE userapi_notifications SET read_receipt = TRUE WHERE localpart = $1 AND room_id = $2 AND event_id = $3"

const updateNotificationStatusSQL = "" +
	"UPDATE userapi_notifications SET status = $2 WHERE event_id = $1"

type pushStatements struct {
	upsertPushRulesStmt          *sql.Stmt
	selectPushRulesStmt          *sql.Stmt
	upsertPusherStmt             *sql.Stmt
	deletePusherStmt             *sql.Stmt
	selectPushersStmt            *sql.Stmt
	updatePusherFailureStmt      *sql.Stmt
	insertNotificationStmt       *sql.Stmt
	selectMaxNotificationIDStmt  *sql.Stmt
	selectNotificationCountStmt  *sql.Stmt
	updateNotificationReadStmt   *sql.Stmt
	updateNotificationStatusStmt *sql.Stmt
}

func preparePushTables(db *sql.DB) (*pushStatements, error) {
	s := &pushStatements{}
	if _, err := db.Exec(pushSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertPushRulesStmt, upsertPushRulesSQL},
		{&s.selectPushRulesStmt, selectPushRulesSQL},
		{&s.upsertPusherStmt, upsertPusherSQL},
		{&s.deletePusherStmt, deletePusherSQL},
		{&s.selectPushersStmt, selectPushersSQL},
		{&s.updatePusherFailureStmt, updatePusherFailureSQL},
		{&s.insertNotificationStmt, insertNotificationSQL},
		{&s.selectMaxNotificationIDStmt, selectMaxNotificationIDSQL},
		{&s.selectNotificationCountStmt, selectNotificationCountSQL},
		{&s.updateNotificationReadStmt, updateNotificationReadSQL},
		{&s.updateNotificationStatusStmt, updateNotificationStatusSQL},
	}.Prepare(db)
}

// Pusher is a device push configuration.
type Pusher struct {
	PushKey           string          `json:"pushkey"`
	Kind              string          `json:"kind"`
	AppID             string          `json:"app_id"`
	AppDisplayName    string          `json:"app_display_name"`
	DeviceDisplayName string          `json:"device_display_name"`
	ProfileTag        string          `json:"profile_tag"`
	Language          string          `json:"lang"`
	Data              json.RawMessage `json:"data"`
	FailureCount      int             `json:"-"`
}

// PushRules returns the user's rule sets, falling back to the server
// defaults when the user has never changed them.
func (d *Database) PushRules(ctx context.Context, localpart string) (*pushrules.AccountRuleSets, error) {
	var rulesJSON string
	err := d.push.selectPushRulesStmt.QueryRowContext(ctx, localpart).Scan(&rulesJSON)
	if err == sql.ErrNoRows {
		return pushrules.DefaultAccountRuleSets(localpart, string(d.serverName)), nil
	}
	if err != nil {
		return nil, err
	}
	var ruleSets pushrules.AccountRuleSets
	if err := json.Unmarshal([]byte(rulesJSON), &ruleSets); err != nil {
		return nil, err
	}
	return &ruleSets, nil
}

// SetPushRules persists the user's rule sets.
func (d *Database) SetPushRules(ctx context.Context, localpart string, ruleSets *pushrules.AccountRuleSets) error {
	rulesJSON, err := json.Marshal(ruleSets)
	if err != nil {
		return err
	}
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.push.upsertPushRulesStmt).ExecContext(ctx, localpart, string(rulesJSON))
		return err
	})
}

// UpsertPusher creates or updates a pusher.
func (d *Database) UpsertPusher(ctx context.Context, localpart string, pusher Pusher) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.push.upsertPusherStmt).ExecContext(
			ctx, localpart, pusher.PushKey, pusher.Kind, pusher.AppID,
			pusher.AppDisplayName, pusher.DeviceDisplayName, pusher.ProfileTag,
			pusher.Language, string(pusher.Data),
		)
		return err
	})
}

// DeletePusher removes a pusher.
func (d *Database) DeletePusher(ctx context.Context, localpart, appID, pushkey string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.push.deletePusherStmt).ExecContext(ctx, localpart, appID, pushkey)
		return err
	})
}

// Pushers lists the user's pushers.
func (d *Database) Pushers(ctx context.Context, localpart string) ([]Pusher, error) {
	rows, err := d.push.selectPushersStmt.QueryContext(ctx, localpart)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "Pushers: failed to close rows")
	var pushers []Pusher
	for rows.Next() {
		var pusher Pusher
		var data string
		if err = rows.Scan(
			&pusher.PushKey, &pusher.Kind, &pusher.AppID, &pusher.AppDisplayName,
			&pusher.DeviceDisplayName, &pusher.ProfileTag, &pusher.Language,
			&data, &pusher.FailureCount,
		); err != nil {
			return nil, err
		}
		pusher.Data = json.RawMessage(data)
		pushers = append(pushers, pusher)
	}
	return pushers, rows.Err()
}

// SetPusherFailureCount records consecutive delivery failures for pusher
// health tracking.
func (d *Database) SetPusherFailureCount(ctx context.Context, localpart, appID, pushkey string, count int) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.push.updatePusherFailureStmt).ExecContext(ctx, localpart, appID, pushkey, count)
		return err
	})
}

// InsertNotification records a notification for a user.
func (d *Database) InsertNotification(ctx context.Context, localpart, roomID, eventID string, highlight bool) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		var max int64
		if err := sqlutil.TxStmt(txn, d.push.selectMaxNotificationIDStmt).QueryRowContext(ctx).Scan(&max); err != nil {
			return err
		}
		_, err := sqlutil.TxStmt(txn, d.push.insertNotificationStmt).ExecContext(
			ctx, max+1, localpart, roomID, eventID, highlight, time.Now().UnixMilli(),
		)
		return err
	})
}

// NotificationCounts returns the unread notification and highlight counts
// for a user in a room.
func (d *Database) NotificationCounts(ctx context.Context, localpart, roomID string) (total, highlight int, err error) {
	err = d.push.selectNotificationCountStmt.QueryRowContext(ctx, localpart, roomID).Scan(&total, &highlight)
	return
}

// MarkNotificationRead marks the notification for an event as read.
func (d *Database) MarkNotificationRead(ctx context.Context, localpart, roomID, eventID string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.push.updateNotificationReadStmt).ExecContext(ctx, localpart, roomID, eventID)
		return err
	})
}

// SetNotificationStatus updates the delivery status of the notifications
// for an event: queued, sent or failed.
func (d *Database) SetNotificationStatus(ctx context.Context, eventID, status string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.push.updateNotificationStatusStmt).ExecContext(ctx, eventID, status)
		return err
	})
}
