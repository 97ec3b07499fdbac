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

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_memberships (
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    -- The resolved current membership: invite, join, leave, ban or knock.
    -- Historical transitions live in the event DAG.
    membership TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    invited_by TEXT NOT NULL DEFAULT '',
    is_direct BOOLEAN NOT NULL DEFAULT FALSE,
    third_party_invite_token TEXT NOT NULL DEFAULT '',
    authorised_via TEXT NOT NULL DEFAULT '',
    event_id TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS roomserver_memberships_user_idx ON roomserver_memberships (user_id, membership);
`

const upsertMembershipSQL = "" +
	"INSERT INTO roomserver_memberships (room_id, user_id, membership, display_name, avatar_url, reason, invited_by, is_direct, third_party_invite_token, authorised_via, event_id, updated_at)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)" +
	" ON CONFLICT (room_id, user_id) DO UPDATE SET" +
	" membership = $3, display_name = $4, avatar_url = $5, reason = $6," +
	" invited_by = $7, is_direct = $8, third_party_invite_token = $9," +
	" authorised_via = $10, event_id = $11, updated_at = $12"

const selectMembershipSQL = "" +
	"SELECT room_id, user_id, membership, display_name, avatar_url, reason, invited_by, is_direct, third_party_invite_token, authorised_via, event_id, updated_at" +
	" FROM roomserver_memberships WHERE room_id = $1 AND user_id = $2"

const selectMembershipsForRoomSQL = "" +
	"SELECT room_id, user_id, membership, display_name, avatar_url, reason, invited_by, is_direct, third_party_invite_token, authorised_via, event_id, updated_at" +
	" FROM roomserver_memberships WHERE room_id = $1 ORDER BY user_id"

const selectRoomsForUserSQL = "" +
	"SELECT room_id FROM roomserver_memberships WHERE user_id = $1 AND membership = $2 ORDER BY room_id"

type membershipsStatements struct {
	db                           *sql.DB
	upsertMembershipStmt         *sql.Stmt
	selectMembershipStmt         *sql.Stmt
	selectMembershipsForRoomStmt *sql.Stmt
	selectRoomsForUserStmt       *sql.Stmt
}

func prepareMembershipsTable(db *sql.DB) (*membershipsStatements, error) {
	s := &membershipsStatements{db: db}
	if _, err := db.Exec(membershipsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipStmt, selectMembershipSQL},
		{&s.selectMembershipsForRoomStmt, selectMembershipsForRoomSQL},
		{&s.selectRoomsForUserStmt, selectRoomsForUserSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) UpsertMembership(ctx context.Context, txn *sql.Tx, entry types.MembershipEntry) error {
	stmt := sqlutil.TxStmt(txn, s.upsertMembershipStmt)
	_, err := stmt.ExecContext(
		ctx, entry.RoomID, entry.UserID, entry.Membership, entry.DisplayName,
		entry.AvatarURL, entry.Reason, entry.InvitedBy, entry.IsDirect,
		entry.ThirdPartyInviteToken, entry.AuthorisedVia, entry.EventID,
		int64(entry.UpdatedAt),
	)
	return err
}

func scanMembership(scanner interface{ Scan(...interface{}) error }) (types.MembershipEntry, error) {
	var entry types.MembershipEntry
	var updatedAt int64
	err := scanner.Scan(
		&entry.RoomID, &entry.UserID, &entry.Membership, &entry.DisplayName,
		&entry.AvatarURL, &entry.Reason, &entry.InvitedBy, &entry.IsDirect,
		&entry.ThirdPartyInviteToken, &entry.AuthorisedVia, &entry.EventID,
		&updatedAt,
	)
	entry.UpdatedAt = matrix.Timestamp(updatedAt)
	return entry, err
}

func (s *membershipsStatements) SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (*types.MembershipEntry, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipStmt)
	entry, err := scanMembership(stmt.QueryRowContext(ctx, roomID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *membershipsStatements) SelectMembershipsForRoom(ctx context.Context, txn *sql.Tx, roomID string, joinedOnly bool) ([]types.MembershipEntry, error) {
	stmt := sqlutil.TxStmt(txn, s.selectMembershipsForRoomStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectMembershipsForRoom: failed to close rows")
	var entries []types.MembershipEntry
	for rows.Next() {
		entry, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		if joinedOnly && entry.Membership != matrix.Join {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *membershipsStatements) SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectRoomsForUserStmt)
	rows, err := stmt.QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "SelectRoomsForUser: failed to close rows")
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
