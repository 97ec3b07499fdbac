// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/userapi/api"
)

const accountsSchema = `
CREATE TABLE IF NOT EXISTS userapi_accounts (
    -- The Matrix user ID localpart for this account
    localpart TEXT NOT NULL PRIMARY KEY,
    -- When this account was first created, as a unix timestamp (ms resolution).
    created_ts BIGINT NOT NULL,
    -- The password hash for this account. Can be NULL if this is a passwordless account.
    password_hash TEXT,
    -- The account type: 1 user, 2 guest, 3 admin.
    account_type SMALLINT NOT NULL
);

CREATE TABLE IF NOT EXISTS userapi_devices (
    access_token TEXT NOT NULL PRIMARY KEY,
    session_id BIGINT NOT NULL,
    device_id TEXT NOT NULL,
    localpart TEXT NOT NULL,
    created_ts BIGINT NOT NULL,
    display_name TEXT,
    last_seen_ts BIGINT NOT NULL,
    ip TEXT,
    user_agent TEXT,
    UNIQUE (localpart, device_id)
);
`

const insertAccountSQL = "" +
	"INSERT INTO userapi_accounts(localpart, created_ts, password_hash, account_type) VALUES ($1, $2, $3, $4)"

const selectAccountSQL = "" +
	"SELECT localpart, password_hash, account_type FROM userapi_accounts WHERE localpart = $1"

const insertDeviceSQL = "" +
	"INSERT INTO userapi_devices (access_token, session_id, device_id, localpart, created_ts, display_name, last_seen_ts, ip, user_agent)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"

const selectDeviceByTokenSQL = "" +
	"SELECT session_id, device_id, localpart, display_name, last_seen_ts, ip FROM userapi_devices WHERE access_token = $1"

const selectDevicesByLocalpartSQL = "" +
	"SELECT access_token, session_id, device_id, display_name, last_seen_ts, ip FROM userapi_devices WHERE localpart = $1 ORDER BY device_id"

const selectDeviceByIDSQL = "" +
	"SELECT access_token FROM userapi_devices WHERE localpart = $1 AND device_id = $2"

const updateDeviceNameSQL = "" +
	"UPDATE userapi_devices SET display_name = $3 WHERE localpart = $1 AND device_id = $2"

const deleteDeviceSQL = "" +
	"DELETE FROM userapi_devices WHERE localpart = $1 AND device_id = $2"

type accountsStatements struct {
	insertAccountStmt            *sql.Stmt
	selectAccountStmt            *sql.Stmt
	insertDeviceStmt             *sql.Stmt
	selectDeviceByTokenStmt      *sql.Stmt
	selectDevicesByLocalpartStmt *sql.Stmt
	selectDeviceByIDStmt         *sql.Stmt
	updateDeviceNameStmt         *sql.Stmt
	deleteDeviceStmt             *sql.Stmt
}

func prepareAccountsTable(db *sql.DB) (*accountsStatements, error) {
	s := &accountsStatements{}
	if _, err := db.Exec(accountsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAccountStmt, insertAccountSQL},
		{&s.selectAccountStmt, selectAccountSQL},
		{&s.insertDeviceStmt, insertDeviceSQL},
		{&s.selectDeviceByTokenStmt, selectDeviceByTokenSQL},
		{&s.selectDevicesByLocalpartStmt, selectDevicesByLocalpartSQL},
		{&s.selectDeviceByIDStmt, selectDeviceByIDSQL},
		{&s.updateDeviceNameStmt, updateDeviceNameSQL},
		{&s.deleteDeviceStmt, deleteDeviceSQL},
	}.Prepare(db)
}

// CreateAccount creates an account with a bcrypt password hash. Returns
// sqlutil.ErrUserExists if the localpart is taken.
func (d *Database) CreateAccount(ctx context.Context, localpart, plaintextPassword string, accountType api.AccountType) (*api.Account, error) {
	var hash []byte
	if plaintextPassword != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(plaintextPassword), d.bcryptCost)
		if err != nil {
			return nil, err
		}
	}
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		stmt := sqlutil.TxStmt(txn, d.accounts.insertAccountStmt)
		_, err := stmt.ExecContext(ctx, localpart, time.Now().UnixMilli(), string(hash), accountType)
		if err != nil && sqlutil.IsUniqueConstraintViolationErr(err) {
			return sqlutil.ErrUserExists
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &api.Account{
		UserID:      userIDFromLocalpart(localpart, d.serverName),
		Localpart:   localpart,
		ServerName:  d.serverName,
		AccountType: accountType,
	}, nil
}

// GetAccountByPassword checks the password hash for the account.
func (d *Database) GetAccountByPassword(ctx context.Context, localpart, plaintextPassword string) (*api.Account, error) {
	var gotLocalpart string
	var passwordHash sql.NullString
	var accountType int
	err := d.accounts.selectAccountStmt.QueryRowContext(ctx, localpart).Scan(&gotLocalpart, &passwordHash, &accountType)
	if err != nil {
		return nil, err
	}
	if !passwordHash.Valid || passwordHash.String == "" {
		return nil, bcrypt.ErrMismatchedHashAndPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash.String), []byte(plaintextPassword)); err != nil {
		return nil, err
	}
	return &api.Account{
		UserID:      userIDFromLocalpart(localpart, d.serverName),
		Localpart:   localpart,
		ServerName:  d.serverName,
		AccountType: api.AccountType(accountType),
	}, nil
}

// CreateDevice creates a device and access token for the account. If the
// device ID already exists, the existing device is renamed and keeps its
// access token.
func (d *Database) CreateDevice(ctx context.Context, localpart, deviceID, displayName, ipAddr, userAgent string) (*api.Device, error) {
	accessToken := "spt_" + randomTokenString()
	sessionID := time.Now().UnixNano()
	now := time.Now().UnixMilli()

	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if deviceID != "" {
			// An existing device keeps its identity; only the display name
			// changes and a fresh token is not issued.
			var existingToken string
			err := sqlutil.TxStmt(txn, d.accounts.selectDeviceByIDStmt).QueryRowContext(ctx, localpart, deviceID).Scan(&existingToken)
			if err == nil {
				accessToken = existingToken
				_, err = sqlutil.TxStmt(txn, d.accounts.updateDeviceNameStmt).ExecContext(ctx, localpart, deviceID, displayName)
				return err
			}
			if err != sql.ErrNoRows {
				return err
			}
		} else {
			deviceID = randomDeviceID()
		}
		_, err := sqlutil.TxStmt(txn, d.accounts.insertDeviceStmt).ExecContext(
			ctx, accessToken, sessionID, deviceID, localpart, now, displayName, now, ipAddr, userAgent,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &api.Device{
		ID:          deviceID,
		UserID:      userIDFromLocalpart(localpart, d.serverName),
		AccessToken: accessToken,
		SessionID:   sessionID,
		DisplayName: displayName,
		LastSeenTS:  now,
		LastSeenIP:  ipAddr,
	}, nil
}

// GetDeviceByAccessToken returns the device for an access token, or nil.
func (d *Database) GetDeviceByAccessToken(ctx context.Context, token string) (*api.Device, error) {
	var device api.Device
	var localpart string
	var displayName, ip sql.NullString
	err := d.accounts.selectDeviceByTokenStmt.QueryRowContext(ctx, token).Scan(
		&device.SessionID, &device.ID, &localpart, &displayName, &device.LastSeenTS, &ip,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	device.UserID = userIDFromLocalpart(localpart, d.serverName)
	device.AccessToken = token
	device.DisplayName = displayName.String
	device.LastSeenIP = ip.String
	return &device, nil
}

// GetDevicesByLocalpart lists a user's devices.
func (d *Database) GetDevicesByLocalpart(ctx context.Context, localpart string) ([]api.Device, error) {
	rows, err := d.accounts.selectDevicesByLocalpartStmt.QueryContext(ctx, localpart)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "GetDevicesByLocalpart: failed to close rows")
	var devices []api.Device
	for rows.Next() {
		var device api.Device
		var displayName, ip sql.NullString
		if err = rows.Scan(&device.AccessToken, &device.SessionID, &device.ID, &displayName, &device.LastSeenTS, &ip); err != nil {
			return nil, err
		}
		device.UserID = userIDFromLocalpart(localpart, d.serverName)
		device.DisplayName = displayName.String
		device.LastSeenIP = ip.String
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// RemoveDevices deletes devices, invalidating their access tokens.
func (d *Database) RemoveDevices(ctx context.Context, localpart string, deviceIDs []string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		for _, deviceID := range deviceIDs {
			if _, err := sqlutil.TxStmt(txn, d.accounts.deleteDeviceStmt).ExecContext(ctx, localpart, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
}

func userIDFromLocalpart(localpart string, serverName matrix.ServerName) string {
	return "@" + localpart + ":" + string(serverName)
}
