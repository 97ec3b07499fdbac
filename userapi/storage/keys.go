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
	"github.com/element-hq/spire/userapi/api"
)

const keysSchema = `
CREATE TABLE IF NOT EXISTS userapi_device_keys (
    user_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    key_json TEXT NOT NULL,
    PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS userapi_one_time_keys (
    user_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    -- The key ID including the algorithm, e.g. "signed_curve25519:AAAAHQ".
    key_id TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    key_json TEXT NOT NULL,
    -- Fallback keys survive claiming; one-time keys do not.
    is_fallback BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (user_id, device_id, key_id)
);

CREATE TABLE IF NOT EXISTS userapi_cross_signing_keys (
    user_id TEXT NOT NULL,
    -- master, self_signing or user_signing.
    purpose TEXT NOT NULL,
    key_json TEXT NOT NULL,
    PRIMARY KEY (user_id, purpose)
);
`

const upsertDeviceKeysSQL = "" +
	"INSERT INTO userapi_device_keys (user_id, device_id, key_json) VALUES ($1, $2, $3)" +
	" ON CONFLICT (user_id, device_id) DO UPDATE SET key_json = $3"

const selectDeviceKeysSQL = "" +
	"SELECT device_id, key_json FROM userapi_device_keys WHERE user_id = $1"

const deleteDeviceKeysSQL = "" +
	"DELETE FROM userapi_device_keys WHERE user_id = $1 AND device_id = $2"

const insertOneTimeKeySQL = "" +
	"INSERT INTO userapi_one_time_keys (user_id, device_id, key_id, algorithm, key_json, is_fallback)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (user_id, device_id, key_id) DO UPDATE SET key_json = $5"

const countOneTimeKeysSQL = "" +
	"SELECT algorithm, COUNT(key_id) FROM userapi_one_time_keys" +
	" WHERE user_id = $1 AND device_id = $2 AND is_fallback = FALSE GROUP BY algorithm"

const selectOneTimeKeyToClaimSQL = "" +
	"SELECT key_id, key_json, is_fallback FROM userapi_one_time_keys" +
	" WHERE user_id = $1 AND device_id = $2 AND algorithm = $3 ORDER BY is_fallback, key_id LIMIT 1"

const deleteOneTimeKeySQL = "" +
	"DELETE FROM userapi_one_time_keys WHERE user_id = $1 AND device_id = $2 AND key_id = $3"

const upsertCrossSigningKeySQL = "" +
	"INSERT INTO userapi_cross_signing_keys (user_id, purpose, key_json) VALUES ($1, $2, $3)" +
	" ON CONFLICT (user_id, purpose) DO UPDATE SET key_json = $3"

const selectCrossSigningKeysSQL = "" +
	"SELECT purpose, key_json FROM userapi_cross_signing_keys WHERE user_id = $1"

type keysStatements struct {
	upsertDeviceKeysStmt        *sql.Stmt
	selectDeviceKeysStmt        *sql.Stmt
	deleteDeviceKeysStmt        *sql.Stmt
	insertOneTimeKeyStmt        *sql.Stmt
	countOneTimeKeysStmt        *sql.Stmt
	selectOneTimeKeyToClaimStmt *sql.Stmt
	deleteOneTimeKeyStmt        *sql.Stmt
	upsertCrossSigningKeyStmt   *sql.Stmt
	selectCrossSigningKeysStmt  *sql.Stmt
}

func prepareKeysTable(db *sql.DB) (*keysStatements, error) {
	s := &keysStatements{}
	if _, err := db.Exec(keysSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertDeviceKeysStmt, upsertDeviceKeysSQL},
		{&s.selectDeviceKeysStmt, selectDeviceKeysSQL},
		{&s.deleteDeviceKeysStmt, deleteDeviceKeysSQL},
		{&s.insertOneTimeKeyStmt, insertOneTimeKeySQL},
		{&s.countOneTimeKeysStmt, countOneTimeKeysSQL},
		{&s.selectOneTimeKeyToClaimStmt, selectOneTimeKeyToClaimSQL},
		{&s.deleteOneTimeKeyStmt, deleteOneTimeKeySQL},
		{&s.upsertCrossSigningKeyStmt, upsertCrossSigningKeySQL},
		{&s.selectCrossSigningKeysStmt, selectCrossSigningKeysSQL},
	}.Prepare(db)
}

// UpsertDeviceKeys stores the signed long-term key set for a device.
func (d *Database) UpsertDeviceKeys(ctx context.Context, keys *api.DeviceKeys) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.keys.upsertDeviceKeysStmt).ExecContext(
			ctx, keys.UserID, keys.DeviceID, string(keys.KeyJSON),
		)
		return err
	})
}

// DeviceKeysForUser returns the long-term key sets for a user's devices.
func (d *Database) DeviceKeysForUser(ctx context.Context, userID string, deviceIDs []string) (map[string]json.RawMessage, error) {
	rows, err := d.keys.selectDeviceKeysStmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "DeviceKeysForUser: failed to close rows")
	wanted := map[string]bool{}
	for _, deviceID := range deviceIDs {
		wanted[deviceID] = true
	}
	result := map[string]json.RawMessage{}
	for rows.Next() {
		var deviceID, keyJSON string
		if err = rows.Scan(&deviceID, &keyJSON); err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[deviceID] {
			continue
		}
		result[deviceID] = json.RawMessage(keyJSON)
	}
	return result, rows.Err()
}

// DeleteDeviceKeys removes the long-term device keys for a deleted device.
// One-time and fallback keys are not removed.
func (d *Database) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.keys.deleteDeviceKeysStmt).ExecContext(ctx, userID, deviceID)
		return err
	})
}

// StoreOneTimeKeys stores claimable one-time keys (or fallback keys).
func (d *Database) StoreOneTimeKeys(ctx context.Context, keys *api.OneTimeKeys, fallback bool) (map[string]int, error) {
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		for keyID, keyJSON := range keys.KeyJSON {
			algorithm := keyID
			for i := range keyID {
				if keyID[i] == ':' {
					algorithm = keyID[:i]
					break
				}
			}
			if _, err := sqlutil.TxStmt(txn, d.keys.insertOneTimeKeyStmt).ExecContext(
				ctx, keys.UserID, keys.DeviceID, keyID, algorithm, string(keyJSON), fallback,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.OneTimeKeyCounts(ctx, keys.UserID, keys.DeviceID)
}

// OneTimeKeyCounts returns the unclaimed one-time key counts by algorithm.
func (d *Database) OneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	rows, err := d.keys.countOneTimeKeysStmt.QueryContext(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "OneTimeKeyCounts: failed to close rows")
	counts := map[string]int{}
	for rows.Next() {
		var algorithm string
		var count int
		if err = rows.Scan(&algorithm, &count); err != nil {
			return nil, err
		}
		counts[algorithm] = count
	}
	return counts, rows.Err()
}

// ClaimOneTimeKey claims a key of the given algorithm for the device. A
// claimed one-time key is deleted; fallback keys are handed out repeatedly.
func (d *Database) ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (string, json.RawMessage, error) {
	var keyID, keyJSON string
	var isFallback bool
	err := d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		err := sqlutil.TxStmt(txn, d.keys.selectOneTimeKeyToClaimStmt).QueryRowContext(
			ctx, userID, deviceID, algorithm,
		).Scan(&keyID, &keyJSON, &isFallback)
		if err != nil {
			return err
		}
		if !isFallback {
			_, err = sqlutil.TxStmt(txn, d.keys.deleteOneTimeKeyStmt).ExecContext(ctx, userID, deviceID, keyID)
		}
		return err
	})
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return keyID, json.RawMessage(keyJSON), nil
}

// UpsertCrossSigningKey stores a cross-signing key. Existing signatures are
// merged so uploading a signature does not discard earlier ones.
func (d *Database) UpsertCrossSigningKey(ctx context.Context, userID string, purpose api.CrossSigningKeyPurpose, key *api.CrossSigningKey) error {
	existing, err := d.CrossSigningKeysForUser(ctx, userID)
	if err != nil {
		return err
	}
	if old, ok := existing[purpose]; ok && old.Signatures != nil {
		if key.Signatures == nil {
			key.Signatures = old.Signatures
		} else {
			for entity, signatures := range old.Signatures {
				if key.Signatures[entity] == nil {
					key.Signatures[entity] = signatures
					continue
				}
				for keyID, signature := range signatures {
					if _, ok := key.Signatures[entity][keyID]; !ok {
						key.Signatures[entity][keyID] = signature
					}
				}
			}
		}
	}
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		_, err := sqlutil.TxStmt(txn, d.keys.upsertCrossSigningKeyStmt).ExecContext(
			ctx, userID, string(purpose), string(keyJSON),
		)
		return err
	})
}

// CrossSigningKeysForUser returns the user's cross-signing keys by purpose.
func (d *Database) CrossSigningKeysForUser(ctx context.Context, userID string) (map[api.CrossSigningKeyPurpose]api.CrossSigningKey, error) {
	rows, err := d.keys.selectCrossSigningKeysStmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "CrossSigningKeysForUser: failed to close rows")
	result := map[api.CrossSigningKeyPurpose]api.CrossSigningKey{}
	for rows.Next() {
		var purpose, keyJSON string
		if err = rows.Scan(&purpose, &keyJSON); err != nil {
			return nil, err
		}
		var key api.CrossSigningKey
		if err = json.Unmarshal([]byte(keyJSON), &key); err != nil {
			return nil, err
		}
		result[api.CrossSigningKeyPurpose(purpose)] = key
	}
	return result, rows.Err()
}
