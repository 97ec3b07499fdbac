// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/setup/config"
)

// Database stores accounts, devices, end-to-end key material, push rules,
// pushers and notifications.
type Database struct {
	db         *sql.DB
	writer     sqlutil.Writer
	serverName matrix.ServerName
	bcryptCost int

	accounts *accountsStatements
	keys     *keysStatements
	push     *pushStatements
}

// Open opens the user database and prepares all the tables.
func Open(dbProperties *config.DatabaseOptions, serverName matrix.ServerName, bcryptCost int) (*Database, error) {
	writer := sqlutil.NewConnectionWriter(dbProperties.ConnectionString)
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, err
	}
	d := &Database{
		db:         db,
		writer:     writer,
		serverName: serverName,
		bcryptCost: bcryptCost,
	}
	if d.accounts, err = prepareAccountsTable(db); err != nil {
		return nil, err
	}
	if d.keys, err = prepareKeysTable(db); err != nil {
		return nil, err
	}
	if d.push, err = preparePushTables(db); err != nil {
		return nil, err
	}
	return d, nil
}

func randomTokenString() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func randomDeviceID() string {
	// Device IDs are short and human-transcribable; a UUID fragment is
	// unique enough.
	return uuid.NewString()[:8]
}
