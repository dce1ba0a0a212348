// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication/storage/shared"
	"github.com/element-hq/identity/setup/config"
)

// Database stores replication peers and their cursors
type Database struct {
	shared.Database
	db     *sql.DB
	writer sqlutil.Writer
}

// NewDatabase opens a new database
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions) (*Database, error) {
	var d Database
	var err error
	if d.db, d.writer, err = conMan.Connection(dbProperties); err != nil {
		return nil, err
	}
	peers, err := NewSQLitePeersTable(d.db)
	if err != nil {
		return nil, err
	}
	pubkeys, err := NewSQLitePeerPubkeysTable(d.db)
	if err != nil {
		return nil, err
	}
	d.Database = shared.Database{
		DB:          d.db,
		Writer:      d.writer,
		Peers:       peers,
		PeerPubkeys: pubkeys,
	}
	return &d, nil
}
