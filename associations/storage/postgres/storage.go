// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"

	"github.com/element-hq/identity/associations/storage/shared"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/setup/config"
)

// Database stores local and global threepid associations
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
	local, err := NewPostgresLocalAssociationsTable(d.db)
	if err != nil {
		return nil, err
	}
	global, err := NewPostgresGlobalAssociationsTable(d.db)
	if err != nil {
		return nil, err
	}
	positions, err := NewPostgresGlobalPositionsTable(d.db)
	if err != nil {
		return nil, err
	}
	d.Database = shared.Database{
		DB:        d.db,
		Writer:    d.writer,
		Local:     local,
		Global:    global,
		Positions: positions,
	}
	return &d, nil
}
