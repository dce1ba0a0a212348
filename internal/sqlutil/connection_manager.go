// Copyright 2024 New Vector Ltd.
// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
)

// Connections hands out one pool and writer per connection string, so that
// the stores sharing a SQLite file also share its exclusive writer.
type Connections struct {
	globalConfig   config.DatabaseOptions
	processContext *process.ProcessContext
	mu             sync.Mutex
	existing       map[config.DataSource]*con
}

type con struct {
	db     *sql.DB
	writer Writer
}

func NewConnectionManager(processCtx *process.ProcessContext, globalConfig config.DatabaseOptions) *Connections {
	return &Connections{
		globalConfig:   globalConfig,
		processContext: processCtx,
		existing:       map[config.DataSource]*con{},
	}
}

func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	// If no connectionString was provided, try the global one
	if dbProperties == nil || dbProperties.ConnectionString == "" {
		dbProperties = &c.globalConfig
		// If we still don't have a connection string, that's a problem
		if dbProperties.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connections configured")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ex, ok := c.existing[dbProperties.ConnectionString]; ok {
		return ex.db, ex.writer, nil
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}

	db, err := Open(dbProperties)
	if err != nil {
		return nil, nil, err
	}
	c.existing[dbProperties.ConnectionString] = &con{db: db, writer: writer}

	if c.processContext != nil {
		// Close the pool once the process shuts down.
		c.processContext.ComponentStarted()
		go func() {
			<-c.processContext.WaitForShutdown()
			_ = db.Close()
			c.processContext.ComponentFinished()
		}()
	}
	return db, writer, nil
}
