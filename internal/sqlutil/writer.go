// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import "database/sql"

// The Writer interface is designed to solve the problem of how
// to handle database writes for database engines that don't allow
// concurrent writes, e.g. SQLite.
//
// Do takes an optional database, an optional transaction and a
// required function:
//
//   - db and txn given: f runs with txn when it is safe to do so.
//   - db given, txn nil: a new transaction is opened on db for f.
//   - neither given: f runs with a nil txn, for single statements
//     on already prepared statements.
//
// Do must not be called from within f on the same Writer, or it
// will deadlock.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
