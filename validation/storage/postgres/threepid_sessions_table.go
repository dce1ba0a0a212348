// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/validation/api"
	"github.com/element-hq/identity/validation/storage/tables"
)

const threepidSessionsSchema = `
-- Stores validation sessions for email addresses and phone numbers.
CREATE TABLE IF NOT EXISTS threepid_validation_sessions (
	sid BIGSERIAL PRIMARY KEY,
	-- "email" or "msisdn"
	medium TEXT NOT NULL,
	-- The normalised address being validated
	address TEXT NOT NULL,
	client_secret TEXT NOT NULL,
	token TEXT NOT NULL,
	send_attempt INTEGER NOT NULL DEFAULT 0,
	-- Milliseconds since epoch of the last request touching this session
	mtime BIGINT NOT NULL,
	validated BOOLEAN NOT NULL DEFAULT FALSE,
	validated_at BIGINT NOT NULL DEFAULT 0,
	next_link TEXT NOT NULL DEFAULT '',
	-- A user ID to bind once the session is validated
	pending_mxid TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS threepid_validation_sessions_threepid_idx
	ON threepid_validation_sessions (medium, address, client_secret);
`

const insertSessionSQL = "" +
	"INSERT INTO threepid_validation_sessions (medium, address, client_secret, token, send_attempt, mtime, next_link)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)" +
	" RETURNING sid"

const sessionColumns = "sid, medium, address, client_secret, token, send_attempt, mtime, validated, validated_at, next_link, pending_mxid"

const selectSessionSQL = "" +
	"SELECT " + sessionColumns + " FROM threepid_validation_sessions WHERE sid = $1"

const selectUnvalidatedSessionSQL = "" +
	"SELECT " + sessionColumns + " FROM threepid_validation_sessions" +
	" WHERE medium = $1 AND address = $2 AND client_secret = $3 AND validated = FALSE" +
	" ORDER BY sid DESC LIMIT 1"

const updateMtimeSQL = "" +
	"UPDATE threepid_validation_sessions SET mtime = $1 WHERE sid = $2"

const updateSendAttemptSQL = "" +
	"UPDATE threepid_validation_sessions SET send_attempt = $1 WHERE sid = $2 AND send_attempt < $1"

const updateValidatedSQL = "" +
	"UPDATE threepid_validation_sessions SET validated = TRUE, validated_at = $1 WHERE sid = $2 AND validated = FALSE"

const updatePendingMXIDSQL = "" +
	"UPDATE threepid_validation_sessions SET pending_mxid = $1 WHERE sid = $2"

const deleteSessionsBeforeSQL = "" +
	"DELETE FROM threepid_validation_sessions WHERE mtime < $1"

type threepidSessionsStatements struct {
	db                           *sql.DB
	insertSessionStmt            *sql.Stmt
	selectSessionStmt            *sql.Stmt
	selectUnvalidatedSessionStmt *sql.Stmt
	updateMtimeStmt              *sql.Stmt
	updateSendAttemptStmt        *sql.Stmt
	updateValidatedStmt          *sql.Stmt
	updatePendingMXIDStmt        *sql.Stmt
	deleteSessionsBeforeStmt     *sql.Stmt
}

func NewPostgresThreepidSessionsTable(db *sql.DB) (tables.ThreepidSessions, error) {
	s := &threepidSessionsStatements{
		db: db,
	}
	_, err := db.Exec(threepidSessionsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSessionStmt, insertSessionSQL},
		{&s.selectSessionStmt, selectSessionSQL},
		{&s.selectUnvalidatedSessionStmt, selectUnvalidatedSessionSQL},
		{&s.updateMtimeStmt, updateMtimeSQL},
		{&s.updateSendAttemptStmt, updateSendAttemptSQL},
		{&s.updateValidatedStmt, updateValidatedSQL},
		{&s.updatePendingMXIDStmt, updatePendingMXIDSQL},
		{&s.deleteSessionsBeforeStmt, deleteSessionsBeforeSQL},
	}.Prepare(db)
}

func (s *threepidSessionsStatements) InsertSession(
	ctx context.Context, txn *sql.Tx, session *api.Session,
) (int64, error) {
	var sid int64
	stmt := sqlutil.TxStmt(txn, s.insertSessionStmt)
	err := stmt.QueryRowContext(
		ctx, session.Medium, session.Address, session.ClientSecret,
		session.Token, session.SendAttemptNumber, session.Mtime, session.NextLink,
	).Scan(&sid)
	return sid, err
}

func (s *threepidSessionsStatements) SelectSession(
	ctx context.Context, txn *sql.Tx, sid int64,
) (*api.Session, error) {
	stmt := sqlutil.TxStmt(txn, s.selectSessionStmt)
	return scanSession(stmt.QueryRowContext(ctx, sid))
}

func (s *threepidSessionsStatements) SelectUnvalidatedSession(
	ctx context.Context, txn *sql.Tx, medium api.Medium, address, clientSecret string,
) (*api.Session, error) {
	stmt := sqlutil.TxStmt(txn, s.selectUnvalidatedSessionStmt)
	return scanSession(stmt.QueryRowContext(ctx, medium, address, clientSecret))
}

func scanSession(row *sql.Row) (*api.Session, error) {
	var session api.Session
	err := row.Scan(
		&session.ID, &session.Medium, &session.Address, &session.ClientSecret,
		&session.Token, &session.SendAttemptNumber, &session.Mtime,
		&session.Validated, &session.ValidatedAt, &session.NextLink, &session.PendingMXID,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *threepidSessionsStatements) UpdateMtime(
	ctx context.Context, txn *sql.Tx, sid int64, mtime spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateMtimeStmt).ExecContext(ctx, mtime, sid)
	return err
}

func (s *threepidSessionsStatements) UpdateSendAttempt(
	ctx context.Context, txn *sql.Tx, sid int64, sendAttempt int,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateSendAttemptStmt).ExecContext(ctx, sendAttempt, sid)
	return err
}

func (s *threepidSessionsStatements) UpdateValidated(
	ctx context.Context, txn *sql.Tx, sid int64, validatedAt spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateValidatedStmt).ExecContext(ctx, validatedAt, sid)
	return err
}

func (s *threepidSessionsStatements) UpdatePendingMXID(
	ctx context.Context, txn *sql.Tx, sid int64, mxid string,
) error {
	_, err := sqlutil.TxStmt(txn, s.updatePendingMXIDStmt).ExecContext(ctx, mxid, sid)
	return err
}

func (s *threepidSessionsStatements) DeleteSessionsBefore(
	ctx context.Context, txn *sql.Tx, mtime spec.Timestamp,
) (int64, error) {
	res, err := sqlutil.TxStmt(txn, s.deleteSessionsBeforeStmt).ExecContext(ctx, mtime)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
