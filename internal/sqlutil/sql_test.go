package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLimitedVariablesQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT address FROM t WHERE medium = \$1 AND address IN \(\$2, \$3\)`).
		WithArgs("email", "a", "b").
		WillReturnRows(mock.NewRows([]string{"address"}).AddRow("a").AddRow("b"))
	mock.ExpectQuery(`SELECT address FROM t WHERE medium = \$1 AND address IN \(\$2\)`).
		WithArgs("email", "c").
		WillReturnRows(mock.NewRows([]string{"address"}).AddRow("c"))

	var result []string
	err = RunLimitedVariablesQuery(
		context.Background(), "SELECT address FROM t WHERE medium = $1 AND address IN ($2)", db,
		[]interface{}{"email"}, []interface{}{"a", "b", "c"}, 2,
		func(rows *sql.Rows) error {
			for rows.Next() {
				var address string
				if err := rows.Scan(&address); err != nil {
					return err
				}
				result = append(result, address)
			}
			return rows.Err()
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLimitedVariablesQueryRowHandlerError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id WHERE id IN \(\$1\)`).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(1))

	wantErr := errors.New("scan failed")
	err = RunLimitedVariablesQuery(
		context.Background(), "SELECT id WHERE id IN ($1)", db,
		nil, []interface{}{1}, SQLite3MaxVariables,
		func(rows *sql.Rows) error { return wantErr },
	)
	assert.ErrorIs(t, err, wantErr)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO t").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err = WithTransaction(db, func(txn *sql.Tx) error {
		_, err := txn.Exec("INSERT INTO t VALUES (1)")
		return err
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDummyWriterCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewDummyWriter().Do(db, nil, func(txn *sql.Tx) error {
		_, err := txn.Exec("UPDATE t SET x = 1")
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryVariadicOffset(t *testing.T) {
	assert.Equal(t, "($1)", QueryVariadicOffset(1, 0))
	assert.Equal(t, "($3, $4, $5)", QueryVariadicOffset(3, 2))
}
