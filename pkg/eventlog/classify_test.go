package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/billstream/billstream/pkg/fault"
)

func TestAppendStorageFailureIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	log := NewSQLiteLog(db)
	_, err = log.Append(context.Background(), "b1", 0, []Envelope{
		{Kind: "BillCreated", Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	require.Equal(t, fault.KindTransient, fault.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendCommitFailureIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count", "last"}).AddRow(0, ""))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(0))
	mock.ExpectExec("INSERT INTO bill_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	log := NewSQLiteLog(db)
	_, err = log.Append(context.Background(), "b1", 0, []Envelope{
		{Kind: "BillCreated", Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	require.Equal(t, fault.KindTransient, fault.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifySQLiteErr(t *testing.T) {
	conflict := classifySQLiteErr(errors.New("constraint failed: UNIQUE constraint failed: bill_events.position"))
	require.Equal(t, fault.KindConcurrencyConflict, fault.KindOf(conflict))

	transient := classifySQLiteErr(errors.New("database is locked"))
	require.Equal(t, fault.KindTransient, fault.KindOf(transient))
}

func TestClassifyPostgresErr(t *testing.T) {
	conflict := classifyPostgresErr(&pq.Error{Code: "23505"})
	require.Equal(t, fault.KindConcurrencyConflict, fault.KindOf(conflict))

	transient := classifyPostgresErr(&pq.Error{Code: "53300"})
	require.Equal(t, fault.KindTransient, fault.KindOf(transient))

	plain := classifyPostgresErr(errors.New("connection refused"))
	require.Equal(t, fault.KindTransient, fault.KindOf(plain))
}
