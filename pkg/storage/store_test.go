package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plinthworks/plinth/pkg/query"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestQuery_CompilesAndScans(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT id, title FROM records WHERE status = ? LIMIT 10").
		WithArgs("published").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).
			AddRow(int64(1), "first").
			AddRow(int64(2), "second"))

	rows, err := s.Query(context.Background(), &query.Descriptor{
		Table:      "records",
		Fields:     []string{"id", "title"},
		Conditions: []query.Condition{{Field: "status", Op: "=", Value: "published"}},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0]["title"])
	assert.Equal(t, int64(2), rows[1]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_InvalidDescriptorNeverReachesDB(t *testing.T) {
	s, mock := newMock(t)
	_, err := s.Query(context.Background(), &query.Descriptor{
		Table: "users; DROP TABLE users;--",
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL was issued")
}

func TestInsert(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO records (status, title) VALUES (?, ?)").
		WithArgs("draft", "hello").
		WillReturnResult(sqlmock.NewResult(7, 1))

	id, err := s.Insert(context.Background(), &query.Mutation{
		Table:  "records",
		Values: map[string]any{"title": "hello", "status": "draft"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAndDelete(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE records SET title = ? WHERE id = ?").
		WithArgs("renamed", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM records WHERE id = ?").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.Update(context.Background(), &query.Mutation{
		Table:      "records",
		Values:     map[string]any{"title": "renamed"},
		Conditions: []query.Condition{{Field: "id", Op: "=", Value: int64(7)}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(context.Background(), &query.Mutation{
		Table:      "records",
		Conditions: []query.Condition{{Field: "id", Op: "=", Value: int64(7)}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRaw(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT count(*) AS n FROM records").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(3)))

	rows, err := s.QueryRaw(context.Background(), "SELECT count(*) AS n FROM records")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["n"])
}
