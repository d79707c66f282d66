package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSelect(t *testing.T) {
	d := &Descriptor{
		Table:  "records",
		Fields: []string{"id", "title"},
		Conditions: []Condition{
			{Field: "status", Op: "=", Value: "published"},
			{Field: "views", Op: ">=", Value: 10},
		},
		OrderBy: []Order{{Field: "created_at", Desc: true}},
		Limit:   25,
	}
	sql, args, err := d.CompileSelect()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, title FROM records WHERE status = ? AND views >= ? ORDER BY created_at DESC LIMIT 25",
		sql)
	assert.Equal(t, []any{"published", 10}, args)
}

func TestCompileSelect_In(t *testing.T) {
	d := &Descriptor{
		Table:      "records",
		Conditions: []Condition{{Field: "id", Op: "in", Value: []any{1, 2, 3}}},
	}
	sql, args, err := d.CompileSelect()
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM records WHERE id IN (?, ?, ?)", sql)
	assert.Equal(t, []any{1, 2, 3}, args)
}

func TestValidate_RejectsInjection(t *testing.T) {
	hostile := []Descriptor{
		{Table: "users; DROP TABLE users;--"},
		{Table: "users", Fields: []string{"name, password FROM users --"}},
		{Table: "users", Conditions: []Condition{{Field: "1=1 OR name", Op: "=", Value: "x"}}},
		{Table: "users", Conditions: []Condition{{Field: "name", Op: "= '' OR 1=1 --", Value: "x"}}},
		{Table: "users", OrderBy: []Order{{Field: "name; DELETE FROM users"}}},
		{Table: `"users"`},
	}
	for _, d := range hostile {
		d := d
		_, _, err := d.CompileSelect()
		require.Error(t, err, "descriptor %+v must not compile", d)
		var qerr *Error
		require.True(t, errors.As(err, &qerr))
		assert.Contains(t, []string{ErrBadIdentifier, ErrBadOperator}, qerr.Code)
	}
}

func TestValidate_Limits(t *testing.T) {
	d := &Descriptor{Table: "records", Limit: -1}
	err := d.Validate()
	var qerr *Error
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, ErrBadLimit, qerr.Code)
}

func TestCompileInsert_DeterministicColumnOrder(t *testing.T) {
	m := &Mutation{
		Table:  "records",
		Values: map[string]any{"title": "hello", "body": "world", "status": "draft"},
	}
	sql, args, err := m.CompileInsert()
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO records (body, status, title) VALUES (?, ?, ?)", sql)
	assert.Equal(t, []any{"world", "draft", "hello"}, args)
}

func TestCompileUpdate_RequiresCondition(t *testing.T) {
	m := &Mutation{Table: "records", Values: map[string]any{"title": "x"}}
	_, _, err := m.CompileUpdate()
	require.Error(t, err)

	m.Conditions = []Condition{{Field: "id", Op: "=", Value: 7}}
	sql, args, err := m.CompileUpdate()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE records SET title = ? WHERE id = ?", sql)
	assert.Equal(t, []any{"x", 7}, args)
}

func TestCompileUpdate_In(t *testing.T) {
	m := &Mutation{
		Table:      "records",
		Values:     map[string]any{"status": "archived"},
		Conditions: []Condition{{Field: "id", Op: "in", Value: []any{1, 2, 3}}},
	}
	sql, args, err := m.CompileUpdate()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE records SET status = ? WHERE id IN (?, ?, ?)", sql)
	assert.Equal(t, []any{"archived", 1, 2, 3}, args)
}

func TestCompileDelete_In(t *testing.T) {
	m := &Mutation{
		Table:      "records",
		Conditions: []Condition{{Field: "id", Op: "in", Value: []any{4, 5}}},
	}
	sql, args, err := m.CompileDelete()
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM records WHERE id IN (?, ?)", sql)
	assert.Equal(t, []any{4, 5}, args)
}

func TestCompileMutation_InRequiresList(t *testing.T) {
	m := &Mutation{
		Table:      "records",
		Values:     map[string]any{"status": "archived"},
		Conditions: []Condition{{Field: "id", Op: "in", Value: 7}},
	}
	_, _, err := m.CompileUpdate()
	var qerr *Error
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, ErrBadOperator, qerr.Code)

	m.Conditions[0].Value = []any{}
	_, _, err = m.CompileDelete()
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, ErrBadOperator, qerr.Code)
}

func TestCompileDelete(t *testing.T) {
	m := &Mutation{Table: "records"}
	_, _, err := m.CompileDelete()
	require.Error(t, err, "bare delete is rejected")

	m.Conditions = []Condition{{Field: "id", Op: "=", Value: 7}}
	sql, args, err := m.CompileDelete()
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM records WHERE id = ?", sql)
	assert.Equal(t, []any{7}, args)
}
