// Package query defines the structured data descriptor modules use to read
// and write host storage. Descriptors are validated structure, never
// interpolated SQL: every identifier is checked against a strict allow-list
// pattern before any statement is compiled.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Deterministic error codes for descriptor violations.
const (
	ErrBadIdentifier = "ERR_QUERY_BAD_IDENTIFIER"
	ErrBadOperator   = "ERR_QUERY_BAD_OPERATOR"
	ErrBadLimit      = "ERR_QUERY_BAD_LIMIT"
	ErrEmptyTable    = "ERR_QUERY_EMPTY_TABLE"
)

// Error is a typed descriptor validation failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ident matches allowed table and column names. Anything else (quotes,
// spaces, semicolons, comment markers) is rejected before SQL is assembled.
var ident = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// Condition is one (field, operator, value) filter triple.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Order is one ordering term.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Descriptor is a complete structured read request.
type Descriptor struct {
	Table      string      `json:"table"`
	Fields     []string    `json:"fields,omitempty"` // empty means all columns
	Conditions []Condition `json:"conditions,omitempty"`
	OrderBy    []Order     `json:"order_by,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

var allowedOps = map[string]string{
	"=":    "=",
	"!=":   "!=",
	"<":    "<",
	"<=":   "<=",
	">":    ">",
	">=":   ">=",
	"like": "LIKE",
	"in":   "IN",
}

// Validate checks every identifier and operator in the descriptor. It never
// looks at values; those travel as bind parameters.
func (d *Descriptor) Validate() error {
	if d.Table == "" {
		return &Error{Code: ErrEmptyTable, Message: "table is required"}
	}
	if !ident.MatchString(d.Table) {
		return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("table %q", d.Table)}
	}
	for _, f := range d.Fields {
		if !ident.MatchString(f) {
			return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("field %q", f)}
		}
	}
	for _, c := range d.Conditions {
		if !ident.MatchString(c.Field) {
			return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("condition field %q", c.Field)}
		}
		if _, ok := allowedOps[strings.ToLower(c.Op)]; !ok {
			return &Error{Code: ErrBadOperator, Message: fmt.Sprintf("operator %q", c.Op)}
		}
	}
	for _, o := range d.OrderBy {
		if !ident.MatchString(o.Field) {
			return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("order field %q", o.Field)}
		}
	}
	if d.Limit < 0 {
		return &Error{Code: ErrBadLimit, Message: fmt.Sprintf("limit %d", d.Limit)}
	}
	return nil
}

// CompileSelect turns a validated descriptor into placeholder SQL plus bind
// arguments. Callers must Validate first; CompileSelect re-validates to keep
// the invariant local.
func (d *Descriptor) CompileSelect() (string, []any, error) {
	if err := d.Validate(); err != nil {
		return "", nil, err
	}

	cols := "*"
	if len(d.Fields) > 0 {
		cols = strings.Join(d.Fields, ", ")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, d.Table)

	var args []any
	if len(d.Conditions) > 0 {
		terms, condArgs, err := compileConditions(d.Conditions)
		if err != nil {
			return "", nil, err
		}
		args = append(args, condArgs...)
		sb.WriteString(" WHERE " + strings.Join(terms, " AND "))
	}
	if len(d.OrderBy) > 0 {
		terms := make([]string, 0, len(d.OrderBy))
		for _, o := range d.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms = append(terms, o.Field+" "+dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	if d.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", d.Limit)
	}
	return sb.String(), args, nil
}

// Mutation is a structured insert or update request.
type Mutation struct {
	Table      string         `json:"table"`
	Values     map[string]any `json:"values"`
	Conditions []Condition    `json:"conditions,omitempty"` // updates and deletes only
}

func (m *Mutation) validateCommon() error {
	if m.Table == "" {
		return &Error{Code: ErrEmptyTable, Message: "table is required"}
	}
	if !ident.MatchString(m.Table) {
		return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("table %q", m.Table)}
	}
	for f := range m.Values {
		if !ident.MatchString(f) {
			return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("field %q", f)}
		}
	}
	for _, c := range m.Conditions {
		if !ident.MatchString(c.Field) {
			return &Error{Code: ErrBadIdentifier, Message: fmt.Sprintf("condition field %q", c.Field)}
		}
		if _, ok := allowedOps[strings.ToLower(c.Op)]; !ok {
			return &Error{Code: ErrBadOperator, Message: fmt.Sprintf("operator %q", c.Op)}
		}
	}
	return nil
}

// CompileInsert produces an INSERT statement with sorted column order so the
// same mutation always compiles to the same SQL.
func (m *Mutation) CompileInsert() (string, []any, error) {
	if err := m.validateCommon(); err != nil {
		return "", nil, err
	}
	if len(m.Values) == 0 {
		return "", nil, &Error{Code: ErrBadIdentifier, Message: "insert requires values"}
	}
	cols := sortedKeys(m.Values)
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, m.Values[c])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		m.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	return sql, args, nil
}

// CompileUpdate produces an UPDATE statement. A mutation with no conditions is
// rejected; whole-table updates must be spelled as an explicit condition on a
// constant, which the descriptor shape cannot express by accident.
func (m *Mutation) CompileUpdate() (string, []any, error) {
	if err := m.validateCommon(); err != nil {
		return "", nil, err
	}
	if len(m.Values) == 0 {
		return "", nil, &Error{Code: ErrBadIdentifier, Message: "update requires values"}
	}
	if len(m.Conditions) == 0 {
		return "", nil, &Error{Code: ErrBadOperator, Message: "update requires at least one condition"}
	}
	cols := sortedKeys(m.Values)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+len(m.Conditions))
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, m.Values[c])
	}
	terms, condArgs, err := compileConditions(m.Conditions)
	if err != nil {
		return "", nil, err
	}
	args = append(args, condArgs...)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		m.Table, strings.Join(sets, ", "), strings.Join(terms, " AND "))
	return sql, args, nil
}

// CompileDelete produces a DELETE statement, with the same no-bare-delete rule
// as CompileUpdate.
func (m *Mutation) CompileDelete() (string, []any, error) {
	if err := m.validateCommon(); err != nil {
		return "", nil, err
	}
	if len(m.Conditions) == 0 {
		return "", nil, &Error{Code: ErrBadOperator, Message: "delete requires at least one condition"}
	}
	terms, args, err := compileConditions(m.Conditions)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", m.Table, strings.Join(terms, " AND ")), args, nil
}

// compileConditions renders WHERE terms with placeholder values. IN expands
// to one placeholder per element so the same path serves selects, updates,
// and deletes.
func compileConditions(conds []Condition) ([]string, []any, error) {
	terms := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		op := allowedOps[strings.ToLower(c.Op)]
		if op == "IN" {
			vals, ok := c.Value.([]any)
			if !ok || len(vals) == 0 {
				return nil, nil, &Error{Code: ErrBadOperator, Message: "IN requires a non-empty list value"}
			}
			terms = append(terms, fmt.Sprintf("%s IN (%s)", c.Field, placeholders(len(vals))))
			args = append(args, vals...)
			continue
		}
		terms = append(terms, fmt.Sprintf("%s %s ?", c.Field, op))
		args = append(args, c.Value)
	}
	return terms, args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
