package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/lib/pq"
)

// builder accumulates positional arguments for one statement.
type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, sqlValue(v))
	return fmt.Sprintf("$%d", len(b.args))
}

func ident(name string) string { return pq.QuoteIdentifier(name) }

func col(name string) string { return "t." + ident(name) }

// where renders ANDed filters, or "" when there are none.
func (b *builder) where(filters []backend.Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		p, err := b.predicate(f)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func (b *builder) predicate(f backend.Filter) (string, error) {
	switch f.Op {
	case backend.OpEq:
		if f.Value == nil {
			return col(f.Column) + " IS NULL", nil
		}
		return col(f.Column) + " = " + b.arg(f.Value), nil
	case backend.OpLt:
		return col(f.Column) + " < " + b.arg(f.Value), nil
	case backend.OpIn:
		vals, _ := f.Value.([]any)
		strs := make([]string, 0, len(vals))
		for _, v := range vals {
			strs = append(strs, fmt.Sprint(v))
		}
		b.args = append(b.args, pq.Array(strs))
		return fmt.Sprintf("%s::text = ANY($%d)", col(f.Column), len(b.args)), nil
	case backend.OpContains:
		data, err := json.Marshal(f.Value)
		if err != nil {
			return "", fmt.Errorf("contains %s: %w", f.Column, err)
		}
		return col(f.Column) + " @> " + b.arg(string(data)) + "::jsonb", nil
	case backend.OpIs:
		switch f.Value {
		case nil:
			return col(f.Column) + " IS NULL", nil
		case true:
			return col(f.Column) + " IS TRUE", nil
		case false:
			return col(f.Column) + " IS FALSE", nil
		}
		return "", fmt.Errorf("is %s: unsupported operand %v", f.Column, f.Value)
	case backend.OpOr:
		if len(f.Any) == 0 {
			return "FALSE", nil
		}
		parts := make([]string, 0, len(f.Any))
		for _, g := range f.Any {
			p, err := b.predicate(g)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	default:
		return "", fmt.Errorf("unsupported filter operator %q", f.Op)
	}
}

// columns returns the row's keys in a stable order.
func columns(row backend.Row) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	slices.Sort(cols)
	return cols
}

// sqlValue maps structured Go values onto jsonb text.
func sqlValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, []byte, driver.Valuer:
		return v
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(data)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return sqlValue(rv.Elem().Interface())
	case reflect.String:
		return rv.String()
	}
	return v
}

const returning = " RETURNING row_to_json(t.*)"

func buildSelect(q backend.Query) (string, []any, error) {
	b := &builder{}
	where, err := b.where(q.Filters)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT row_to_json(t.*) FROM %s AS t%s", ident(q.Table), where)
	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", col(q.OrderBy), dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), b.args, nil
}

func buildInsert(table string, row backend.Row) (string, []any) {
	b := &builder{}
	cols := columns(row)
	names := make([]string, len(cols))
	vals := make([]string, len(cols))
	for i, c := range cols {
		names[i] = ident(c)
		vals[i] = b.arg(row[c])
	}
	query := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s)%s",
		ident(table), strings.Join(names, ", "), strings.Join(vals, ", "), returning)
	return query, b.args
}

func buildUpdate(table string, patch backend.Row, filters []backend.Filter) (string, []any, error) {
	if len(patch) == 0 {
		return "", nil, fmt.Errorf("update %s: empty patch", table)
	}
	b := &builder{}
	cols := columns(patch)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = ident(c) + " = " + b.arg(patch[c])
	}
	where, err := b.where(filters)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("UPDATE %s AS t SET %s%s%s", ident(table), strings.Join(sets, ", "), where, returning)
	return query, b.args, nil
}

func buildDelete(table string, filters []backend.Filter) (string, []any, error) {
	b := &builder{}
	where, err := b.where(filters)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s AS t%s%s", ident(table), where, returning), b.args, nil
}

// buildUpsert also returns whether the row was inserted (xmax = 0) so the
// right change type can be published.
func buildUpsert(table string, row backend.Row, onConflict []string) (string, []any) {
	query, args := buildInsert(table, row)
	query = strings.TrimSuffix(query, returning)

	conflict := make([]string, len(onConflict))
	for i, c := range onConflict {
		conflict[i] = ident(c)
	}
	var sets []string
	for _, c := range columns(row) {
		if slices.Contains(onConflict, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query += fmt.Sprintf(" ON CONFLICT (%s) %s RETURNING row_to_json(t.*), (t.xmax = 0)",
		strings.Join(conflict, ", "), action)
	return query, args
}

// buildRPC calls fn with named arguments and returns its result as JSON.
func buildRPC(fn string, args backend.Row) (string, []any) {
	b := &builder{}
	cols := columns(args)
	named := make([]string, len(cols))
	for i, c := range cols {
		named[i] = fmt.Sprintf("%s => %s", ident(c), b.arg(args[c]))
	}
	return fmt.Sprintf("SELECT to_json(%s(%s))", ident(fn), strings.Join(named, ", ")), b.args
}
