/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pgutil provides shared PostgreSQL helpers: a parameterized query
// builder for schema-driven filters and nullable type conversions.
package pgutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// identPattern restricts column and table identifiers to plain SQL names.
// Descriptor-supplied identifiers never reach the query text unless they
// match; values always travel as bind parameters.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a safe SQL identifier.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// comparisonOps is the allow-list of operators accepted in object filters.
var comparisonOps = map[string]string{
	"eq":  "=",
	"ne":  "<>",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

// QueryBuilder accumulates parameterized WHERE clauses and their arguments.
type QueryBuilder struct {
	clauses []string
	args    []any
}

// Args returns the accumulated query arguments.
func (qb *QueryBuilder) Args() []any {
	return qb.args
}

// Eq appends "col = $n". Returns an error for unsafe identifiers.
func (qb *QueryBuilder) Eq(col string, val any) error {
	return qb.Op(col, "eq", val)
}

// Op appends "col <op> $n" where op is one of the allow-listed comparison
// operator names (eq, ne, gt, gte, lt, lte).
func (qb *QueryBuilder) Op(col, op string, val any) error {
	if !ValidIdent(col) {
		return fmt.Errorf("pgutil: invalid column identifier %q", col)
	}
	sqlOp, ok := comparisonOps[strings.ToLower(op)]
	if !ok {
		return fmt.Errorf("pgutil: unsupported operator %q", op)
	}
	qb.args = append(qb.args, val)
	qb.clauses = append(qb.clauses, col+" "+sqlOp+" $"+strconv.Itoa(len(qb.args)))
	return nil
}

// In appends "col IN ($n, $n+1, …)" with one parameter per value. An empty
// value list produces the always-false clause "1=0" so the filter cannot
// silently widen the result set.
func (qb *QueryBuilder) In(col string, vals []any) error {
	if !ValidIdent(col) {
		return fmt.Errorf("pgutil: invalid column identifier %q", col)
	}
	if len(vals) == 0 {
		qb.clauses = append(qb.clauses, "1=0")
		return nil
	}
	placeholders := make([]string, len(vals))
	for i, v := range vals {
		qb.args = append(qb.args, v)
		placeholders[i] = "$" + strconv.Itoa(len(qb.args))
	}
	qb.clauses = append(qb.clauses, col+" IN ("+strings.Join(placeholders, ", ")+")")
	return nil
}

// Where returns the accumulated clauses joined with " AND " and prefixed with
// " AND ". The caller is expected to include "WHERE 1=1" (or equivalent)
// before the returned fragment.
func (qb *QueryBuilder) Where() string {
	if len(qb.clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(qb.clauses, " AND ")
}

// OrderBy returns an " ORDER BY col dir" fragment, or an error for unsafe
// identifiers. dir must be "ASC" or "DESC" (defaulting to ASC).
func OrderBy(col, dir string) (string, error) {
	if !ValidIdent(col) {
		return "", fmt.Errorf("pgutil: invalid order column %q", col)
	}
	d := strings.ToUpper(dir)
	if d != "DESC" {
		d = "ASC"
	}
	return " ORDER BY " + col + " " + d, nil
}

// AppendPagination appends LIMIT and OFFSET clauses to query when the
// respective values are greater than zero. Arguments are tracked internally.
func (qb *QueryBuilder) AppendPagination(query string, limit, offset int) string {
	if limit > 0 {
		qb.args = append(qb.args, limit)
		query += " LIMIT $" + strconv.Itoa(len(qb.args))
	}
	if offset > 0 {
		qb.args = append(qb.args, offset)
		query += " OFFSET $" + strconv.Itoa(len(qb.args))
	}
	return query
}
