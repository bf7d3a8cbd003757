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

package pgutil

import (
	"testing"
)

func TestQueryBuilder_Empty(t *testing.T) {
	qb := &QueryBuilder{}
	if got := qb.Where(); got != "" {
		t.Errorf("expected empty where, got %q", got)
	}
	if len(qb.Args()) != 0 {
		t.Errorf("expected no args, got %v", qb.Args())
	}
}

func TestQueryBuilder_Eq(t *testing.T) {
	qb := &QueryBuilder{}
	if err := qb.Eq("status", "active"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := qb.Eq("country", "BR"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := " AND status = $1 AND country = $2"
	if got := qb.Where(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if len(qb.Args()) != 2 {
		t.Errorf("expected 2 args, got %d", len(qb.Args()))
	}
}

func TestQueryBuilder_Op(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		want    string
		wantErr bool
	}{
		{"gt", "gt", " AND amount > $1", false},
		{"gte", "gte", " AND amount >= $1", false},
		{"lt", "lt", " AND amount < $1", false},
		{"lte", "lte", " AND amount <= $1", false},
		{"ne", "ne", " AND amount <> $1", false},
		{"uppercase", "GT", " AND amount > $1", false},
		{"unsupported", "like", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qb := &QueryBuilder{}
			err := qb.Op("amount", tt.op, 10)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := qb.Where(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestQueryBuilder_In(t *testing.T) {
	qb := &QueryBuilder{}
	if err := qb.In("status", []any{"active", "pending"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := " AND status IN ($1, $2)"
	if got := qb.Where(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestQueryBuilder_In_Empty(t *testing.T) {
	qb := &QueryBuilder{}
	if err := qb.In("status", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// An empty IN list must not widen the result set.
	want := " AND 1=0"
	if got := qb.Where(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestQueryBuilder_InvalidIdent(t *testing.T) {
	qb := &QueryBuilder{}
	if err := qb.Eq("status; DROP TABLE users", "x"); err == nil {
		t.Error("expected error for unsafe identifier")
	}
	if err := qb.In("1col", []any{1}); err == nil {
		t.Error("expected error for identifier starting with digit")
	}
}

func TestQueryBuilder_AppendPagination(t *testing.T) {
	qb := &QueryBuilder{}
	_ = qb.Eq("id", 7)
	query := qb.AppendPagination("SELECT * FROM users WHERE 1=1"+qb.Where(), 100, 200)
	want := "SELECT * FROM users WHERE 1=1 AND id = $1 LIMIT $2 OFFSET $3"
	if query != want {
		t.Errorf("expected %q, got %q", want, query)
	}
	if len(qb.Args()) != 3 {
		t.Errorf("expected 3 args, got %d", len(qb.Args()))
	}
}

func TestQueryBuilder_AppendPagination_ZeroOffset(t *testing.T) {
	qb := &QueryBuilder{}
	query := qb.AppendPagination("SELECT 1", 50, 0)
	if query != "SELECT 1 LIMIT $1" {
		t.Errorf("unexpected query %q", query)
	}
}

func TestOrderBy(t *testing.T) {
	got, err := OrderBy("updated_at", "desc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != " ORDER BY updated_at DESC" {
		t.Errorf("unexpected fragment %q", got)
	}

	got, err = OrderBy("id", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != " ORDER BY id ASC" {
		t.Errorf("unexpected fragment %q", got)
	}

	if _, err := OrderBy("id desc; --", ""); err == nil {
		t.Error("expected error for unsafe order column")
	}
}
