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

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/apexplay/datasync/internal/etl"
)

type fakeApplier struct {
	applied []appliedBatch
	err     error
}

type appliedBatch struct {
	table string
	rows  []etl.Record
}

func (f *fakeApplier) Apply(ctx context.Context, table *etl.TableConfig, rows []etl.Record) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, appliedBatch{table: table.SourceTable, rows: rows})
	return nil
}

func event(t *testing.T, ev ChangeEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestHandler(applier Applier) *handler {
	return newHandler(etl.DefaultTables(), applier, zap.NewNop().Sugar())
}

func TestHandleMessageRoutesToApplier(t *testing.T) {
	applier := &fakeApplier{}
	h := newTestHandler(applier)

	raw := event(t, ChangeEvent{
		Table: "users",
		Op:    "update",
		Row:   map[string]any{"id": 7, "email": "x@example.com"},
	})
	if err := h.handleMessage(context.Background(), raw); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if len(applier.applied) != 1 {
		t.Fatalf("applied = %d batches", len(applier.applied))
	}
	got := applier.applied[0]
	if got.table != "users" || len(got.rows) != 1 {
		t.Errorf("applied = %+v", got)
	}
	if got.rows[0]["email"] != "x@example.com" {
		t.Errorf("row = %v", got.rows[0])
	}
}

func TestHandleMessageSkips(t *testing.T) {
	applier := &fakeApplier{}
	h := newTestHandler(applier)
	ctx := context.Background()

	cases := [][]byte{
		[]byte("{not json"),
		event(t, ChangeEvent{Table: "users", Op: "delete", Row: map[string]any{"id": 1}}),
		event(t, ChangeEvent{Table: "users", Op: "truncate", Row: map[string]any{"id": 1}}),
		event(t, ChangeEvent{Table: "audit_log", Op: "insert", Row: map[string]any{"id": 1}}),
		event(t, ChangeEvent{Table: "users", Op: "insert"}),
	}
	for i, raw := range cases {
		if err := h.handleMessage(ctx, raw); err != nil {
			t.Errorf("case %d: skipped event returned error %v", i, err)
		}
	}
	if len(applier.applied) != 0 {
		t.Errorf("skipped events reached the applier: %+v", applier.applied)
	}
}

func TestHandleMessagePropagatesApplyErrors(t *testing.T) {
	wantErr := errors.New("target unavailable")
	h := newTestHandler(&fakeApplier{err: wantErr})

	raw := event(t, ChangeEvent{
		Table: "bets",
		Op:    "insert",
		Row:   map[string]any{"id": 3, "amount": 10},
	})
	if err := h.handleMessage(context.Background(), raw); !errors.Is(err, wantErr) {
		t.Errorf("handleMessage = %v, want propagation for redelivery", err)
	}
}
