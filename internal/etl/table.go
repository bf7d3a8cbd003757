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

// Package etl implements the extract-transform-load engine: schema-driven
// source reads, record mapping and validation, transactional target upserts,
// and the per-table sync orchestration on top of them.
package etl

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/apexplay/datasync/internal/pgutil"
)

// Sentinel errors for table resolution and mode checks.
var (
	// ErrUnknownTable is returned when no descriptor matches the requested table.
	ErrUnknownTable = errors.New("etl: unknown table")

	// ErrTableDisabled is returned when the matched descriptor is disabled.
	ErrTableDisabled = errors.New("etl: table is disabled")

	// ErrNoIncrementalField is returned when an incremental sync is requested
	// for a table without an incremental field.
	ErrNoIncrementalField = errors.New("etl: table has no incremental field")
)

// Validations declares the per-row validation rules of a table descriptor.
// Unique columns are not checked by the mapper; they are surfaced to the
// writer as expected-unique columns.
type Validations struct {
	Required []string `json:"required,omitempty"`
	Email    string   `json:"email,omitempty"`
	Numeric  []string `json:"numeric,omitempty"`
	Positive []string `json:"positive,omitempty"`
	Unique   []string `json:"unique,omitempty"`
}

// TableConfig describes one syncable logical table.
//
// Filters values are interpreted by type: a scalar becomes "col = $n", a list
// becomes "col IN (...)", and an object of {op: value} becomes one comparison
// clause per entry (ops: eq, ne, gt, gte, lt, lte).
//
// Transformations maps a target column to the name of a registered transform
// function; descriptors reference names, never closures.
type TableConfig struct {
	SourceTable      string            `json:"sourceTable"`
	TargetTable      string            `json:"targetTable"`
	PrimaryKey       string            `json:"primaryKey"`
	ExternalKey      string            `json:"externalKey"`
	IncrementalField string            `json:"incrementalField,omitempty"`
	Enabled          bool              `json:"enabled"`
	FieldMapping     map[string]string `json:"fieldMapping"`
	Transformations  map[string]string `json:"transformations,omitempty"`
	Filters          map[string]any    `json:"filters,omitempty"`
	Validations      Validations       `json:"validations,omitempty"`
}

// SupportsIncremental reports whether the table declares an incremental field.
func (c *TableConfig) SupportsIncremental() bool {
	return c.IncrementalField != ""
}

// Validate checks descriptor consistency: identifiers must be safe SQL names
// and every referenced transform must exist in the registry.
func (c *TableConfig) Validate() error {
	if c.SourceTable == "" || !pgutil.ValidIdent(c.SourceTable) {
		return fmt.Errorf("etl: invalid source table %q", c.SourceTable)
	}
	if c.TargetTable == "" || !pgutil.ValidIdent(c.TargetTable) {
		return fmt.Errorf("etl: invalid target table %q", c.TargetTable)
	}
	if c.PrimaryKey == "" || !pgutil.ValidIdent(c.PrimaryKey) {
		return fmt.Errorf("etl: invalid primary key %q for table %s", c.PrimaryKey, c.SourceTable)
	}
	if c.ExternalKey != "" && !pgutil.ValidIdent(c.ExternalKey) {
		return fmt.Errorf("etl: invalid external key %q for table %s", c.ExternalKey, c.SourceTable)
	}
	if c.IncrementalField != "" && !pgutil.ValidIdent(c.IncrementalField) {
		return fmt.Errorf("etl: invalid incremental field %q for table %s", c.IncrementalField, c.SourceTable)
	}
	for src, dst := range c.FieldMapping {
		if !pgutil.ValidIdent(src) || !pgutil.ValidIdent(dst) {
			return fmt.Errorf("etl: invalid field mapping %q -> %q for table %s", src, dst, c.SourceTable)
		}
	}
	for col, name := range c.Transformations {
		if _, ok := LookupTransform(name); !ok {
			return fmt.Errorf("etl: unknown transform %q for column %s.%s", name, c.SourceTable, col)
		}
	}
	return nil
}

// tablesFile is the YAML document shape for table descriptors.
type tablesFile struct {
	Tables []TableConfig `json:"tables"`
}

// LoadTables reads and validates table descriptors from a YAML file.
func LoadTables(path string) ([]TableConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("etl: reading tables config: %w", err)
	}
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("etl: parsing tables config: %w", err)
	}
	if len(f.Tables) == 0 {
		return nil, errors.New("etl: tables config declares no tables")
	}
	for i := range f.Tables {
		if err := f.Tables[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Tables, nil
}

// DefaultTables returns the built-in descriptors for the operational tables.
// A tables file overrides these entirely when provided.
func DefaultTables() []TableConfig {
	return []TableConfig{
		{
			SourceTable:      "users",
			TargetTable:      "affiliates",
			PrimaryKey:       "id",
			ExternalKey:      "external_user_id",
			IncrementalField: "updated_at",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":          "external_user_id",
				"name":        "name",
				"email":       "email",
				"phone":       "phone",
				"status":      "status",
				"referred_by": "referred_by",
				"created_at":  "registered_at",
				"updated_at":  "source_updated_at",
			},
			Transformations: map[string]string{
				"status": "mapUserStatus",
				"phone":  "cleanPhone",
				"email":  "normalizeEmail",
			},
			Validations: Validations{
				Required: []string{"external_user_id", "email"},
				Email:    "email",
				Numeric:  []string{"external_user_id"},
				Unique:   []string{"external_user_id"},
			},
		},
		{
			SourceTable:      "transactions",
			TargetTable:      "referrals",
			PrimaryKey:       "id",
			ExternalKey:      "external_transaction_id",
			IncrementalField: "updated_at",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":         "external_transaction_id",
				"user_id":    "external_user_id",
				"type":       "transaction_type",
				"amount":     "amount",
				"status":     "status",
				"created_at": "transacted_at",
				"updated_at": "source_updated_at",
			},
			Filters: map[string]any{
				"status": []any{"completed", "settled"},
			},
			Validations: Validations{
				Required: []string{"external_transaction_id", "external_user_id"},
				Numeric:  []string{"external_transaction_id", "external_user_id", "amount"},
				Positive: []string{"amount"},
				Unique:   []string{"external_transaction_id"},
			},
		},
		{
			SourceTable:      "bets",
			TargetTable:      "bet_activities",
			PrimaryKey:       "id",
			ExternalKey:      "external_bet_id",
			IncrementalField: "updated_at",
			Enabled:          true,
			FieldMapping: map[string]string{
				"id":         "external_bet_id",
				"user_id":    "external_user_id",
				"amount":     "amount",
				"win_amount": "win_amount",
				"result":     "result",
				"game":       "game",
				"created_at": "placed_at",
				"updated_at": "source_updated_at",
			},
			Validations: Validations{
				Required: []string{"external_bet_id", "external_user_id"},
				Numeric:  []string{"external_bet_id", "external_user_id", "amount"},
				Positive: []string{"amount"},
				Unique:   []string{"external_bet_id"},
			},
		},
	}
}

// FindTable returns the descriptor for a source table name.
func FindTable(tables []TableConfig, name string) (*TableConfig, error) {
	for i := range tables {
		if tables[i].SourceTable == name {
			if !tables[i].Enabled {
				return nil, fmt.Errorf("%w: %s", ErrTableDisabled, name)
			}
			return &tables[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
}
