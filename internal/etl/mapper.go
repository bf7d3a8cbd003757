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

package etl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// Record is one extracted row: column name to scalar value.
type Record map[string]any

// Reserved keys the mapper attaches and the writer strips.
const (
	MetadataKey     = "_etl_metadata"
	UniqueFieldsKey = "_unique_fields"
)

// emailPattern is the exact rule applied to email validation columns.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// timestampLayouts are tried in order when coercing date-like columns.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RejectedRecord carries a row that failed validation.
type RejectedRecord struct {
	SourceRow  Record
	Errors     []string
	RejectedAt time.Time
}

// MapStats summarises one mapper pass.
type MapStats struct {
	Processed      int
	Transformed    int
	Rejected       int
	SuccessRatePct float64
}

// MapResult is the output of MapBatch: accepted records in input order plus
// rejection accounting.
type MapResult struct {
	Records  []Record
	Rejected []RejectedRecord
	Stats    MapStats
}

// RecordMapper applies field renames, registered transforms, default type
// coercions, and validation rules. It is stateless; the same input always
// produces the same output apart from the transformed-at timestamp.
type RecordMapper struct {
	log *zap.SugaredLogger
	now func() time.Time
}

// NewRecordMapper creates a mapper. The clock is injectable for tests.
func NewRecordMapper(log *zap.SugaredLogger) *RecordMapper {
	return &RecordMapper{log: log, now: time.Now}
}

// MapBatch runs the full mapping pass over rows for one table.
func (m *RecordMapper) MapBatch(table *TableConfig, rows []Record) *MapResult {
	res := &MapResult{Stats: MapStats{Processed: len(rows)}}

	for _, row := range rows {
		mapped := m.mapRow(table, row)
		if errs := m.validate(table, mapped); len(errs) > 0 {
			res.Rejected = append(res.Rejected, RejectedRecord{
				SourceRow:  row,
				Errors:     errs,
				RejectedAt: m.now(),
			})
			continue
		}
		m.attachMetadata(table, row, mapped)
		res.Records = append(res.Records, mapped)
	}

	res.Stats.Transformed = len(res.Records)
	res.Stats.Rejected = len(res.Rejected)
	res.Stats.SuccessRatePct = successRate(res.Stats.Transformed, res.Stats.Processed)
	return res
}

// successRate is defined as 100.00 for an empty input.
func successRate(transformed, processed int) float64 {
	if processed == 0 {
		return 100.0
	}
	return float64(transformed) / float64(processed) * 100
}

// mapRow projects one source row through the field mapping, applies the
// per-field transforms, then the default coercions.
func (m *RecordMapper) mapRow(table *TableConfig, row Record) Record {
	mapped := make(Record, len(table.FieldMapping))
	for srcCol, dstCol := range table.FieldMapping {
		if v, ok := row[srcCol]; ok {
			mapped[dstCol] = v
		}
	}

	for dstCol, name := range table.Transformations {
		current, ok := mapped[dstCol]
		if !ok {
			continue
		}
		fn, ok := LookupTransform(name)
		if !ok {
			// Validate() catches this at load time; a stale registry still
			// must not reject the row.
			m.log.Warnw("unknown transform", "transform", name, "column", dstCol)
			continue
		}
		next, err := fn(current, row)
		if err != nil {
			m.log.Warnw("transform failed, keeping original value",
				"table", table.SourceTable, "column", dstCol, "transform", name, "error", err)
			continue
		}
		mapped[dstCol] = next
	}

	for col, v := range mapped {
		mapped[col] = coerceValue(col, v, m.log)
	}
	return mapped
}

// coerceValue applies the default coercions in order: string trimming and
// empty-to-null, date-like columns to timestamps, id/amount columns to
// numbers, and the literal true/false strings to booleans.
func coerceValue(col string, v any, log *zap.SugaredLogger) any {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v = s
	}

	if isDateColumn(col) {
		return coerceTimestamp(col, v, log)
	}
	if isNumericColumn(col) {
		// Only strings are converted; numeric types keep their width so the
		// writer can bind them to integer target columns.
		if s, ok := v.(string); ok {
			if f, ok := asFloat(s); ok {
				return f
			}
		}
		return v
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(s) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return v
}

func isDateColumn(col string) bool {
	return strings.HasSuffix(col, "_at") ||
		strings.HasSuffix(col, "_date") ||
		strings.HasPrefix(col, "date_")
}

func isNumericColumn(col string) bool {
	return col == "id" ||
		strings.HasSuffix(col, "_id") ||
		strings.Contains(col, "amount")
}

func coerceTimestamp(col string, v any, log *zap.SugaredLogger) any {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
		if log != nil {
			log.Warnw("unparseable timestamp, nulling value", "column", col, "value", t)
		}
		return nil
	default:
		return v
	}
}

// asFloat converts the numeric types pgx and JSON decoding produce. NUMERIC
// source columns arrive as pgtype.Numeric from rows.Values().
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case pgtype.Numeric:
		f, err := n.Float64Value()
		return f.Float64, err == nil && f.Valid
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// validate applies the descriptor's validation rules to a mapped row and
// returns the accumulated failure messages.
func (m *RecordMapper) validate(table *TableConfig, mapped Record) []string {
	var errs []string
	v := table.Validations

	for _, col := range v.Required {
		if isEmpty(mapped[col]) {
			errs = append(errs, fmt.Sprintf("required field %s is missing or empty", col))
		}
	}
	if v.Email != "" {
		if val, ok := mapped[v.Email]; ok && val != nil {
			if s, ok := val.(string); !ok || !emailPattern.MatchString(s) {
				errs = append(errs, fmt.Sprintf("field %s is not a valid email", v.Email))
			}
		}
	}
	for _, col := range v.Numeric {
		if val, ok := mapped[col]; ok && val != nil {
			if _, ok := asFloat(val); !ok {
				errs = append(errs, fmt.Sprintf("field %s is not numeric", col))
			}
		}
	}
	for _, col := range v.Positive {
		if val, ok := mapped[col]; ok && val != nil {
			if f, ok := asFloat(val); !ok || f <= 0 {
				errs = append(errs, fmt.Sprintf("field %s must be positive", col))
			}
		}
	}
	return errs
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// attachMetadata adds the ETL metadata sub-mapping and the expected-unique
// column list the writer consumes.
func (m *RecordMapper) attachMetadata(table *TableConfig, source, mapped Record) {
	mapped[MetadataKey] = map[string]any{
		"source_table":   table.SourceTable,
		"target_table":   table.TargetTable,
		"transformed_at": m.now().UTC(),
		"source_id":      source[table.PrimaryKey],
	}
	if len(table.Validations.Unique) > 0 {
		mapped[UniqueFieldsKey] = append([]string(nil), table.Validations.Unique...)
	}
}
