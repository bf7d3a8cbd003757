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

// Package analytics computes per-user and per-affiliate period aggregates
// from raw source rows and upserts them into the target database.
package analytics

import (
	"fmt"
	"strings"
	"time"
)

// PeriodType selects the calendar bucket of an analytics row.
type PeriodType string

const (
	PeriodDaily   PeriodType = "DAILY"
	PeriodWeekly  PeriodType = "WEEKLY"
	PeriodMonthly PeriodType = "MONTHLY"
	PeriodYearly  PeriodType = "YEARLY"
)

// ParsePeriodType normalizes and validates a period type string.
func ParsePeriodType(s string) (PeriodType, error) {
	switch pt := PeriodType(strings.ToUpper(strings.TrimSpace(s))); pt {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly:
		return pt, nil
	default:
		return "", fmt.Errorf("analytics: unknown period type %q", s)
	}
}

// Period is one resolved calendar window. Start is inclusive, End is the last
// instant inside the window (start of the next period minus one millisecond).
type Period struct {
	Type  PeriodType
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// ResolvePeriod truncates ref to the start of its period and extends to the
// period's end. Weeks are ISO weeks starting Monday; all math is in UTC.
func ResolvePeriod(pt PeriodType, ref time.Time) (Period, error) {
	ref = ref.UTC()
	var start, next time.Time

	switch pt {
	case PeriodDaily:
		start = time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		next = start.AddDate(0, 0, 1)
	case PeriodWeekly:
		day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		next = start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(0, 1, 0)
	case PeriodYearly:
		start = time.Date(ref.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		next = start.AddDate(1, 0, 0)
	default:
		return Period{}, fmt.Errorf("analytics: unknown period type %q", pt)
	}

	return Period{Type: pt, Start: start, End: next.Add(-time.Millisecond)}, nil
}
