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

package analytics

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestResolvePeriod(t *testing.T) {
	// 2026-08-25 is a Tuesday.
	ref := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		pt        PeriodType
		wantStart time.Time
		wantNext  time.Time
	}{
		{PeriodDaily, date(2026, 8, 25), date(2026, 8, 26)},
		{PeriodWeekly, date(2026, 8, 24), date(2026, 8, 31)},
		{PeriodMonthly, date(2026, 8, 1), date(2026, 9, 1)},
		{PeriodYearly, date(2026, 1, 1), date(2027, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(string(tt.pt), func(t *testing.T) {
			p, err := ResolvePeriod(tt.pt, ref)
			if err != nil {
				t.Fatalf("ResolvePeriod: %v", err)
			}
			if !p.Start.Equal(tt.wantStart) {
				t.Errorf("start = %v, want %v", p.Start, tt.wantStart)
			}
			wantEnd := tt.wantNext.Add(-time.Millisecond)
			if !p.End.Equal(wantEnd) {
				t.Errorf("end = %v, want %v", p.End, wantEnd)
			}
			if !p.End.After(p.Start) {
				t.Error("period end not after start")
			}
		})
	}
}

func TestResolvePeriodWeeklyOnSundayAndMonday(t *testing.T) {
	// ISO weeks run Monday..Sunday: a Sunday belongs to the week that began
	// the previous Monday, a Monday starts its own week.
	sunday := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	p, err := ResolvePeriod(PeriodWeekly, sunday)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Start.Equal(date(2026, 8, 24)) {
		t.Errorf("sunday week start = %v", p.Start)
	}

	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	p, err = ResolvePeriod(PeriodWeekly, monday)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Start.Equal(date(2026, 8, 24)) {
		t.Errorf("monday week start = %v", p.Start)
	}
}

func TestResolvePeriodNormalizesToUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 22:00 in Sao Paulo is already the next day in UTC.
	ref := time.Date(2026, 8, 25, 22, 0, 0, 0, loc)
	p, err := ResolvePeriod(PeriodDaily, ref)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Start.Equal(date(2026, 8, 26)) {
		t.Errorf("start = %v, want 2026-08-26 UTC", p.Start)
	}
}

func TestPeriodContains(t *testing.T) {
	p, err := ResolvePeriod(PeriodDaily, date(2026, 8, 25))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Contains(p.Start) || !p.Contains(p.End) {
		t.Error("window boundaries not contained")
	}
	if p.Contains(p.Start.Add(-time.Millisecond)) || p.Contains(p.End.Add(time.Millisecond)) {
		t.Error("window contains instants outside itself")
	}
}

func TestParsePeriodType(t *testing.T) {
	for _, s := range []string{"daily", "WEEKLY", " Monthly ", "yearly"} {
		if _, err := ParsePeriodType(s); err != nil {
			t.Errorf("ParsePeriodType(%q): %v", s, err)
		}
	}
	if _, err := ParsePeriodType("hourly"); err == nil {
		t.Error("unknown period type accepted")
	}
}
