package browser

import (
	"testing"
	"time"
)

func TestMatchesSubstring(t *testing.T) {
	if !matchesSubstring("John Doe", "") {
		t.Error("empty filter should match everything")
	}
	if !matchesSubstring("John Doe", "john") {
		t.Error("expected case-insensitive match")
	}
	if !matchesSubstring("John Doe", "N D") {
		t.Error("expected substring match across words")
	}
	if matchesSubstring("John Doe", "jane") {
		t.Error("expected no match")
	}
	if matchesSubstring("", "x") {
		t.Error("non-empty filter should not match empty value")
	}
}

func TestMatchesModality(t *testing.T) {
	if !matchesModality("CT", nil) {
		t.Error("empty allowed set should admit every modality")
	}
	if !matchesModality("ct", []string{"CT", "MR"}) {
		t.Error("expected case-insensitive set membership")
	}
	if matchesModality("US", []string{"CT", "MR"}) {
		t.Error("expected US to be rejected")
	}
}

func TestDateFilter_Windows(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mode   DateMode
		stored string
		want   bool
	}{
		{"any matches everything", DateAny, "19800101", true},
		{"today matches today", DateToday, "20240315", true},
		{"today rejects yesterday", DateToday, "20240314", false},
		{"yesterday matches yesterday", DateYesterday, "20240314", true},
		{"yesterday rejects today", DateYesterday, "20240315", false},
		{"last week includes boundary", DateLastWeek, "20240308", true},
		{"last week rejects older", DateLastWeek, "20240307", false},
		{"last week rejects future", DateLastWeek, "20240316", false},
		{"last month includes boundary", DateLastMonth, "20240214", true},
		{"last month rejects older", DateLastMonth, "20240213", false},
		{"last year includes boundary", DateLastYear, "20230316", true},
		{"last year rejects older", DateLastYear, "20230315", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DateFilter{Mode: tt.mode}
			if got := f.Matches(tt.stored, now); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.stored, got, tt.want)
			}
		})
	}
}

func TestDateFilter_CustomRange(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	f := DateFilter{
		Mode:  DateCustomRange,
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	if !f.Matches("20240101", now) {
		t.Error("start bound should be inclusive")
	}
	if !f.Matches("20240131", now) {
		t.Error("end bound should be inclusive")
	}
	if f.Matches("20240201", now) {
		t.Error("expected date past the range to be rejected")
	}

	// A zero bound disables the range.
	open := DateFilter{Mode: DateCustomRange, End: f.End}
	if !open.Matches("20250101", now) {
		t.Error("zero start bound should disable the range")
	}
}

func TestDateFilter_MalformedDatesPass(t *testing.T) {
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, mode := range []DateMode{DateToday, DateLastWeek, DateCustomRange} {
		f := DateFilter{Mode: mode, Start: now, End: now}
		for _, stored := range []string{"", "not-a-date", "2024"} {
			if !f.Matches(stored, now) {
				t.Errorf("mode %v: malformed date %q should pass", mode, stored)
			}
		}
	}
}

func TestParseDICOMDate(t *testing.T) {
	if d, ok := parseDICOMDate("20240315"); !ok || d.Day() != 15 {
		t.Errorf("expected DA form to parse, got %v %v", d, ok)
	}
	if d, ok := parseDICOMDate("2024-03-15"); !ok || d.Month() != time.March {
		t.Errorf("expected dashed form to parse, got %v %v", d, ok)
	}
	if _, ok := parseDICOMDate("15.03.2024"); ok {
		t.Error("expected unknown layout to fail")
	}
}

func TestParseDICOMDateTime(t *testing.T) {
	got, ok := parseDICOMDateTime("20240315", "143025.123")
	if !ok {
		t.Fatal("expected datetime to parse")
	}
	want := time.Date(2024, 3, 15, 14, 30, 25, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Partial times still yield the day.
	got, ok = parseDICOMDateTime("20240315", "14")
	if !ok || got.Hour() != 14 {
		t.Errorf("expected hour-only time, got %v %v", got, ok)
	}
	if _, ok := parseDICOMDateTime("", "1430"); ok {
		t.Error("missing date should not parse")
	}
}

func TestParseDateMode(t *testing.T) {
	for _, mode := range []DateMode{DateAny, DateToday, DateYesterday, DateLastWeek, DateLastMonth, DateLastYear, DateCustomRange} {
		if got := ParseDateMode(mode.String()); got != mode {
			t.Errorf("round trip of %v gave %v", mode, got)
		}
	}
	if got := ParseDateMode("bogus"); got != DateAny {
		t.Errorf("unknown name should fall back to any, got %v", got)
	}
}
