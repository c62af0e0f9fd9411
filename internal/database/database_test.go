package database

import (
	"database/sql"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestFormatTime_SortsChronologically(t *testing.T) {
	base := time.Date(2026, 3, 9, 9, 5, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(time.Hour),
		base.Add(500 * time.Millisecond),
		base,
		base.Add(10 * time.Second),
		base.Add(time.Nanosecond),
	}

	var got []string
	for _, tm := range times {
		got = append(got, FormatTime(tm))
	}
	sort.Strings(got)

	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i, tm := range times {
		if got[i] != FormatTime(tm) {
			t.Fatalf("sorted[%d] = %s, want %s", i, got[i], FormatTime(tm))
		}
	}
}

func TestFormatTime_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	in := time.Date(2026, 1, 2, 15, 4, 5, 0, loc)
	if got := FormatTime(in); got != "2026-01-02T21:04:05.000000000Z" {
		t.Errorf("FormatTime() = %q", got)
	}
}

func TestParseTime_RoundTrip(t *testing.T) {
	in := time.Date(2026, 7, 4, 12, 0, 0, 123456789, time.UTC)
	got, err := ParseTime(FormatTime(in))
	if err != nil {
		t.Fatalf("ParseTime() error: %v", err)
	}
	if !got.Equal(in) {
		t.Errorf("ParseTime() = %v, want %v", got, in)
	}

	if _, err := ParseTime("2026-07-04T12:00:00-05:00"); err != nil {
		t.Errorf("RFC 3339 input rejected: %v", err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestScanNullTime(t *testing.T) {
	now := time.Now()
	ns := sql.NullString{String: FormatTime(now), Valid: true}
	back, err := ScanNullTime(ns)
	if err != nil || back == nil || !back.Equal(now.UTC()) {
		t.Errorf("ScanNullTime() = %v, %v", back, err)
	}
	if back, _ := ScanNullTime(sql.NullString{}); back != nil {
		t.Errorf("ScanNullTime(NULL) = %v, want nil", back)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tickler.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
