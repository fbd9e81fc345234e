package util

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"host:443", "host_443"},
		{`a/b\c*d?e"f<g>h|i`, "a_b_c_d_e_f_g_h_i"},
		{strings.Repeat("x", 200), strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReportFilename(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	got := ReportFilename("targets.txt", ts)
	want := "gostscan_targets.txt_20250102T030405.csv"
	if got != want {
		t.Errorf("ReportFilename = %q, want %q", got, want)
	}
	if got := ReportFilename("", ts); got != "gostscan_scan_20250102T030405.csv" {
		t.Errorf("empty label = %q", got)
	}
}
