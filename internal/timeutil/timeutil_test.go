package timeutil

import (
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	orig := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.Local)
	s := Format(orig)
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if !got.Equal(orig) {
		t.Errorf("round trip: got %v, want %v", got, orig)
	}
}

func TestParseLayouts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"naive microseconds", "2025-03-14T09:26:53.589793", time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.Local)},
		{"naive seconds", "2025-03-14T09:26:53", time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)},
		{"sqlite current_timestamp", "2025-03-14 09:26:53", time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)},
		{"empty", "", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-time"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestFormatZero(t *testing.T) {
	if got := Format(time.Time{}); got != "" {
		t.Errorf("Format(zero) = %q, want empty", got)
	}
}
