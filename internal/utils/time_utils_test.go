package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"250ms", 250 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{"", 0},
		{"soon", 0},
		{"xd", 0},
	}

	for _, test := range tests {
		result := ParseStringTime(test.timeString)
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestParseStringTimeOr(t *testing.T) {
	if got := ParseStringTimeOr("", 30*time.Second); got != 30*time.Second {
		t.Errorf("expected fallback, got %v", got)
	}
	if got := ParseStringTimeOr("5s", 30*time.Second); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
}
