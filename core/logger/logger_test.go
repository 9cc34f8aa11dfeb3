package logger

import (
	"testing"
	"time"

	"log/slog"
)

func attrValue(attrs []slog.Attr, key string) (slog.Value, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return slog.Value{}, false
}

func TestStartupAttrsCarryBuildMetadata(t *testing.T) {
	attrs := startupAttrs(nil)
	for _, key := range []string{"component", "event", "go_version", "build_version", "build_commit", "build_time"} {
		if _, ok := attrValue(attrs, key); !ok {
			t.Fatalf("startup attrs missing %q", key)
		}
	}
	if v, _ := attrValue(attrs, "build_version"); v.String() == "" {
		t.Fatal("build_version must carry the default dev value")
	}
	if _, ok := attrValue(attrs, "cfg_profile"); ok {
		t.Fatal("nil config must not produce cfg_profile")
	}
}

func TestRoundMS(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{-time.Second, 0},
		{0, 0},
		{1499600 * time.Microsecond, 1500 * time.Millisecond},
		{1400 * time.Microsecond, time.Millisecond},
		{time.Second, time.Second},
	}
	for _, tc := range tests {
		if got := RoundMS(tc.in); got != tc.want {
			t.Fatalf("RoundMS(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTook(t *testing.T) {
	start := time.Now().Add(-1500 * time.Millisecond)
	d := Took(start)
	if d < 1500*time.Millisecond || d > 2*time.Second {
		t.Fatalf("Took = %v, expected about 1.5s", d)
	}
	if d != d.Round(time.Millisecond) {
		t.Fatalf("Took must round to milliseconds, got %v", d)
	}
}
