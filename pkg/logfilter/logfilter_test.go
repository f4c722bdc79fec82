package logfilter

import "testing"

func TestDetectClassifiesCommonMarkers(t *testing.T) {
	cases := map[string]Level{
		"panic: nil pointer dereference": LevelError,
		"[ERROR] connection refused":     LevelError,
		"WARN deprecated flag used":      LevelWarn,
		"DEBUG dumping request body":     LevelDebug,
		"listening on :8080":             LevelInfo,
	}
	for text, want := range cases {
		if got := Detect(text); got != want {
			t.Errorf("Detect(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestModeCycleWrapsAround(t *testing.T) {
	m := ModeAll
	m = m.Cycle()
	if m != ModeWarnAndAbove {
		t.Fatalf("expected WarnAndAbove, got %v", m)
	}
	m = m.Cycle()
	if m != ModeErrorOnly {
		t.Fatalf("expected ErrorOnly, got %v", m)
	}
	m = m.Cycle()
	if m != ModeAll {
		t.Fatalf("expected wraparound to All, got %v", m)
	}
}

func TestModeMatchesThreshold(t *testing.T) {
	if !ModeWarnAndAbove.Matches(LevelError) {
		t.Error("WarnAndAbove should match Error")
	}
	if ModeWarnAndAbove.Matches(LevelInfo) {
		t.Error("WarnAndAbove should not match Info")
	}
	if !ModeErrorOnly.Matches(LevelError) {
		t.Error("ErrorOnly should match Error")
	}
	if ModeErrorOnly.Matches(LevelWarn) {
		t.Error("ErrorOnly should not match Warn")
	}
}
