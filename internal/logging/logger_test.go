package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"info":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	var typed *sinkLogger
	if IsNil(OrNop(typed)) {
		t.Error("OrNop of typed nil should return a usable logger")
	}
	logger := NewComponentLogger("Test")
	if OrNop(logger) != logger {
		t.Error("OrNop should pass through non-nil loggers")
	}
}
