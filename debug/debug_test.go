package debug

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sugawarayuuta/sonnet"
)

func decode(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := sonnet.Unmarshal(line, &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, line)
	}
	return m
}

func TestDropMessage_JSON(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf, "info", "json")
	defer Configure("info", "json")

	DropMessage("INIT", "loading venues")
	m := decode(t, bytes.TrimSpace(buf.Bytes()))
	if m["component"] != "INIT" || m["message"] != "loading venues" || m["level"] != "info" {
		t.Fatalf("unexpected record %v", m)
	}
}

func TestDropError(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf, "debug", "json")
	defer Configure("info", "json")

	DropError("FEED", errors.New("socket closed"))
	DropError("GC", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %d", len(lines))
	}
	first := decode(t, []byte(lines[0]))
	if first["level"] != "error" || first["error"] != "socket closed" {
		t.Fatalf("unexpected error record %v", first)
	}
	second := decode(t, []byte(lines[1]))
	if second["level"] != "warn" || second["component"] != "GC" {
		t.Fatalf("unexpected marker record %v", second)
	}
}

func TestConfigure_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf, "error", "json")
	defer Configure("info", "json")

	DropMessage("X", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line leaked through error level: %s", buf.String())
	}

	ConfigureWriter(&buf, "bogus", "console")
	DropMessage("X", "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatal("unknown level must fall back to info")
	}
}
