// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/decred/slog"
)

func TestSubLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	lm, err := NewLoggerMaker(slog.NewBackend(buf), "info")
	if err != nil {
		t.Fatalf("NewLoggerMaker error: %v", err)
	}
	lm.Levels["CORE"] = slog.LevelDebug

	core := lm.Logger("CORE")
	if core.Level() != slog.LevelDebug {
		t.Fatalf("CORE level = %s, want debug", core.Level())
	}

	sub := core.SubLogger("MINT")
	if sub.Level() != slog.LevelDebug {
		t.Fatalf("sublogger level = %s, want parent's debug", sub.Level())
	}
	sub.Debugf("hello")
	if !strings.Contains(buf.String(), "CORE[MINT]") {
		t.Fatalf("sublogger output %q missing combined subsystem tag", buf.String())
	}

	// An explicitly configured level for the combined name wins over the
	// parent's level.
	lm.Levels["CORE[WS]"] = slog.LevelError
	if ws := core.SubLogger("WS"); ws.Level() != slog.LevelError {
		t.Fatalf("CORE[WS] level = %s, want error", ws.Level())
	}

	other := lm.Logger("FEED")
	if other.Level() != slog.LevelInfo {
		t.Fatalf("FEED level = %s, want default info", other.Level())
	}

	if _, err := NewLoggerMaker(slog.NewBackend(buf), "bogus"); err == nil {
		t.Fatal("no error for unknown level")
	}
}

func TestDisabledSubLogger(t *testing.T) {
	sub := Disabled.SubLogger("X")
	if sub == nil {
		t.Fatal("nil sublogger")
	}
	sub.Errorf("discarded")
}
