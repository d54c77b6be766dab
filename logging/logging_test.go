package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	l, err := New(false)
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zap.DebugLevel) {
		t.Fatal("debug should be disabled by default")
	}

	l, err = New(true)
	if err != nil {
		t.Fatal(err)
	}
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Fatal("debug should be enabled when requested")
	}
}

func TestDefaults(t *testing.T) {
	nop := zap.NewNop()
	if OrDefault(nop, true) != nop {
		t.Fatal("OrDefault should keep a given logger")
	}
	if OrDefault(nil, false) == nil {
		t.Fatal("OrDefault should build a logger")
	}
	if OrNop(nil) == nil || OrNop(nop) != nop {
		t.Fatal("OrNop misbehaves")
	}
}
