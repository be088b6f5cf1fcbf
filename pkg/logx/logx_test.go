package logx

import (
	"testing"
	"time"
)

func TestRecentEntriesCapture(t *testing.T) {
	logger := NewLogger("test-component")

	before := time.Now().UTC().Add(-time.Second)
	logger.Info("hello %s", "world")

	entries := RecentEntries(before)
	if len(entries) == 0 {
		t.Fatal("expected at least one recent entry")
	}

	last := entries[len(entries)-1]
	if last.Component != "test-component" {
		t.Errorf("expected component test-component, got %s", last.Component)
	}
	if last.Level != string(LevelInfo) {
		t.Errorf("expected level INFO, got %s", last.Level)
	}
	if last.Message != "hello world" {
		t.Errorf("expected formatted message, got %q", last.Message)
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false)
	defer SetDebug(false)

	logger := NewLogger("debug-test")
	mark := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	logger.Debug("should not appear")

	for _, e := range RecentEntries(mark) {
		if e.Component == "debug-test" && e.Level == string(LevelDebug) {
			t.Error("debug entry recorded while debug disabled")
		}
	}

	SetDebug(true)
	logger.Debug("now visible")
	found := false
	for _, e := range RecentEntries(mark) {
		if e.Component == "debug-test" && e.Level == string(LevelDebug) {
			found = true
		}
	}
	if !found {
		t.Error("debug entry missing while debug enabled")
	}
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("boom: %d", 42)
	if err == nil || err.Error() != "boom: 42" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) should return nil, got %v", err)
	}
}
