package job

import (
	"testing"
	"time"
)

var activeStates = []State{
	StatePending, StateQueued, StateProcessing, StateRendering, StateUploading,
}

var terminalStates = []State{
	StateReady, StateFailed, StateCancelled, StateDownloaded,
}

func TestClassification(t *testing.T) {
	for _, s := range activeStates {
		if !s.ShouldPoll() {
			t.Errorf("Expected ShouldPoll to be true for %s", s)
		}
		if s.IsTerminal() {
			t.Errorf("Expected IsTerminal to be false for %s", s)
		}
	}

	for _, s := range terminalStates {
		if !s.IsTerminal() {
			t.Errorf("Expected IsTerminal to be true for %s", s)
		}
		if s.ShouldPoll() {
			t.Errorf("Expected ShouldPoll to be false for %s", s)
		}
	}
}

func TestClassificationUnknownState(t *testing.T) {
	s := State("exploded")
	if s.Class() != ClassUnknown {
		t.Errorf("Expected unknown state to classify as ClassUnknown, got %v", s.Class())
	}
	if s.ShouldPoll() || s.IsTerminal() {
		t.Error("Unknown states must be neither active nor terminal")
	}
}

func TestPollInterval(t *testing.T) {
	tc := map[State]time.Duration{
		StatePending:    3 * time.Second,
		StateQueued:     3 * time.Second,
		StateProcessing: 2 * time.Second,
		StateRendering:  2 * time.Second,
		StateUploading:  time.Second,
		State("other"):  2 * time.Second,
	}

	for s, expected := range tc {
		if got := s.PollInterval(); got != expected {
			t.Errorf("Expected PollInterval(%s) to be %s, got %s", s, expected, got)
		}
	}
}
