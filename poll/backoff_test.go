package poll

import (
	"errors"
	"testing"
	"time"

	"github.com/learnhub/reportd/client"
)

func TestBackoffDelay(t *testing.T) {
	tc := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{1000, 30 * time.Second},
	}

	for _, c := range tc {
		got := BackoffDelay(c.attempt, DefaultBackoffBase, DefaultBackoffCap)
		if got != c.expected {
			t.Errorf("Expected BackoffDelay(%d) to be %s, got %s", c.attempt, c.expected, got)
		}
	}
}

func TestBackoffDelayCustomBase(t *testing.T) {
	got := BackoffDelay(2, 100*time.Millisecond, time.Second)
	if got != 400*time.Millisecond {
		t.Errorf("Expected 400ms, got %s", got)
	}

	got = BackoffDelay(6, 100*time.Millisecond, time.Second)
	if got != time.Second {
		t.Errorf("Expected delay to cap at 1s, got %s", got)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tc := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{&client.StatusError{Code: 408}, true},
		{&client.StatusError{Code: 429}, true},
		{&client.StatusError{Code: 500}, true},
		{&client.StatusError{Code: 502}, true},
		{&client.StatusError{Code: 503}, true},
		{&client.StatusError{Code: 504}, true},
		{&client.StatusError{Code: 404}, false},
		{&client.StatusError{Code: 400}, false},
		{&client.StatusError{Code: 200}, false},
		{timeoutError{}, true},
		{errors.New("network error"), true},
		{errors.New("connection refused"), true},
		{errors.New("request timed out"), true},
		{errors.New("invalid response body"), false},
	}

	for _, c := range tc {
		if got := IsTransient(c.err); got != c.expected {
			t.Errorf("Expected IsTransient(%v) to be %v", c.err, c.expected)
		}
	}
}
