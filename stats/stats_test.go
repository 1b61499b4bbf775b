package stats

import (
	"context"
	"expvar"
	"testing"
	"time"
)

func TestAdd(t *testing.T) {
	s := New("test-add", time.Minute, func(m *expvar.Map) {})
	s.Add("reportsBuilt", 1)
	s.Add("reportsBuilt", 2)

	v := s.Get("reportsBuilt")
	if v == nil || v.String() != "3" {
		t.Errorf("Expected counter value 3, got %v", v)
	}
}

func TestNewReusesExportedMap(t *testing.T) {
	a := New("test-reuse", time.Minute, func(m *expvar.Map) {})
	a.Add("x", 1)

	// re-registering the id must not panic and must see the same map
	b := New("test-reuse", time.Minute, func(m *expvar.Map) {})
	if v := b.Get("x"); v == nil || v.String() != "1" {
		t.Errorf("Expected the exported map to be reused, got %v", v)
	}
}

func TestRunFlushes(t *testing.T) {
	flushed := make(chan string, 1)
	s := New("test-run", 10*time.Millisecond, func(m *expvar.Map) {
		select {
		case flushed <- m.String():
		default:
		}
	})
	s.Add("ticks", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case doc := <-flushed:
		if doc == "" {
			t.Error("Expected a serialized map")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Report function was never called")
	}
}
