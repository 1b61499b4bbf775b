package config

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	cfg, err := Parse("../config.test.json")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Unexpected redis addr %q", cfg.Redis.Addr)
	}
	if cfg.Processor.Storage["type"] != "filesystem" {
		t.Errorf("Unexpected artifact store config %v", cfg.Processor.Storage)
	}
	if cfg.Processor.MaxAttempts != 3 {
		t.Errorf("Unexpected max attempts %d", cfg.Processor.MaxAttempts)
	}
	if cfg.Notifier.DownloadURL == "" {
		t.Error("Expected a download URL")
	}

	// backend values stay json.Number so backends can pick their type
	timeout, ok := cfg.Backends["http"]["timeout"].(json.Number)
	if !ok {
		t.Fatalf("Expected a json.Number timeout, got %T", cfg.Backends["http"]["timeout"])
	}
	if v, _ := timeout.Int64(); v != 5 {
		t.Errorf("Unexpected http backend timeout %d", v)
	}
}

func TestParseMissingFile(t *testing.T) {
	if _, err := Parse("nonexistent.json"); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}
