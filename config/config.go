package config

import (
	"encoding/json"
	"os"
)

// Config holds the app's configuration
type Config struct {
	Redis struct {
		Addr string `json:"addr"`
	} `json:"redis"`

	API struct {
		HeartbeatPath string `json:"heartbeat_path"`
	} `json:"api"`

	Processor struct {
		// ScratchDir is where artifacts are rendered before upload.
		ScratchDir string `json:"scratch_dir"`
		// Storage selects the artifact store, eg.
		// {"type": "filesystem", "dir": "/var/lib/reportd"} or
		// {"type": "s3", "bucket": "...", "region": "..."}.
		Storage       map[string]string `json:"storage"`
		Concurrency   int               `json:"concurrency"`
		MaxAttempts   int               `json:"max_attempts"`
		StatsInterval int               `json:"stats_interval"`
	} `json:"processor"`

	Notifier struct {
		DownloadURL   string `json:"download_url"`
		Concurrency   int    `json:"concurrency"`
		StatsInterval int    `json:"stats_interval"`
	} `json:"notifier"`

	// StatsdAddr enables statsd mirroring of metrics when set.
	StatsdAddr string `json:"statsd_addr"`

	// Backends holds per-backend notifier configuration, keyed by
	// backend id ("http", "kafka", "sqs").
	Backends map[string]map[string]interface{} `json:"backends"`
}

// Parse loads a given file name and creates a Configuration
func Parse(filename string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	return cfg, dec.Decode(&cfg)
}
