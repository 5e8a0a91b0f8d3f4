package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const starterConfig = `# polecat configuration
#
# projects:
#   app:
#     path: ~/src/app
#     default_branch: main
#     remote: origin
#     test_command: go test ./...
# project_aliases:
#   a: app
#
# Workspaces and merges use a bare mirror of each project, cloned from the
# checkout's remote into mirror_root. Run "polecat init" to create them.
# mirror_root: ~/.polecat/.repos

pool:
  size: 4
  heartbeat_interval: 10s
  stall_multiple: 3
  stall_grace: 15s
  poll_interval: 2s
  task_timeout: 1h
  # command: ./scripts/agent.sh

finish:
  dirty_policy: fail
  push: true
  large_changeset_files: 50

refinery:
  max_attempts: 3
  auto_rebase: true
  schedule: "@every 1m"
  verify_timeout: 15m
  lease_ttl: 2m

log_level: info

# otel:
#   enabled: true
#   exporter: file        # otlp-http, stdout, file or none
#   path: ~/.polecat/traces.jsonl
`

const starterReviewTable = `version: 1
default: needs_review
sample_rate: 0.1
high_stakes_paths:
  - "migrations/**"
  - "**/*.sql"
  - ".github/**"
rules:
  - high_stakes: true
    decision: needs_review
  - complexity: [trivial, low]
    decision: auto_merge
`

// StarterReviewTable returns the review table written on first run.
func StarterReviewTable() []byte {
	return []byte(starterReviewTable)
}

// WriteStarters writes polecat.yaml and the review table into cfg.HomeDir
// when they do not exist yet. It returns the paths it created.
func WriteStarters(cfg Config) ([]string, error) {
	files := []struct {
		path string
		body string
	}{
		{ConfigPath(cfg.HomeDir), starterConfig},
		{cfg.ReviewTable, starterReviewTable},
	}
	var written []string
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return written, fmt.Errorf("create %s: %w", filepath.Dir(f.path), err)
		}
		if err := os.WriteFile(f.path, []byte(f.body), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", f.path, err)
		}
		written = append(written, f.path)
	}
	return written, nil
}
