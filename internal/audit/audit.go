// Package audit keeps an append-only record of review decisions: table
// routing, human verdicts and reverts.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/polecat/internal/shared"
)

// Actions recorded in the audit log.
const (
	ActionRoute   = "review.route"
	ActionVerdict = "review.verdict"
	ActionRevert  = "integration.revert"
)

// Entry is one audit record.
type Entry struct {
	Action   string
	Decision string
	// Actor is the reviewer, or "refinery" for table routing.
	Actor   string
	TaskID  string
	Reason  string
	Version string
}

type line struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Actor     string `json:"actor"`
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason,omitempty"`
	Version   string `json:"table_version,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	overrides atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Without Init,
// Record is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Overrides returns how many human verdicts and reverts were recorded since
// startup.
func Overrides() int64 {
	return overrides.Load()
}

func Record(ctx context.Context, e Entry) {
	if e.Action != ActionRoute {
		overrides.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(line{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    e.Action,
		Decision:  e.Decision,
		Actor:     e.Actor,
		TaskID:    e.TaskID,
		Reason:    shared.Redact(e.Reason),
		Version:   e.Version,
		TraceID:   shared.TraceID(ctx),
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
