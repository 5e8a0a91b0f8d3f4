package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/polecat/internal/shared"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	Record(ctx, Entry{Action: ActionRoute, Decision: "needs_review", Actor: "refinery", TaskID: "app-1", Reason: "rule 0: high stakes", Version: "v1-abc"})
	Record(ctx, Entry{Action: ActionVerdict, Decision: "approved", Actor: "carol", TaskID: "app-1", Reason: "looks fine"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	first := lines[0]
	if first["action"] != ActionRoute || first["decision"] != "needs_review" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["table_version"] != "v1-abc" || first["trace_id"] != "trace-1" {
		t.Fatalf("expected version and trace id in entry: %#v", first)
	}
	if lines[1]["actor"] != "carol" {
		t.Fatalf("expected actor carol, got %#v", lines[1]["actor"])
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), Entry{Action: ActionRevert, Decision: "reverted", TaskID: "app-2", Reason: "login broke with password=hunter2secret"})
	lines := readLines(t, home)
	if strings.Contains(lines[0]["reason"].(string), "hunter2secret") {
		t.Fatalf("secret not redacted: %v", lines[0]["reason"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	Record(context.Background(), Entry{Action: ActionRoute, Decision: "auto_merge", TaskID: "app-1"})
	_ = Close()

	if err := Init(home); err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	Record(context.Background(), Entry{Action: ActionRoute, Decision: "needs_review", TaskID: "app-2"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected entries from both sessions, got %d", len(lines))
	}
	if lines[0]["task_id"] != "app-1" || lines[1]["task_id"] != "app-2" {
		t.Fatalf("entries out of order: %#v", lines)
	}
}

func TestRecordCountsOverrides(t *testing.T) {
	before := Overrides()
	Record(context.Background(), Entry{Action: ActionRoute, Decision: "auto_merge"})
	Record(context.Background(), Entry{Action: ActionVerdict, Decision: "rejected"})
	if got := Overrides() - before; got != 1 {
		t.Fatalf("expected one override, got %d", got)
	}
}
