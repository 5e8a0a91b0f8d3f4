package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/review"
	"github.com/basket/polecat/internal/vcs"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, git vcs.Git, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkConfig(ctx, cfg),
		checkGit(ctx),
		checkDatabase(ctx, cfg),
		checkPermissions(ctx, cfg),
		checkReviewTable(ctx, cfg),
	)
	d.Results = append(d.Results, checkProjects(ctx, cfg, git)...)
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "Configuration missing", Detail: "A starter polecat.yaml is written on first run: " + config.ConfigPath(cfg.HomeDir)}
	}
	if len(cfg.Projects) == 0 {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("Loaded from %s but no projects are configured", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkGit(ctx context.Context) CheckResult {
	path, err := exec.LookPath("git")
	if err != nil {
		return CheckResult{Name: "Git", Status: StatusFail, Message: "git not found on PATH"}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return CheckResult{Name: "Git", Status: StatusFail, Message: fmt.Sprintf("git --version failed: %v", err)}
	}
	return CheckResult{Name: "Git", Status: StatusPass, Message: strings.TrimSpace(string(out)), Detail: path}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	version, _ := store.SchemaVersion(ctx)
	total := 0
	var parts []string
	for status, n := range stats {
		total += n
		parts = append(parts, fmt.Sprintf("%s=%d", status, n))
	}
	pending, err := store.PendingIntegrations(ctx)
	if err == nil && len(pending) > 0 {
		return CheckResult{
			Name:    "Database",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d integration attempt(s) pending; the next merge pass aborts them", len(pending)),
			Detail:  strings.Join(parts, " "),
		}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d task(s)", version, total),
		Detail:  strings.Join(parts, " "),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.WorkspaceRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and workspace directories writable"}
}

func checkReviewTable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Review Table", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.ReviewTable); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Review Table", Status: StatusWarn, Message: "No review table; every task needs review", Detail: cfg.ReviewTable}
	}
	table, err := review.Load(cfg.ReviewTable)
	if err != nil {
		return CheckResult{Name: "Review Table", Status: StatusFail, Message: "Invalid review table", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Review Table",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d rule(s), sample rate %.2f (%s)", len(table.Rules), table.SampleRate, table.Fingerprint()),
		Detail:  cfg.ReviewTable,
	}
}

// checkProjects verifies each project's checkout and polecat's mirror of it.
func checkProjects(ctx context.Context, cfg *config.Config, git vcs.Git) []CheckResult {
	if cfg == nil || git == nil {
		return nil
	}
	var out []CheckResult
	for _, name := range cfg.ProjectNames() {
		out = append(out, checkProject(ctx, name, cfg.Projects[name], cfg.MirrorPath(name), git))
	}
	return out
}

func checkProject(ctx context.Context, name string, proj config.ProjectConfig, mirror string, git vcs.Git) CheckResult {
	res := CheckResult{Name: "Project " + name, Detail: proj.Path}
	if _, err := git.TopLevel(ctx, proj.Path); err != nil {
		res.Status, res.Message = StatusFail, fmt.Sprintf("%s is not a git repository", proj.Path)
		return res
	}
	if _, err := git.RemoteURL(ctx, proj.Path, proj.Remote); err != nil {
		res.Status, res.Message = StatusFail, fmt.Sprintf("remote %q not configured in %s", proj.Remote, proj.Path)
		return res
	}
	var warnings []string
	if _, err := os.Stat(mirror); err != nil {
		warnings = append(warnings, fmt.Sprintf("no mirror at %s (run polecat init)", mirror))
	} else {
		res.Detail = mirror
		if bare, err := git.IsBare(ctx, mirror); err != nil || !bare {
			res.Status, res.Message = StatusFail, fmt.Sprintf("%s is not a bare mirror; move it aside and run polecat init", mirror)
			return res
		}
		if ok, err := git.RemoteBranchExists(ctx, mirror, proj.Remote, proj.DefaultBranch); err != nil || !ok {
			warnings = append(warnings, fmt.Sprintf("mirror has no %s/%s (run polecat sync)", proj.Remote, proj.DefaultBranch))
		}
	}
	if proj.TestCommand == "" {
		warnings = append(warnings, "no test_command; merges are not verified")
	}
	if len(warnings) > 0 {
		res.Status, res.Message = StatusWarn, strings.Join(warnings, "; ")
		return res
	}
	res.Status, res.Message = StatusPass, fmt.Sprintf("trunk %s, remote %s", proj.DefaultBranch, proj.Remote)
	return res
}
