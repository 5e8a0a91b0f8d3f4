package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/basket/polecat/internal/otel"
)

const (
	envPrefix      = "POLECAT"
	configFileName = "polecat.yaml"
	reviewFileName = "review.yaml"
)

// Dirty worktree policies applied by finish.
const (
	DirtyFail   = "fail"
	DirtyWarn   = "warn"
	DirtyCommit = "commit"
)

// ErrUnknownProject is returned when a name is neither a project nor an alias.
var ErrUnknownProject = errors.New("unknown project")

// ProjectConfig maps a project name to its parent repository.
type ProjectConfig struct {
	Path          string `yaml:"path"`
	DefaultBranch string `yaml:"default_branch"`
	Remote        string `yaml:"remote"`
	TestCommand   string `yaml:"test_command"`
}

type GitIdentity struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type PoolConfig struct {
	Size              int           `yaml:"size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StallMultiple     int           `yaml:"stall_multiple"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	// StallGrace is how long a cancelled stale worker gets to exit before
	// its task is recovered regardless.
	StallGrace time.Duration `yaml:"stall_grace"`
	Caller     string        `yaml:"caller"`
	// Command is run inside each workspace for a claimed task.
	Command  string   `yaml:"command"`
	Projects []string `yaml:"projects"`
}

// StallThreshold is how long a worker may go without a heartbeat.
func (p PoolConfig) StallThreshold() time.Duration {
	return p.HeartbeatInterval * time.Duration(p.StallMultiple)
}

type FinishConfig struct {
	DirtyPolicy         string `yaml:"dirty_policy"`
	Push                bool   `yaml:"push"`
	LargeChangesetFiles int    `yaml:"large_changeset_files"`
}

type RefineryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	AutoRebase    bool          `yaml:"auto_rebase"`
	Schedule      string        `yaml:"schedule"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	// LeaseTTL is how long a refinery pass may go without renewing its
	// lease before another process treats it as dead.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	NeedInit bool   `yaml:"-"`

	WorkspaceRoot string `yaml:"workspace_root"`
	// MirrorRoot holds the polecat-owned bare mirror and trunk checkout of
	// every project.
	MirrorRoot     string                   `yaml:"mirror_root"`
	Projects       map[string]ProjectConfig `yaml:"projects"`
	ProjectAliases map[string]string        `yaml:"project_aliases"`
	GitIdentity    GitIdentity              `yaml:"git_identity"`
	Pool           PoolConfig               `yaml:"pool"`
	Finish         FinishConfig             `yaml:"finish"`
	Refinery       RefineryConfig           `yaml:"refinery"`
	ReviewTable    string                   `yaml:"review_table"`
	LogLevel       string                   `yaml:"log_level"`
	OTel           otel.Config              `yaml:"otel"`
}

// envOverrides lists what POLECAT_* variables may override. Unset variables
// leave the pointers nil.
type envOverrides struct {
	LogLevel          *string `split_words:"true"`
	Caller            *string
	PoolSize          *int           `split_words:"true"`
	HeartbeatInterval *time.Duration `split_words:"true"`
	StallMultiple     *int           `split_words:"true"`
	PollInterval      *time.Duration `split_words:"true"`
	TaskTimeout       *time.Duration `split_words:"true"`
	Command           *string
	WorkspaceRoot     *string `split_words:"true"`
	ReviewTable       *string `split_words:"true"`
	DirtyPolicy       *string `split_words:"true"`
	MaxAttempts       *int    `split_words:"true"`
	Schedule          *string
	OtelEnabled       *bool   `split_words:"true"`
	OtelExporter      *string `split_words:"true"`
	OtelEndpoint      *string `split_words:"true"`
	OtelPath          *string `split_words:"true"`
}

// ConfigPath returns the config file location under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFileName)
}

// HomeDir returns $POLECAT_HOME or ~/.polecat.
func HomeDir() string {
	if override := os.Getenv("POLECAT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".polecat")
}

func defaultConfig() Config {
	return Config{
		Projects:       map[string]ProjectConfig{},
		ProjectAliases: map[string]string{},
		Pool: PoolConfig{
			Size:              4,
			HeartbeatInterval: 10 * time.Second,
			StallMultiple:     3,
			PollInterval:      2 * time.Second,
			TaskTimeout:       time.Hour,
			StallGrace:        15 * time.Second,
		},
		Finish: FinishConfig{
			DirtyPolicy:         DirtyFail,
			Push:                true,
			LargeChangesetFiles: 50,
		},
		Refinery: RefineryConfig{
			MaxAttempts:   3,
			AutoRebase:    true,
			Schedule:      "@every 1m",
			VerifyTimeout: 15 * time.Minute,
			LeaseTTL:      2 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads the config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads polecat.yaml in homeDir, applies POLECAT_* overrides and
// fills defaults. A missing file is not an error; NeedInit is set instead.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create polecat home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", configFileName, err)
		}
		cfg.NeedInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", configFileName, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("load %s_* environment: %w", envPrefix, err)
	}
	setIf(&cfg.LogLevel, env.LogLevel)
	setIf(&cfg.Pool.Caller, env.Caller)
	setIf(&cfg.Pool.Size, env.PoolSize)
	setIf(&cfg.Pool.HeartbeatInterval, env.HeartbeatInterval)
	setIf(&cfg.Pool.StallMultiple, env.StallMultiple)
	setIf(&cfg.Pool.PollInterval, env.PollInterval)
	setIf(&cfg.Pool.TaskTimeout, env.TaskTimeout)
	setIf(&cfg.Pool.Command, env.Command)
	setIf(&cfg.WorkspaceRoot, env.WorkspaceRoot)
	setIf(&cfg.ReviewTable, env.ReviewTable)
	setIf(&cfg.Finish.DirtyPolicy, env.DirtyPolicy)
	setIf(&cfg.Refinery.MaxAttempts, env.MaxAttempts)
	setIf(&cfg.Refinery.Schedule, env.Schedule)
	setIf(&cfg.OTel.Enabled, env.OtelEnabled)
	setIf(&cfg.OTel.Exporter, env.OtelExporter)
	setIf(&cfg.OTel.Endpoint, env.OtelEndpoint)
	setIf(&cfg.OTel.Path, env.OtelPath)
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.Projects == nil {
		cfg.Projects = map[string]ProjectConfig{}
	}
	if cfg.ProjectAliases == nil {
		cfg.ProjectAliases = map[string]string{}
	}
	for name, p := range cfg.Projects {
		if p.DefaultBranch == "" {
			p.DefaultBranch = "main"
		}
		if p.Remote == "" {
			p.Remote = "origin"
		}
		p.Path = expandHome(p.Path)
		cfg.Projects[name] = p
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
	cfg.WorkspaceRoot = expandHome(cfg.WorkspaceRoot)
	if strings.TrimSpace(cfg.MirrorRoot) == "" {
		cfg.MirrorRoot = filepath.Join(cfg.HomeDir, ".repos")
	}
	cfg.MirrorRoot = expandHome(cfg.MirrorRoot)
	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = def.Pool.Size
	}
	if cfg.Pool.HeartbeatInterval <= 0 {
		cfg.Pool.HeartbeatInterval = def.Pool.HeartbeatInterval
	}
	if cfg.Pool.StallMultiple <= 1 {
		cfg.Pool.StallMultiple = def.Pool.StallMultiple
	}
	if cfg.Pool.PollInterval <= 0 {
		cfg.Pool.PollInterval = def.Pool.PollInterval
	}
	if cfg.Pool.TaskTimeout <= 0 {
		cfg.Pool.TaskTimeout = def.Pool.TaskTimeout
	}
	if cfg.Pool.StallGrace <= 0 {
		cfg.Pool.StallGrace = def.Pool.StallGrace
	}
	if cfg.Pool.Caller == "" {
		cfg.Pool.Caller = defaultCaller()
	}
	cfg.Finish.DirtyPolicy = strings.ToLower(strings.TrimSpace(cfg.Finish.DirtyPolicy))
	if cfg.Finish.DirtyPolicy == "" {
		cfg.Finish.DirtyPolicy = def.Finish.DirtyPolicy
	}
	if cfg.Finish.LargeChangesetFiles <= 0 {
		cfg.Finish.LargeChangesetFiles = def.Finish.LargeChangesetFiles
	}
	if cfg.Refinery.MaxAttempts <= 0 {
		cfg.Refinery.MaxAttempts = def.Refinery.MaxAttempts
	}
	if strings.TrimSpace(cfg.Refinery.Schedule) == "" {
		cfg.Refinery.Schedule = def.Refinery.Schedule
	}
	if cfg.Refinery.VerifyTimeout <= 0 {
		cfg.Refinery.VerifyTimeout = def.Refinery.VerifyTimeout
	}
	if cfg.Refinery.LeaseTTL <= 0 {
		cfg.Refinery.LeaseTTL = def.Refinery.LeaseTTL
	}
	if cfg.ReviewTable == "" {
		cfg.ReviewTable = filepath.Join(cfg.HomeDir, reviewFileName)
	}
	cfg.ReviewTable = expandHome(cfg.ReviewTable)
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "polecat"
	}
	if cfg.OTel.Exporter == otel.ExporterFile && cfg.OTel.Path == "" {
		cfg.OTel.Path = filepath.Join(cfg.HomeDir, "traces.jsonl")
	}
	cfg.OTel.Path = expandHome(cfg.OTel.Path)
}

func validate(cfg *Config) error {
	switch cfg.Finish.DirtyPolicy {
	case DirtyFail, DirtyWarn, DirtyCommit:
	default:
		return fmt.Errorf("finish.dirty_policy must be fail, warn or commit, got %q", cfg.Finish.DirtyPolicy)
	}
	for alias, target := range cfg.ProjectAliases {
		if _, ok := cfg.Projects[target]; !ok {
			return fmt.Errorf("project alias %q points at unknown project %q", alias, target)
		}
	}
	for _, name := range cfg.Pool.Projects {
		if _, _, err := cfg.ResolveProject(name); err != nil {
			return fmt.Errorf("pool.projects: %w", err)
		}
	}
	return nil
}

func defaultCaller() string {
	for _, k := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "polecat"
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ResolveProject maps a project name or alias to its canonical name and
// settings.
func (c Config) ResolveProject(name string) (string, ProjectConfig, error) {
	key := strings.TrimSpace(name)
	if p, ok := c.Projects[key]; ok {
		return key, p, nil
	}
	if target, ok := c.ProjectAliases[key]; ok {
		if p, ok := c.Projects[target]; ok {
			return target, p, nil
		}
	}
	return "", ProjectConfig{}, fmt.Errorf("%w: %q", ErrUnknownProject, name)
}

// ProjectNames returns configured project names in sorted order.
func (c Config) ProjectNames() []string {
	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MirrorPath is the polecat-owned bare clone a project's worktrees are
// created from.
func (c Config) MirrorPath(project string) string {
	return filepath.Join(c.mirrorRoot(), project+".git")
}

// TrunkPath is the refinery's checkout of a project's trunk, a worktree of
// its mirror.
func (c Config) TrunkPath(project string) string {
	return filepath.Join(c.mirrorRoot(), project+".trunk")
}

func (c Config) mirrorRoot() string {
	if c.MirrorRoot != "" {
		return c.MirrorRoot
	}
	return filepath.Join(filepath.Dir(c.WorkspaceRoot), ".repos")
}

// DBPath is the task graph database.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "polecat.db")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "pool=%d|hb=%s|stall=%d|poll=%s|dirty=%s|push=%t|max=%d|rebase=%t|sched=%s|review=%s|log=%s",
		c.Pool.Size, c.Pool.HeartbeatInterval, c.Pool.StallMultiple, c.Pool.PollInterval,
		c.Finish.DirtyPolicy, c.Finish.Push, c.Refinery.MaxAttempts, c.Refinery.AutoRebase, c.Refinery.Schedule,
		c.ReviewTable, c.LogLevel)
	for _, name := range c.ProjectNames() {
		p := c.Projects[name]
		fmt.Fprintf(h, "|%s=%s@%s/%s", name, p.Path, p.Remote, p.DefaultBranch)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
