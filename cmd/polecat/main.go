package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/polecat/internal/audit"
	"github.com/basket/polecat/internal/bus"
	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/otel"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/refinery"
	"github.com/basket/polecat/internal/review"
	"github.com/basket/polecat/internal/telemetry"
	"github.com/basket/polecat/internal/vcs"
	"github.com/basket/polecat/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	// exitEmpty is returned by swarm --until-empty when nothing was claimed.
	exitEmpty = 3
)

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

// skipSetup marks commands that open their own resources.
const skipSetup = "polecat.skip-setup"

// app holds what every command shares. It is filled in by the root
// PersistentPreRunE.
type app struct {
	out, errOut io.Writer

	caller  string
	verbose bool
	json    bool

	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	git      *vcs.CLI
	ws       *workspace.Manager
	router   *review.Live
	refinery *refinery.Refinery
	provider *otel.Provider
	metrics  *otel.Metrics

	closers []func()
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps errors to exit codes.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout, errOut: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.msg != "" {
			fmt.Fprintln(stderr, ec.msg)
		}
		return ec.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "polecat",
		Short:         "Coordinate parallel workers on a task graph and integrate their branches",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipSetup] != "" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.caller, "as", "", "caller identity (default: pool.caller or $USER)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "also log to stderr")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "print JSON instead of tables")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitCodeError{code: exitUsage, msg: err.Error()}
	})

	root.AddGroup(
		&cobra.Group{ID: "work", Title: "Workspaces:"},
		&cobra.Group{ID: "tasks", Title: "Task graph:"},
		&cobra.Group{ID: "integrate", Title: "Integration:"},
	)
	root.AddCommand(
		newInitCmd(a), newSyncCmd(a),
		newStartCmd(a), newCheckoutCmd(a), newListCmd(a), newFinishCmd(a), newNukeCmd(a),
		newCreateCmd(a), newShowCmd(a), newReadyCmd(a),
		newMergeCmd(a), newReviewCmd(a), newRevertCmd(a), newSwarmCmd(a),
		newDoctorCmd(a),
	)
	return root
}

// setup loads config and opens the store, git, workspace manager, review
// table and refinery.
func (a *app) setup(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	if a.caller == "" {
		a.caller = cfg.Pool.Caller
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, !a.verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	a.logger = logger

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	a.closers = append(a.closers, func() { _ = audit.Close() })

	provider, err := otel.Init(ctx, cfg.OTel, otel.Identity{
		Version:           Version,
		Caller:            a.caller,
		Home:              cfg.HomeDir,
		Projects:          cfg.ProjectNames(),
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.provider = provider
	a.closers = append(a.closers, func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	})
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	}
	a.metrics = metrics

	a.bus = bus.New()
	a.closers = append(a.closers, a.bus.Close)
	store, err := persistence.Open(cfg.DBPath(), a.bus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	store.SetLogger(logger)
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	a.git = vcs.NewCLI(vcs.Identity{Name: cfg.GitIdentity.Name, Email: cfg.GitIdentity.Email}, logger)
	a.ws = workspace.New(workspace.Config{Store: store, Git: a.git, Settings: cfg, Logger: logger})

	router, err := review.LoadLive(cfg.ReviewTable)
	if err != nil {
		return fmt.Errorf("review table: %w", err)
	}
	a.router = router
	a.refinery = refinery.New(refinery.Config{
		Store:      store,
		Git:        a.git,
		Workspaces: a.ws,
		Router:     router,
		Settings:   cfg,
		Bus:        a.bus,
		Logger:     logger,
		Tracer:     provider.Tracer,
		Metrics:    metrics,
	})
	logger.Debug("startup", "version", Version, "home", cfg.HomeDir, "config", cfg.Fingerprint())
	return nil
}

// loadConfig reads polecat.yaml, writing starter files on first run.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if !cfg.NeedInit {
		return cfg, nil
	}
	written, err := config.WriteStarters(cfg)
	if err != nil {
		return cfg, err
	}
	for _, p := range written {
		fmt.Fprintf(a.errOut, "wrote %s\n", p)
	}
	return cfg, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
