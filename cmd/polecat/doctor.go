package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/doctor"
	"github.com/basket/polecat/internal/vcs"
)

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "doctor",
		Short:       "Run diagnostic checks",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Diagnose even when the config does not load.
			var cfgp *config.Config
			cfg, err := a.loadConfig()
			if err != nil {
				fmt.Fprintf(a.errOut, "Error loading config: %v\n", err)
			} else {
				cfgp = &cfg
			}
			git := vcs.NewCLI(vcs.Identity{Name: cfg.GitIdentity.Name, Email: cfg.GitIdentity.Email}, nil)
			diag := doctor.Run(cmd.Context(), cfgp, git, Version)

			if a.json {
				if err := printJSON(a.out, diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(a, diag)
			}
			if diag.Failed() {
				return &exitCodeError{code: exitError}
			}
			return nil
		},
	}
}

func printDiagnosis(a *app, diag doctor.Diagnosis) {
	w := a.out
	fmt.Fprintf(w, "polecat doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, dimStyle.Render("---"))
	for _, res := range diag.Results {
		var badge string
		switch res.Status {
		case doctor.StatusPass:
			badge = okStyle.Render("PASS")
		case doctor.StatusFail:
			badge = failStyle.Render("FAIL")
		case doctor.StatusWarn:
			badge = warnStyle.Render("WARN")
		default:
			badge = dimStyle.Render("SKIP")
		}
		fmt.Fprintf(w, "%s %-16s %s\n", badge, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", dimStyle.Render(res.Detail))
		}
	}
}
