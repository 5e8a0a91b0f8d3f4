package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/polecat/internal/persistence"
)

func newMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "merge",
		GroupID: "integrate",
		Short:   "Run one integration pass",
		Long: `Run one integration pass.

Routes tasks awaiting review through the review table, then squash-merges
every merge_ready task onto its project's trunk, oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := a.refinery.RunOnce(cmd.Context())
			if a.json {
				if jerr := printJSON(a.out, sum); jerr != nil {
					return jerr
				}
				return err
			}
			fmt.Fprintf(a.out, "routed: %d auto-merge, %d needs review\n", sum.AutoMerge, sum.NeedsReview)
			fmt.Fprintf(a.out, "integrated: %d merged, %d conflict(s), %d test failure(s), %d aborted\n",
				sum.Merged, sum.Conflicts, sum.TestFailures, sum.Aborted)
			if sum.Reconciled > 0 {
				fmt.Fprintf(a.out, "reconciled %d interrupted attempt(s)\n", sum.Reconciled)
			}
			return err
		},
	}
}

func newReviewCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "review",
		GroupID: "integrate",
		Short:   "Record a review verdict",
	}
	var note string
	verdict := func(use, short string, needNote bool, run func(cmd *cobra.Command, id string) (*persistence.Task, error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <task-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if needNote && note == "" {
					return &exitCodeError{code: exitUsage, msg: "--note is required"}
				}
				task, err := run(cmd, args[0])
				if err != nil {
					return err
				}
				if a.json {
					return printJSON(a.out, task)
				}
				fmt.Fprintf(a.out, "%s is now %s\n", task.ID, statusStyle(task.Status).Render(string(task.Status)))
				return nil
			},
		}
		c.Flags().StringVarP(&note, "note", "m", "", "note recorded with the verdict")
		return c
	}
	cmd.AddCommand(
		verdict("approve", "Approve a task for merging", false, func(cmd *cobra.Command, id string) (*persistence.Task, error) {
			return a.refinery.Approve(cmd.Context(), id, a.caller, note)
		}),
		verdict("changes", "Send a task back to its assignee with feedback", true, func(cmd *cobra.Command, id string) (*persistence.Task, error) {
			return a.refinery.RequestChanges(cmd.Context(), id, a.caller, note)
		}),
		verdict("reject", "Cancel a task", true, func(cmd *cobra.Command, id string) (*persistence.Task, error) {
			return a.refinery.Reject(cmd.Context(), id, a.caller, note)
		}),
	)
	return cmd
}

func newRevertCmd(a *app) *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:     "revert <task-id>",
		GroupID: "integrate",
		Short:   "Revert a merged task that caused a regression and reopen it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if evidence == "" {
				return &exitCodeError{code: exitUsage, msg: "--evidence is required"}
			}
			task, err := a.refinery.Revert(cmd.Context(), args[0], evidence)
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(a.out, task)
			}
			fmt.Fprintf(a.out, "reverted %s; reopened for %s\n", task.ID, task.Assignee)
			return nil
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "what broke (failing test, error output)")
	return cmd
}
