package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/basket/polecat/internal/workspace"
)

func newStartCmd(a *app) *cobra.Command {
	var projects []string
	cmd := &cobra.Command{
		Use:     "start",
		GroupID: "work",
		Short:   "Claim the next ready task and set up its workspace",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := a.ws.Start(cmd.Context(), a.caller, projects...)
			if err != nil {
				return err
			}
			if ws == nil {
				fmt.Fprintln(a.out, "no ready task")
				return nil
			}
			return a.printWorkspace(ws)
		},
	}
	cmd.Flags().StringSliceVarP(&projects, "project", "p", nil, "only claim tasks from these projects")
	return cmd
}

func newCheckoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "checkout <task-id>",
		GroupID: "work",
		Short:   "Resume a claimed task and ensure its workspace exists",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := a.ws.Checkout(cmd.Context(), args[0], a.caller)
			if err != nil {
				return err
			}
			return a.printWorkspace(ws)
		},
	}
}

func (a *app) printWorkspace(ws *workspace.Workspace) error {
	if a.json {
		return printJSON(a.out, ws)
	}
	if ws.Task != nil {
		field(a.out, "Task", ws.Task.ID+"  "+ws.Task.Title)
	} else {
		field(a.out, "Task", ws.TaskID)
	}
	field(a.out, "Project", ws.Project)
	field(a.out, "Branch", ws.Branch)
	field(a.out, "Path", ws.Path)
	return nil
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		GroupID: "work",
		Short:   "List workspaces and their tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.ws.List(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(a.out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, "no workspaces")
				return nil
			}
			rows := make([][]string, 0, len(list))
			for _, w := range list {
				status, assignee := "-", ""
				if w.Task != nil {
					status = statusStyle(w.Task.Status).Render(string(w.Task.Status))
					assignee = w.Task.Assignee
				}
				state := string(w.State)
				if w.Dirty {
					state += " (dirty)"
				}
				rows = append(rows, []string{w.TaskID, w.Project, state, status, assignee, w.Branch, w.Path})
			}
			renderTable(a.out, []string{"TASK", "PROJECT", "WORKSPACE", "STATUS", "ASSIGNEE", "BRANCH", "PATH"}, rows)
			return nil
		},
	}
}

func newFinishCmd(a *app) *cobra.Command {
	var nuke, noPush, force bool
	cmd := &cobra.Command{
		Use:     "finish [task-id]",
		GroupID: "work",
		Short:   "Submit a task's branch for review",
		Long: `Submit a task's branch for review.

Without a task id, the task is taken from the workspace containing the
current directory. Uncommitted changes are handled by finish.dirty_policy.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.taskArg(args)
			if err != nil {
				return err
			}
			opts := workspace.FinishOptions{
				Push:   a.cfg.Finish.Push && !noPush,
				Nuke:   nuke,
				Force:  force,
				Caller: a.caller,
			}
			res, err := a.ws.Finish(cmd.Context(), id, opts)
			if errors.Is(err, workspace.ErrLargeChangeset) {
				ok, cerr := confirm("Large change set", err.Error())
				if cerr != nil {
					return fmt.Errorf("%w (%w)", err, cerr)
				}
				if !ok {
					return &exitCodeError{code: exitError, msg: "finish cancelled"}
				}
				opts.Force = true
				res, err = a.ws.Finish(cmd.Context(), id, opts)
			}
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(a.out, res)
			}
			fmt.Fprintf(a.out, "%s submitted for review: %d file(s) changed\n", res.Task.ID, len(res.ChangedFiles))
			if res.Committed != "" {
				field(a.out, "Committed", shortSHA(res.Committed))
			}
			if res.Pushed {
				field(a.out, "Pushed", res.Task.BranchName)
			}
			if res.Reclaimed {
				field(a.out, "Reclaimed", res.Workspace.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&nuke, "nuke", false, "reclaim the workspace after submitting")
	cmd.Flags().BoolVar(&noPush, "no-push", false, "do not push the task branch")
	cmd.Flags().BoolVar(&force, "force", false, "skip the large change-set confirmation")
	return cmd
}

// taskArg returns the explicit task id or the one owning the current
// directory.
func (a *app) taskArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	id, err := a.ws.TaskForDir(cwd)
	if err != nil {
		return "", fmt.Errorf("no task id given and %s is not a workspace: %w", cwd, err)
	}
	return id, nil
}

func newNukeCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "nuke <task-id>",
		GroupID: "work",
		Short:   "Remove a task's workspace and local branch without changing its status",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			removed, err := a.ws.Nuke(cmd.Context(), id, force)
			if errors.Is(err, workspace.ErrDirtyWorkspace) || errors.Is(err, workspace.ErrUnmergedBranch) {
				title := "Discard uncommitted work?"
				if errors.Is(err, workspace.ErrUnmergedBranch) {
					title = "Delete commits that are not on trunk?"
				}
				ok, cerr := confirm(title, err.Error())
				if cerr != nil {
					return fmt.Errorf("%w (%w)", err, cerr)
				}
				if !ok {
					return &exitCodeError{code: exitError, msg: "nuke cancelled"}
				}
				removed, err = a.ws.Nuke(cmd.Context(), id, true)
			}
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintf(a.out, "reclaimed workspace of %s\n", id)
			} else {
				fmt.Fprintf(a.out, "no workspace for %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard uncommitted changes and unmerged commits")
	return cmd
}

// projectArgs returns the named projects, or every configured one.
func (a *app) projectArgs(args []string) []string {
	if len(args) > 0 {
		return args
	}
	names := make([]string, 0, len(a.cfg.Projects))
	for name := range a.cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type mirrorStatus struct {
	Project string `json:"project"`
	Mirror  string `json:"mirror,omitempty"`
	Trunk   string `json:"trunk,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "init [project...]",
		GroupID: "work",
		Short:   "Create the bare mirror and trunk checkout of each project",
		Long: `Create the bare mirror and trunk checkout of each project.

Mirrors live under mirror_root (default $POLECAT_HOME/.repos) and are cloned
from the remote of the project's configured checkout. Workspaces and merges
use the mirror, so the checkout itself is never modified. Setup creates a
missing mirror on demand; init does it up front.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachMirror(cmd.Context(), args, func(ctx context.Context, st *mirrorStatus) error {
				var err error
				if st.Mirror, err = a.ws.Mirror(ctx, st.Project); err != nil {
					return err
				}
				st.Trunk, err = a.ws.Trunk(ctx, st.Project)
				return err
			})
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync [project...]",
		GroupID: "work",
		Short:   "Fetch each project's remote into its mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eachMirror(cmd.Context(), args, func(ctx context.Context, st *mirrorStatus) error {
				var err error
				st.Mirror, err = a.ws.SyncMirror(ctx, st.Project)
				return err
			})
		},
	}
}

func (a *app) eachMirror(ctx context.Context, args []string, fn func(context.Context, *mirrorStatus) error) error {
	var out []mirrorStatus
	failed := 0
	for _, name := range a.projectArgs(args) {
		st := mirrorStatus{Project: name}
		if err := fn(ctx, &st); err != nil {
			st.Error = err.Error()
			failed++
		}
		out = append(out, st)
	}
	if a.json {
		if err := printJSON(a.out, out); err != nil {
			return err
		}
	} else {
		for _, st := range out {
			switch {
			case st.Error != "":
				fmt.Fprintf(a.out, "%s: %s\n", st.Project, st.Error)
			case st.Trunk != "":
				fmt.Fprintf(a.out, "%s: %s (trunk %s)\n", st.Project, st.Mirror, st.Trunk)
			default:
				fmt.Fprintf(a.out, "%s: %s\n", st.Project, st.Mirror)
			}
		}
	}
	if failed > 0 {
		return &exitCodeError{code: exitError, msg: fmt.Sprintf("%d project(s) failed", failed)}
	}
	return nil
}
