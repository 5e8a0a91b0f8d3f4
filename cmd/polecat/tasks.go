package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/polecat/internal/persistence"
)

func newCreateCmd(a *app) *cobra.Command {
	var (
		nt       persistence.NewTask
		priority int
	)
	cmd := &cobra.Command{
		Use:     "create <title>",
		GroupID: "tasks",
		Short:   "Add a task to the graph",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nt.Title = strings.Join(args, " ")
			if nt.Project == "" {
				return &exitCodeError{code: exitUsage, msg: "--project is required"}
			}
			name, _, err := a.cfg.ResolveProject(nt.Project)
			if err != nil {
				return err
			}
			nt.Project = name
			if cmd.Flags().Changed("priority") {
				nt.Priority = &priority
			}
			task, err := a.store.Create(cmd.Context(), nt)
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(a.out, task)
			}
			fmt.Fprintln(a.out, task.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&nt.Project, "project", "p", "", "project name or alias")
	f.StringVar(&nt.ID, "id", "", "task id (generated when empty)")
	f.StringVarP(&nt.Description, "description", "d", "", "task description")
	f.StringVarP(&nt.Type, "type", "t", "", "task type (task, bug, feature, chore)")
	f.IntVar(&priority, "priority", persistence.DefaultPriority, "priority, 0 (urgent) to 4")
	f.StringSliceVar(&nt.DependsOn, "dep", nil, "ids of tasks this one depends on")
	f.StringSliceVar(&nt.Tags, "tag", nil, "tags, e.g. complexity:low")
	return cmd
}

// taskView is what show prints.
type taskView struct {
	Task         *persistence.Task                `json:"task"`
	Dependencies []persistence.Task               `json:"dependencies,omitempty"`
	Reports      []persistence.Report             `json:"reports,omitempty"`
	Events       []persistence.TaskEvent          `json:"events,omitempty"`
	Integrations []persistence.IntegrationAttempt `json:"integrations,omitempty"`
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "show <task-id>",
		GroupID: "tasks",
		Short:   "Show a task with its reports and history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			task, err := a.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			v := taskView{Task: task}
			if v.Dependencies, err = a.store.Dependencies(ctx, task.ID); err != nil {
				return err
			}
			if v.Reports, err = a.store.Reports(ctx, task.ID); err != nil {
				return err
			}
			if v.Events, err = a.store.Events(ctx, task.ID); err != nil {
				return err
			}
			if v.Integrations, err = a.store.IntegrationAttempts(ctx, task.ID); err != nil {
				return err
			}
			if a.json {
				return printJSON(a.out, v)
			}
			a.printTask(v)
			return nil
		},
	}
}

func (a *app) printTask(v taskView) {
	t := v.Task
	w := a.out
	field(w, "ID", t.ID)
	field(w, "Title", t.Title)
	field(w, "Project", t.Project)
	field(w, "Status", statusStyle(t.Status).Render(string(t.Status)))
	field(w, "Priority", "P"+strconv.Itoa(t.Priority))
	field(w, "Type", t.Type)
	field(w, "Assignee", t.Assignee)
	field(w, "Last assignee", t.LastAssignee)
	field(w, "Branch", t.BranchName)
	field(w, "Review", t.ReviewDecision)
	field(w, "Merge commit", shortSHA(t.MergeCommit))
	field(w, "Closed", t.CloseReason)
	if len(t.Tags) > 0 {
		field(w, "Tags", strings.Join(t.Tags, ", "))
	}
	field(w, "Created", ago(t.CreatedAt))
	field(w, "Updated", ago(t.UpdatedAt))
	if t.Description != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, t.Description)
	}

	if len(v.Dependencies) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(v.Dependencies))
		for _, d := range v.Dependencies {
			rows = append(rows, []string{d.ID, statusStyle(d.Status).Render(string(d.Status)), truncate(d.Title, 50)})
		}
		renderTable(w, []string{"DEPENDS ON", "STATUS", "TITLE"}, rows)
	}
	if len(v.Reports) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(v.Reports))
		for _, r := range v.Reports {
			rows = append(rows, []string{ago(r.CreatedAt), r.Kind, truncate(r.Summary, 60), detailKeys(r.Detail)})
		}
		renderTable(w, []string{"REPORTED", "KIND", "SUMMARY", "DETAIL"}, rows)
	}
	if len(v.Events) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(v.Events))
		for _, e := range v.Events {
			rows = append(rows, []string{ago(e.CreatedAt), e.EventType, string(e.StateFrom), string(e.StateTo)})
		}
		renderTable(w, []string{"AT", "EVENT", "FROM", "TO"}, rows)
	}
}

// detailKeys lists a report's detail keys; the values are in --json output.
func detailKeys(d map[string]any) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func newReadyCmd(a *app) *cobra.Command {
	var (
		project string
		limit   int
	)
	cmd := &cobra.Command{
		Use:     "ready",
		GroupID: "tasks",
		Short:   "List claimable tasks in claim order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if project != "" {
				name, _, err := a.cfg.ResolveProject(project)
				if err != nil {
					return err
				}
				project = name
			}
			tasks, err := a.store.Query(cmd.Context(), persistence.TaskFilter{
				Ready:   true,
				Project: project,
				Order:   persistence.OrderPriority,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if a.json {
				return printJSON(a.out, tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(a.out, "no ready tasks")
				return nil
			}
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, []string{t.ID, "P" + strconv.Itoa(t.Priority), t.Project, truncate(t.Title, 60), strings.Join(t.Tags, ",")})
			}
			renderTable(a.out, []string{"ID", "PRI", "PROJECT", "TITLE", "TAGS"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only this project")
	cmd.Flags().IntVar(&limit, "limit", 0, "at most this many tasks")
	return cmd
}
