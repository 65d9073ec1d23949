package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/clock"
	"github.com/foremanhq/foreman/internal/store"
	"github.com/foremanhq/foreman/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show project and task status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DBPath(), clock.Real{})
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		if len(args) == 1 {
			return printProjectStatus(ctx, st, args[0])
		}
		return printAllProjects(ctx, st)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusColors = map[models.TaskStatus]*color.Color{
	models.TaskCompleted:   color.New(color.FgGreen),
	models.TaskRunning:     color.New(color.FgCyan),
	models.TaskQueued:      color.New(color.FgBlue),
	models.TaskFailed:      color.New(color.FgRed),
	models.TaskNeedsReview: color.New(color.FgYellow),
	models.TaskCancelled:   color.New(color.Faint),
	models.TaskBlocked:     color.New(color.FgMagenta),
}

func printAllProjects(ctx context.Context, st *store.Store) error {
	projects, err := st.ListProjects(ctx, "", 50, 0)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return nil
	}
	for _, p := range projects {
		counts, err := st.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("%-14s %-28s %-10s %d/%d tasks done  (%s)\n",
			p.ID, truncate(p.Name, 28), p.Status,
			counts[models.TaskCompleted], total,
			time.Unix(int64(p.CreatedAt), 0).Format("2006-01-02 15:04"))
	}
	return nil
}

func printProjectStatus(ctx context.Context, st *store.Store, projectID string) error {
	project, err := st.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	fmt.Printf("%s  (%s)\n", color.New(color.Bold).Sprint(project.Name), project.Status)
	fmt.Println(project.Requirements)
	fmt.Println()

	tasks, err := st.ListTasks(ctx, projectID, "")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		c, ok := statusColors[t.Status]
		if !ok {
			c = color.New()
		}
		line := fmt.Sprintf("  wave %d  %-12s %-30s $%.4f", t.Wave, t.Status, truncate(t.Title, 30), t.CostUSD)
		c.Println(line)
		if t.Error != "" {
			color.New(color.Faint).Printf("           %s\n", truncate(t.Error, 70))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
