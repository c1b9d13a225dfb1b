package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/testhub/internal/models"
	"github.com/joescharf/testhub/internal/store"
)

var (
	reportFormat  string
	exportType    string
	exportProject string
	exportLimit   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long:  "Export projects, bugs, or test runs in various formats.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun(cmd.Context())
	},
}

func init() {
	exportCmd.Flags().StringVar(&reportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "bugs", "Data type: projects, bugs, runs")
	exportCmd.Flags().StringVar(&exportProject, "project", "", "Only bugs of this project id")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 50, "Maximum test runs to export")
	rootCmd.AddCommand(exportCmd)
}

func exportRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}

	switch exportType {
	case "projects":
		return exportProjects(ctx, s)
	case "bugs":
		return exportBugs(ctx, s)
	case "runs":
		return exportRuns(ctx, s)
	default:
		return fmt.Errorf("unknown export type: %s (use: projects, bugs, runs)", exportType)
	}
}


func writeCSV(header []string, rows [][]string) error {
	w := csv.NewWriter(ui.Out)
	_ = w.Write(header)
	for _, r := range rows {
		_ = w.Write(r)
	}
	w.Flush()
	return w.Error()
}

func exportProjects(ctx context.Context, s store.Store) error {
	projects, err := s.ListProjects(ctx, "")
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		return printJSON(projects)
	case "csv":
		rows := make([][]string, len(projects))
		for i, p := range projects {
			rows[i] = []string{p.ID, p.Name, p.Description, p.OwnerID, p.CreatedAt.Format("2006-01-02")}
		}
		return writeCSV([]string{"ID", "Name", "Description", "Owner", "Created"}, rows)
	case "markdown":
		fmt.Fprintln(ui.Out, "# Projects")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Name | Description | Created |")
		fmt.Fprintln(ui.Out, "|------|-------------|---------|")
		for _, p := range projects {
			fmt.Fprintf(ui.Out, "| %s | %s | %s |\n", p.Name, p.Description, p.CreatedAt.Format("2006-01-02"))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportBugs(ctx context.Context, s store.Store) error {
	bugs, err := s.ListBugs(ctx, store.BugListFilter{ProjectID: exportProject})
	if err != nil {
		return err
	}

	switch reportFormat {
	case "json":
		return printJSON(bugs)
	case "csv":
		rows := make([][]string, len(bugs))
		for i, b := range bugs {
			assignee := ""
			if b.AssigneeID != nil {
				assignee = *b.AssigneeID
			}
			rows[i] = []string{b.ID, b.ProjectID, b.Title, string(b.Status), string(b.Severity), string(b.Priority), b.ReporterID, assignee, b.CreatedAt.Format("2006-01-02")}
		}
		return writeCSV([]string{"ID", "ProjectID", "Title", "Status", "Severity", "Priority", "Reporter", "Assignee", "Created"}, rows)
	case "markdown":
		fmt.Fprintln(ui.Out, "# Bugs")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Title | Status | Severity | Priority |")
		fmt.Fprintln(ui.Out, "|-------|--------|----------|----------|")
		for _, b := range bugs {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s |\n", b.Title, b.Status, b.Severity, b.Priority)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}

func exportRuns(ctx context.Context, s store.Store) error {
	runs, err := s.ListTestRuns(ctx, "", exportLimit)
	if err != nil {
		return err
	}

	summary := func(r *models.TestRun) (total, passed, failed string) {
		if r.Summary == nil {
			return "", "", ""
		}
		return strconv.Itoa(r.Summary.Total), strconv.Itoa(r.Summary.Passed), strconv.Itoa(r.Summary.Failed)
	}

	switch reportFormat {
	case "json":
		return printJSON(runs)
	case "csv":
		rows := make([][]string, len(runs))
		for i, r := range runs {
			total, passed, failed := summary(r)
			finished := ""
			if r.FinishedAt != nil {
				finished = r.FinishedAt.Format("2006-01-02T15:04:05Z07:00")
			}
			rows[i] = []string{r.ID, r.RunType, string(r.Status), r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), finished, total, passed, failed, r.Error}
		}
		return writeCSV([]string{"ID", "Type", "Status", "Started", "Finished", "Total", "Passed", "Failed", "Error"}, rows)
	case "markdown":
		fmt.Fprintln(ui.Out, "# Test Runs")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Run | Status | Started | Passed | Failed |")
		fmt.Fprintln(ui.Out, "|-----|--------|---------|--------|--------|")
		for _, r := range runs {
			_, passed, failed := summary(r)
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s |\n", r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04"), passed, failed)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportFormat)
	}
}
