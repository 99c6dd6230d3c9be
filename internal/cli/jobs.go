package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/questiondoc/internal/client"
	"github.com/raphaelgruber/questiondoc/internal/models"
)

var (
	jobsStatus string
	jobsLimit  int
	jobsOffset int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs on the server",
	Long: `List recent jobs or inspect a specific job by ID.

Examples:
  qdoc jobs                      # List recent jobs
  qdoc jobs --status completed   # Only completed jobs
  qdoc jobs 3f2b9c1e-...         # Show details for one job
  qdoc jobs delete 3f2b9c1e-...  # Delete a finished job and its files`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteJob(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "filter by status (pending, parsing, generating, completed, failed)")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "maximum jobs to list (server caps at 100)")
	jobsCmd.Flags().IntVar(&jobsOffset, "offset", 0, "jobs to skip")
	jobsCmd.AddCommand(jobsDeleteCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c := apiClient()

	// If job ID provided, show that specific job
	if len(args) == 1 {
		return showJob(ctx, cmd.OutOrStdout(), c, args[0])
	}

	list, err := c.ListJobs(ctx, client.ListOptions{Limit: jobsLimit, Offset: jobsOffset, Status: jobsStatus})
	if err != nil {
		return err
	}
	renderJobList(cmd.OutOrStdout(), list, time.Now())
	return nil
}

func renderJobList(w io.Writer, list *models.JobList, now time.Time) {
	if len(list.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "File", "Status", "Progress", "Questions", "Created"})

	for _, job := range list.Jobs {
		questions := ""
		if job.TotalQuestions != nil {
			questions = fmt.Sprintf("%d", *job.TotalQuestions)
		}
		created := ""
		if job.CreatedAt != nil {
			created = humanize.RelTime(*job.CreatedAt, now, "ago", "from now")
		}
		tw.AppendRow(table.Row{job.Handle().ID, job.PDFFilename, job.Status, fmt.Sprintf("%d%%", job.Progress), questions, created})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	tw.AppendFooter(table.Row{"", "", "", "", "Total", list.Total})
	tw.Render()
}

func showJob(ctx context.Context, w io.Writer, c *client.Client, id string) error {
	job, err := c.GetJob(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("job not found: %s", id)
		}
		return err
	}
	renderJob(w, job)
	return nil
}

func renderJob(w io.Writer, job *models.JobStatus) {
	fmt.Fprintf(w, "Job: %s\n", job.Handle().ID)
	if job.PDFFilename != "" {
		fmt.Fprintf(w, "  File: %s\n", job.PDFFilename)
	}
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Progress: %d%%\n", job.Progress)
	if step := job.Step(); step != "" {
		fmt.Fprintf(w, "  Step: %s\n", step)
	}
	if job.CreatedAt != nil {
		fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		if job.CreatedAt != nil {
			fmt.Fprintf(w, "  Duration: %s\n", job.CompletedAt.Sub(*job.CreatedAt).Round(time.Second))
		}
	}
	if job.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires: %s\n", humanize.Time(*job.ExpiresAt))
	}

	if job.Status == models.StatusFailed {
		fmt.Fprintf(w, "  Error: %s\n", job.Failure())
	}

	if job.Status == models.StatusCompleted {
		r := job.Result()
		fmt.Fprintln(w, "\nResult:")
		if r.OutputFilename != "" {
			fmt.Fprintf(w, "  Output: %s\n", r.OutputFilename)
		}
		fmt.Fprintf(w, "  Questions: %d\n", r.TotalQuestions)
		fmt.Fprintf(w, "  Diagrams detected: %d\n", r.DiagramsDetected)
	}
}
