package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/questiondoc/internal/client"
	"github.com/raphaelgruber/questiondoc/internal/metrics"
	"github.com/raphaelgruber/questiondoc/internal/models"
	"github.com/raphaelgruber/questiondoc/internal/session"
)

var (
	dlDir    string
	dlOutput string
)

var downloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download the document of a completed job",
	Long: `Download the generated document of a job that finished earlier, for
example one left running with Ctrl+C.

Examples:
  qdoc download 3f2b9c1e-...
  qdoc download 3f2b9c1e-... --dir ./out --output chapter3.docx`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&dlDir, "dir", "d", "", "download directory (default QDOC_DOWNLOAD_DIR)")
	downloadCmd.Flags().StringVarP(&dlOutput, "output", "o", "", "file name when the server does not name the document")
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]
	c := apiClient()

	done := collector.Time(metrics.OpStatus)
	job, err := c.GetJob(ctx, id)
	done(err)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("job not found: %s", id)
		}
		return err
	}

	switch job.Status {
	case models.StatusCompleted:
	case models.StatusFailed:
		return fmt.Errorf("job %s failed: %s", id, job.Failure())
	default:
		return fmt.Errorf("job %s is %s (%d%%), not completed yet", id, job.Status, job.Progress)
	}

	dir := dlDir
	if dir == "" {
		dir = cfg.DownloadDir
	}
	requested := dlOutput
	if requested == "" {
		requested = cfg.DefaultOutput
	}

	done = collector.Time(metrics.OpDownload)
	path, err := session.SaveArtifact(ctx, c, id, job.Result(), requested, dir)
	done(err)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
	if verbose {
		printMetrics(cmd.OutOrStdout(), collector.Snapshot())
	}
	return nil
}
