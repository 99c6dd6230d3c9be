package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/raphaelgruber/questiondoc/internal/models"
	"github.com/raphaelgruber/questiondoc/internal/session"
)

var (
	genPageStart     string
	genPageEnd       string
	genQuestionStart string
	genQuestionEnd   string
	genChapter       string
	genUnit          string
	genOutput        string
	genDir           string
	genNoDownload    bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <file.pdf>",
	Short: "Generate a question document from a PDF",
	Long: `Upload a PDF, follow generation progress live and download the result.

Ctrl+C stops following the job. The backend keeps processing it and the
result can be fetched later with 'qdoc download <job-id>'.

Examples:
  qdoc generate chapter3.pdf --page-start 1 --page-end 12 --question-start 1 --question-end 40
  qdoc generate unit2.pdf --page-start 5 --page-end 9 --question-start 1 --question-end 15 \
      --chapter "Chapter 3" --unit "Unit 2" --output unit2.docx --dir ./out`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genPageStart, "page-start", "", "first page to read (1-based)")
	generateCmd.Flags().StringVar(&genPageEnd, "page-end", "", "last page to read")
	generateCmd.Flags().StringVar(&genQuestionStart, "question-start", "", "first question number")
	generateCmd.Flags().StringVar(&genQuestionEnd, "question-end", "", "last question number")
	generateCmd.Flags().StringVarP(&genChapter, "chapter", "c", "", "chapter name for the document heading")
	generateCmd.Flags().StringVarP(&genUnit, "unit", "u", "", "unit name for the document heading")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "", "output file name (default from server, else QDOC_DEFAULT_OUTPUT)")
	generateCmd.Flags().StringVarP(&genDir, "dir", "d", "", "download directory (default QDOC_DOWNLOAD_DIR)")
	generateCmd.Flags().BoolVar(&genNoDownload, "no-download", false, "do not download the result")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	output := genOutput
	if output == "" {
		output = cfg.DefaultOutput
	}
	raw := models.RawParams{
		File:           &models.Document{Name: filepath.Base(path), Data: data},
		PageStart:      genPageStart,
		PageEnd:        genPageEnd,
		QuestionStart:  genQuestionStart,
		QuestionEnd:    genQuestionEnd,
		ChapterName:    genChapter,
		UnitName:       genUnit,
		OutputFilename: output,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(cfg, logger, collector)
	sess.Start(ctx)
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close", "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File: %s (%s)\n", raw.File.Name, humanize.Bytes(uint64(raw.File.Size())))

	var outcome followOutcome
	if interactive() {
		outcome, err = followTUI(ctx, sess.Machine(), raw)
	} else {
		outcome, err = followPlain(ctx, sess.Machine(), raw, out)
	}
	if err != nil {
		return err
	}

	if verbose {
		defer func() { printMetrics(out, collector.Snapshot()) }()
	}
	return finish(ctx, out, sess.Machine(), outcome)
}

// followOutcome is how following a job ended.
type followOutcome int

const (
	outcomeTerminal followOutcome = iota
	outcomeDetached
)

// finish reports the terminal state and downloads on success.
func finish(ctx context.Context, out io.Writer, m *session.Machine, outcome followOutcome) error {
	snap := m.Snapshot()

	if outcome == outcomeDetached {
		if snap.JobID == "" {
			return errors.New("interrupted before the job was created")
		}
		if err := m.Reset(); err != nil {
			return fmt.Errorf("stop following job: %w", err)
		}
		fmt.Fprintf(out, "\nJob %s continues on the server.\nUse 'qdoc download %s' to fetch the result later.\n", snap.JobID, snap.JobID)
		return nil
	}

	switch snap.State.Phase() {
	case models.PhaseFailed:
		return fmt.Errorf("job failed: %s", snap.State.Reason())
	case models.PhaseCompleted:
		r, _ := snap.State.Result()
		fmt.Fprintf(out, "Completed: %d questions, %d diagrams detected\n", r.TotalQuestions, r.DiagramsDetected)
		if genNoDownload {
			fmt.Fprintf(out, "Skipping download. Use 'qdoc download %s' to fetch it.\n", snap.JobID)
			return nil
		}
		dir := genDir
		if dir == "" {
			dir = cfg.DownloadDir
		}
		saved, err := m.Download(ctx, dir)
		if err != nil {
			return fmt.Errorf("%w (retry with 'qdoc download %s')", err, snap.JobID)
		}
		fmt.Fprintf(out, "Saved %s\n", saved)
		return nil
	default:
		return fmt.Errorf("job ended in unexpected state %s", snap.State)
	}
}
