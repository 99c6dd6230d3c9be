package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/questiondoc/internal/models"
)

// SaveArtifact downloads the artifact of jobID into dir.
// The file name is result.OutputFilename, else the server's Content-Disposition
// name, else requested, else models.DefaultOutputFilename. The body is written
// to a temp file in dir and renamed into place, so a failed download never
// leaves a partial file under the final name.
func SaveArtifact(ctx context.Context, r Retriever, jobID string, result models.JobResult, requested, dir string) (string, error) {
	if dir == "" {
		dir = "."
	}

	a, err := r.Download(ctx, jobID)
	if err != nil {
		var dErr *models.DownloadError
		if errors.As(err, &dErr) {
			return "", err
		}
		return "", &models.DownloadError{Detail: err.Error()}
	}
	defer a.Close()

	if result.OutputFilename == "" {
		result.OutputFilename = a.Filename
	}
	name := models.OutputName(result, requested)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &models.DownloadError{Detail: fmt.Sprintf("create directory: %v", err)}
	}

	tmp, err := os.CreateTemp(dir, ".qdoc-*.part")
	if err != nil {
		return "", &models.DownloadError{Detail: fmt.Sprintf("create temp file: %v", err)}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, a.Body); err != nil {
		tmp.Close()
		return "", &models.DownloadError{Detail: fmt.Sprintf("write file: %v", err)}
	}
	if err := tmp.Close(); err != nil {
		return "", &models.DownloadError{Detail: fmt.Sprintf("write file: %v", err)}
	}

	dest := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", &models.DownloadError{Detail: fmt.Sprintf("save file: %v", err)}
	}
	committed = true
	return dest, nil
}
