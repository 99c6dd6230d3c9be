package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/raphaelgruber/questiondoc/internal/models"
	"github.com/raphaelgruber/questiondoc/internal/session"
)

// plainRenderer prints one line per visible change. Used when stdout is not a
// terminal or --plain is set.
type plainRenderer struct {
	mu      sync.Mutex
	w       io.Writer
	last    string
	warning string
}

func (r *plainRenderer) render(s session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Warning != r.warning {
		if s.Warning != "" {
			fmt.Fprintf(r.w, "! %s\n", s.Warning)
		} else if r.warning != "" {
			fmt.Fprintln(r.w, "! Connection restored")
		}
		r.warning = s.Warning
	}

	var line string
	switch s.State.Phase() {
	case models.PhaseUploading:
		line = "Uploading PDF..."
	case models.PhaseProcessing:
		line = fmt.Sprintf("[%3d%%] %s", s.State.Progress(), s.State.Step())
	case models.PhaseCompleted:
		line = "[100%] Done"
	case models.PhaseFailed:
		line = fmt.Sprintf("Failed: %s", s.State.Reason())
	default:
		return
	}
	if line == r.last {
		return
	}
	r.last = line
	fmt.Fprintln(r.w, line)
}

// followPlain submits raw and prints progress until the job is terminal or
// ctx is cancelled.
func followPlain(ctx context.Context, m *session.Machine, raw models.RawParams, w io.Writer) (followOutcome, error) {
	r := &plainRenderer{w: w}
	terminal := make(chan struct{}, 1)
	m.Observe(func(s session.Snapshot) {
		r.render(s)
		if s.State.Terminal() {
			select {
			case terminal <- struct{}{}:
			default:
			}
		}
	})

	if err := m.Submit(ctx, raw); err != nil {
		if m.State().Phase() == models.PhaseFailed {
			return outcomeTerminal, nil
		}
		return outcomeTerminal, err
	}
	if job := m.Snapshot().JobID; job != "" {
		fmt.Fprintf(w, "Job %s\n", job)
	}

	select {
	case <-terminal:
		return outcomeTerminal, nil
	case <-ctx.Done():
		if m.State().Terminal() {
			return outcomeTerminal, nil
		}
		return outcomeDetached, nil
	}
}
