package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/questiondoc/internal/models"
	"github.com/raphaelgruber/questiondoc/internal/session"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Warning    lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// snapshotMsg carries a machine snapshot into the UI loop.
type snapshotMsg session.Snapshot

// submitDoneMsg reports the result of the submit call.
type submitDoneMsg struct {
	err error
}

// progressModel is the bubbletea model for job progress. It renders only
// from machine snapshots.
type progressModel struct {
	submit   func() error
	fileName string
	snap     session.Snapshot
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a new progress model.
func newProgressModel(fileName string, submit func() error) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		submit:   submit,
		fileName: fileName,
		snap:     session.Snapshot{State: models.Idle()},
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts the submission.
func (m progressModel) Init() tea.Cmd {
	submit := m.submit
	return tea.Batch(
		func() tea.Msg { return submitDoneMsg{err: submit()} },
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case submitDoneMsg:
		// A failed upload also arrives as a Failed snapshot. Only rejections
		// that never left Idle end the view here.
		var vErr *models.ValidationError
		if errors.As(msg.err, &vErr) || errors.Is(msg.err, models.ErrJobInFlight) {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		if m.snap.State.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.quitting {
		return ""
	}

	var b strings.Builder
	st := m.snap.State
	switch st.Phase() {
	case models.PhaseIdle, models.PhaseUploading:
		b.WriteString(m.theme.statusStyle().Render("[uploading]"))
		fmt.Fprintf(&b, " %s\n", m.fileName)
	case models.PhaseProcessing:
		status := m.theme.statusStyle().Render("[processing]")
		fmt.Fprintf(&b, "%s %s %3d%%\n", status, m.progress.ViewAs(float64(st.Progress())/100), st.Progress())
		if st.Step() != "" {
			fmt.Fprintf(&b, "  %s\n", st.Step())
		}
	}

	if m.snap.Warning != "" {
		b.WriteString(m.theme.warningStyle().Render("! "+m.snap.Warning) + "\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to stop following; the job keeps running on the server"))
	b.WriteString("\n")
	return b.String()
}

// finalView renders the outcome line. The caller prints the details.
func (m progressModel) finalView() string {
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("✗ %s", m.err)) + "\n"
	}

	st := m.snap.State
	switch st.Phase() {
	case models.PhaseCompleted:
		return m.theme.completedStyle().Render("✓ Completed") + " " + m.progress.ViewAs(1) + "\n"
	case models.PhaseFailed:
		return m.theme.errorStyle().Render(fmt.Sprintf("✗ Job failed: %s", st.Reason())) + "\n"
	}
	return ""
}

// followTUI runs the interactive progress UI for one submission.
func followTUI(ctx context.Context, mach *session.Machine, raw models.RawParams) (followOutcome, error) {
	submitted := make(chan error, 1)
	model := newProgressModel(raw.File.Name, func() error {
		err := mach.Submit(ctx, raw)
		submitted <- err
		return err
	})
	p := tea.NewProgram(model, tea.WithContext(ctx))

	mach.Observe(func(s session.Snapshot) {
		p.Send(snapshotMsg(s))
	})

	finalModel, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return outcomeTerminal, fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.err != nil {
			return outcomeTerminal, m.err
		}
		if m.done {
			return outcomeTerminal, nil
		}
	}

	// User quit, or the process was signalled.
	return settleDetach(mach, submitted), nil
}

// settleDetach waits out an upload still in flight so the caller learns the
// job id, then reports how following ended.
func settleDetach(mach *session.Machine, submitted <-chan error) followOutcome {
	if mach.State().Phase() == models.PhaseUploading {
		<-submitted
	}
	if mach.State().Terminal() {
		return outcomeTerminal
	}
	return outcomeDetached
}
