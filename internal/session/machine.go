// Package session owns the lifecycle of the one live job of a client session:
// submission, event-driven progress, terminal outcome and artifact retrieval.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/questiondoc/internal/client"
	"github.com/raphaelgruber/questiondoc/internal/events"
	"github.com/raphaelgruber/questiondoc/internal/metrics"
	"github.com/raphaelgruber/questiondoc/internal/models"
	"github.com/raphaelgruber/questiondoc/internal/validate"
)

// StepStarted is shown between a successful submission and the first progress event.
const StepStarted = "PDF uploaded. Processing started..."

// WarningDisconnected is set while the event channel is down during processing.
const WarningDisconnected = "Connection to server lost, reconnecting..."

// WarningChannelClosed is set when the event channel gave up during processing.
const WarningChannelClosed = "Live updates stopped; the job keeps running on the server"

// Submitter creates backend jobs.
type Submitter interface {
	CreateJob(ctx context.Context, params models.SubmissionParams) (models.JobHandle, *models.JobStatus, error)
}

// Retriever opens finished artifacts.
type Retriever interface {
	Download(ctx context.Context, jobID string) (*client.Artifact, error)
}

// StatusFetcher reads the server's job record.
type StatusFetcher interface {
	GetJob(ctx context.Context, jobID string) (*models.JobStatus, error)
}

// Subscription is a registration that can be released exactly once.
type Subscription interface {
	Close()
}

// EventSource registers per-job event handlers.
type EventSource interface {
	Subscribe(jobID string, handler events.Handler) (Subscription, error)
}

// Snapshot is what observers see after every change.
type Snapshot struct {
	State models.JobState
	JobID string
	// Warning is a non-terminal notice, e.g. a lost event connection.
	Warning   string
	LastError error
}

// Deps wires a Machine to its collaborators.
type Deps struct {
	Validator *validate.Validator
	Submitter Submitter
	Events    EventSource
	Retriever Retriever
	// Status is optional; without it there is no reconciliation after a reconnect.
	Status  StatusFetcher
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Machine is the single authority over the current job's state.
// Transitions are serialised; observers run outside the lock in transition order.
type Machine struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	state     models.JobState
	handle    models.JobHandle
	params    models.SubmissionParams
	sub       Subscription
	warning   string
	lastErr   error
	observers []func(Snapshot)
	queue     []Snapshot
	draining  bool
}

// NewMachine creates a Machine in Idle.
func NewMachine(deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Validator == nil {
		deps.Validator = &validate.Validator{Logger: logger}
	}
	return &Machine{
		deps:   deps,
		logger: logger.With("component", "machine"),
		state:  models.Idle(),
	}
}

// Observe registers fn to receive a Snapshot after every change.
// fn must not block for long; it runs on whichever goroutine caused the change.
func (m *Machine) Observe(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *Machine) State() models.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current snapshot.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Submit validates raw, uploads the document and starts tracking the new job.
// Invalid input leaves the machine Idle and returns a *models.ValidationError.
// A failed upload moves the machine to Failed and returns a *models.SubmissionError.
func (m *Machine) Submit(ctx context.Context, raw models.RawParams) error {
	m.mu.Lock()
	if m.state.Phase() != models.PhaseIdle {
		m.mu.Unlock()
		return models.ErrJobInFlight
	}

	params, err := m.deps.Validator.Params(raw)
	if err != nil {
		m.lastErr = err
		m.enqueueLocked()
		m.mu.Unlock()
		m.flush()
		return err
	}

	m.params = params
	m.lastErr = nil
	m.warning = ""
	m.transitionLocked(models.Uploading())
	m.mu.Unlock()
	m.flush()

	// The Uploading guard keeps the network call exclusive without holding the lock.
	done := m.deps.Metrics.Time(metrics.OpSubmit)
	handle, status, err := m.deps.Submitter.CreateJob(ctx, params)
	done(err)

	m.mu.Lock()
	if err != nil {
		m.lastErr = err
		m.transitionLocked(models.Failed(failureDetail(err)))
		m.logger.Warn("submission failed", "error", err)
		m.mu.Unlock()
		m.flush()
		return err
	}

	m.handle = handle
	step := StepStarted
	if status != nil && status.Step() != "" {
		step = status.Step()
	}
	m.transitionLocked(models.Processing(0, step))
	m.logger.Info("job submitted", "job_id", handle.ID, "pages", fmt.Sprintf("%d-%d", params.PageStart, params.PageEnd))
	m.mu.Unlock()
	m.flush()

	// Subscribing may write to the socket; events that race it are filtered
	// by HandleEvent on job id and phase.
	sub, err := m.deps.Events.Subscribe(handle.ID, m.HandleEvent)

	m.mu.Lock()
	current := m.handle.ID == handle.ID
	if err != nil {
		if !current || m.state.Phase() != models.PhaseProcessing {
			m.mu.Unlock()
			return nil
		}
		err = fmt.Errorf("subscribe to job events: %w", err)
		m.lastErr = err
		m.transitionLocked(models.Failed(err.Error()))
		m.logger.Error("subscribe failed", "job_id", handle.ID, "error", err)
		m.mu.Unlock()
		m.flush()
		return err
	}
	if !current {
		// Reset while subscribing.
		m.mu.Unlock()
		sub.Close()
		return nil
	}
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// HandleEvent applies one channel event. Events for another job, or arriving
// after a terminal state, are dropped.
func (m *Machine) HandleEvent(ev events.Event) {
	m.mu.Lock()
	if ev.JobID == "" || ev.JobID != m.handle.ID || m.state.Phase() != models.PhaseProcessing {
		m.logger.Debug("event dropped", "event", ev.Kind, "job_id", ev.JobID, "state", m.state.String())
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case events.KindProgress:
		step := ev.Progress.Step
		if step == "" {
			step = m.state.Step()
		}
		m.transitionLocked(models.Processing(ev.Progress.Progress, step))
	case events.KindComplete:
		m.warning = ""
		m.transitionLocked(models.Completed(ev.Result))
		m.logger.Info("job completed", "job_id", ev.JobID, "questions", ev.Result.TotalQuestions, "output", ev.Result.OutputFilename)
	case events.KindError:
		msg := "processing failed"
		if ev.Err != nil {
			msg = ev.Err.Message
			m.lastErr = ev.Err
		}
		m.warning = ""
		m.transitionLocked(models.Failed(msg))
		m.logger.Warn("job failed", "job_id", ev.JobID, "reason", msg)
	default:
		m.logger.Debug("unknown event kind", "event", ev.Kind)
	}
	m.mu.Unlock()
	m.flush()
}

// Reset abandons the current job and returns to Idle, releasing the
// subscription first. A job still processing keeps running on the server.
// Reset while the upload is in flight returns ErrUploadInFlight; in Idle it does nothing.
func (m *Machine) Reset() error {
	m.mu.Lock()
	switch m.state.Phase() {
	case models.PhaseIdle:
		m.mu.Unlock()
		return nil
	case models.PhaseUploading:
		m.mu.Unlock()
		return models.ErrUploadInFlight
	}

	// Release the subscription before Idle so a later Submit cannot subscribe
	// ahead of the unsubscribe.
	if sub := m.sub; sub != nil {
		m.sub = nil
		m.mu.Unlock()
		sub.Close()
		m.mu.Lock()
		switch m.state.Phase() {
		case models.PhaseIdle, models.PhaseUploading:
			// A concurrent Reset finished first.
			m.mu.Unlock()
			return nil
		}
	}
	if m.state.Phase() == models.PhaseProcessing {
		m.logger.Info("job abandoned", "job_id", m.handle.ID)
	}
	m.handle = models.JobHandle{}
	m.params = models.SubmissionParams{}
	m.warning = ""
	m.lastErr = nil
	m.transitionLocked(models.Idle())
	m.mu.Unlock()
	m.flush()
	return nil
}

// OnChannelStatus folds event-channel connectivity into the snapshot warning.
// It reports whether the caller should Reconcile, which is after a reconnect
// while processing.
func (m *Machine) OnChannelStatus(s events.Status) (reconcile bool) {
	m.mu.Lock()
	if m.state.Phase() != models.PhaseProcessing {
		m.mu.Unlock()
		return false
	}

	switch s {
	case events.StatusDisconnected, events.StatusReconnecting:
		if m.warning == WarningDisconnected {
			m.mu.Unlock()
			return false
		}
		m.warning = WarningDisconnected
	case events.StatusConnected:
		if m.warning == "" {
			m.mu.Unlock()
			return false
		}
		m.warning = ""
		reconcile = true
	case events.StatusClosed:
		m.warning = WarningChannelClosed
	}
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()
	return reconcile
}

// Reconcile reads the job record and applies it as if it were the matching
// event. It catches up on events missed while the channel was down.
func (m *Machine) Reconcile(ctx context.Context) error {
	if m.deps.Status == nil {
		return nil
	}

	m.mu.Lock()
	if m.state.Phase() != models.PhaseProcessing {
		m.mu.Unlock()
		return nil
	}
	id := m.handle.ID
	m.mu.Unlock()

	done := m.deps.Metrics.Time(metrics.OpStatus)
	st, err := m.deps.Status.GetJob(ctx, id)
	done(err)
	if err != nil {
		m.logger.Warn("reconcile failed", "job_id", id, "error", err)
		return fmt.Errorf("reconcile job: %w", err)
	}

	m.logger.Debug("reconciled", "job_id", id, "status", st.Status, "progress", st.Progress)
	switch st.Status {
	case models.StatusCompleted:
		m.HandleEvent(events.CompleteEventFor(id, st.Result()))
	case models.StatusFailed:
		m.HandleEvent(events.ErrorEventFor(id, st.Failure()))
	default:
		m.HandleEvent(events.ProgressEventFor(id, st.Progress, st.Step()))
	}
	return nil
}

// Download saves the finished artifact into dir and returns its path.
// It is only valid in Completed; a failure returns a *models.DownloadError and
// leaves the state unchanged so the user can retry.
func (m *Machine) Download(ctx context.Context, dir string) (string, error) {
	m.mu.Lock()
	result, ok := m.state.Result()
	if !ok {
		m.mu.Unlock()
		return "", models.ErrNotCompleted
	}
	id := m.handle.ID
	requested := m.params.OutputFilename
	m.mu.Unlock()

	done := m.deps.Metrics.Time(metrics.OpDownload)
	path, err := SaveArtifact(ctx, m.deps.Retriever, id, result, requested, dir)
	done(err)

	m.mu.Lock()
	m.lastErr = err
	m.enqueueLocked()
	m.mu.Unlock()
	m.flush()

	if err != nil {
		m.logger.Warn("download failed", "job_id", id, "error", err)
		return "", err
	}
	m.logger.Info("artifact saved", "job_id", id, "path", path)
	return path, nil
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:     m.state,
		JobID:     m.handle.ID,
		Warning:   m.warning,
		LastError: m.lastErr,
	}
}

func (m *Machine) transitionLocked(next models.JobState) {
	m.logger.Debug("transition", "from", m.state.String(), "to", next.String(), "job_id", m.handle.ID)
	m.state = next
	m.enqueueLocked()
}

func (m *Machine) enqueueLocked() {
	m.queue = append(m.queue, m.snapshotLocked())
}

// flush delivers queued snapshots outside the lock. Only one goroutine drains
// at a time so observers see snapshots in transition order.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		batch := m.queue
		m.queue = nil
		observers := append(([]func(Snapshot))(nil), m.observers...)
		m.mu.Unlock()

		for _, snap := range batch {
			for _, fn := range observers {
				fn(snap)
			}
		}

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func failureDetail(err error) string {
	var subErr *models.SubmissionError
	if errors.As(err, &subErr) {
		return subErr.Detail
	}
	return err.Error()
}
