package models

import "fmt"

// Phase names the variant of a JobState.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUploading
	PhaseProcessing
	PhaseCompleted
	PhaseFailed
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUploading:
		return "uploading"
	case PhaseProcessing:
		return "processing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobState is the single live state of the current job.
// Fields are unexported; build states with the constructors below so that
// only valid combinations exist.
type JobState struct {
	phase    Phase
	progress int
	step     string
	result   *JobResult
	reason   string
}

// Idle is the state before a submission and after a reset.
func Idle() JobState {
	return JobState{phase: PhaseIdle}
}

// Uploading is the state while the job-creation request is in flight.
func Uploading() JobState {
	return JobState{phase: PhaseUploading}
}

// Processing is the state while the backend works on the job.
// Progress is clamped to [0,100].
func Processing(progress int, step string) JobState {
	return JobState{phase: PhaseProcessing, progress: clampPercent(progress), step: step}
}

// Completed is the terminal success state. Progress is always 100.
func Completed(result JobResult) JobState {
	r := result
	return JobState{phase: PhaseCompleted, progress: 100, result: &r}
}

// Failed is the terminal failure state.
func Failed(reason string) JobState {
	return JobState{phase: PhaseFailed, reason: reason}
}

// Phase returns the state variant.
func (s JobState) Phase() Phase { return s.phase }

// Progress returns the percentage in [0,100]. Only meaningful for
// Processing and Completed.
func (s JobState) Progress() int { return s.progress }

// Step returns the current processing step.
func (s JobState) Step() string { return s.step }

// Result returns the job result; ok is false unless the state is Completed.
func (s JobState) Result() (JobResult, bool) {
	if s.phase != PhaseCompleted || s.result == nil {
		return JobResult{}, false
	}
	return *s.result, true
}

// Reason returns the failure reason for a Failed state.
func (s JobState) Reason() string { return s.reason }

// Terminal reports whether the state is Completed or Failed.
func (s JobState) Terminal() bool {
	return s.phase == PhaseCompleted || s.phase == PhaseFailed
}

// String renders the state for logs.
func (s JobState) String() string {
	switch s.phase {
	case PhaseProcessing:
		return fmt.Sprintf("processing(%d, %q)", s.progress, s.step)
	case PhaseCompleted:
		return fmt.Sprintf("completed(%s)", s.result.OutputFilename)
	case PhaseFailed:
		return fmt.Sprintf("failed(%q)", s.reason)
	default:
		return s.phase.String()
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
