// Package models defines the data structures shared by the qdoc job client.
package models

import "time"

// JobHandle identifies one backend job. It is assigned by the server at
// submission time and never changes.
type JobHandle struct {
	ID string `json:"job_id"`
}

// Document is the PDF blob being uploaded.
type Document struct {
	Name string
	Data []byte
}

// Size returns the document size in bytes.
func (d *Document) Size() int64 {
	if d == nil {
		return 0
	}
	return int64(len(d.Data))
}

// RawParams holds the submission form as entered by the user.
// Range fields are unparsed strings.
type RawParams struct {
	File           *Document
	PageStart      string
	PageEnd        string
	QuestionStart  string
	QuestionEnd    string
	ChapterName    string
	UnitName       string
	OutputFilename string
}

// SubmissionParams is a validated submission.
type SubmissionParams struct {
	File           *Document
	PageStart      int
	PageEnd        int
	QuestionStart  int
	QuestionEnd    int
	ChapterName    string
	UnitName       string
	OutputFilename string
}

// JobResult describes the finished artifact.
type JobResult struct {
	OutputFilename   string `json:"output_filename"`
	TotalQuestions   int    `json:"total_questions"`
	DiagramsDetected int    `json:"diagrams_detected"`
}

// ProgressEvent is a transient progress update from the event channel.
type ProgressEvent struct {
	Progress  int    `json:"progress"`
	Step      string `json:"step"`
	Timestamp string `json:"timestamp"`
}

// Server-side job statuses.
const (
	StatusPending    = "pending"
	StatusParsing    = "parsing"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// JobStatus is the job record returned by the REST API.
type JobStatus struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id,omitempty"`
	PDFFilename      string     `json:"pdf_filename,omitempty"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	CurrentStep      *string    `json:"current_step,omitempty"`
	OutputFilename   *string    `json:"output_filename,omitempty"`
	TotalQuestions   *int       `json:"total_questions,omitempty"`
	DiagramsDetected *int       `json:"diagrams_detected,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Handle returns the job handle. The create endpoint may answer with either
// "id" or "job_id".
func (s *JobStatus) Handle() JobHandle {
	if s.JobID != "" {
		return JobHandle{ID: s.JobID}
	}
	return JobHandle{ID: s.ID}
}

// Step returns the current step or an empty string.
func (s *JobStatus) Step() string {
	if s.CurrentStep == nil {
		return ""
	}
	return *s.CurrentStep
}

// Result builds a JobResult from a completed record.
func (s *JobStatus) Result() JobResult {
	var r JobResult
	if s.OutputFilename != nil {
		r.OutputFilename = *s.OutputFilename
	}
	if s.TotalQuestions != nil {
		r.TotalQuestions = *s.TotalQuestions
	}
	if s.DiagramsDetected != nil {
		r.DiagramsDetected = *s.DiagramsDetected
	}
	return r
}

// Failure returns the recorded error message, or a generic one.
func (s *JobStatus) Failure() string {
	if s.ErrorMessage != nil && *s.ErrorMessage != "" {
		return *s.ErrorMessage
	}
	return "job failed with unknown error"
}

// IsProcessing reports whether the server is still working on the job.
func (s *JobStatus) IsProcessing() bool {
	switch s.Status {
	case StatusPending, StatusParsing, StatusGenerating:
		return true
	}
	return false
}

// JobList is a page of job records.
type JobList struct {
	Jobs  []JobStatus `json:"jobs"`
	Total int         `json:"total"`
}

// Health is the backend health report.
type Health struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
}
