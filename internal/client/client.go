// Package client provides an HTTP client for the question-document backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/questiondoc/internal/models"
)

// DefaultTimeout covers large uploads; generation itself is tracked over the event channel.
const DefaultTimeout = 10 * time.Minute

// SessionHeader carries the client session id on every request.
const SessionHeader = "X-Session-ID"

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	sessionID  string
	httpClient *http.Client
}

// New creates a new API client.
// baseURL is the API origin, e.g. http://localhost:8000. A zero timeout means DefaultTimeout.
func New(baseURL string, timeout time.Duration, sessionID string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// apiError is the FastAPI error body. Detail is a string for HTTPException
// and a list of {msg} objects for request validation failures.
type apiError struct {
	Detail json.RawMessage `json:"detail"`
}

// errorDetail extracts a human-readable message from an error response body.
func errorDetail(status int, body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && len(e.Detail) > 0 {
		var s string
		if err := json.Unmarshal(e.Detail, &s); err == nil && s != "" {
			return s
		}
		var list []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(e.Detail, &list); err == nil {
			msgs := make([]string, 0, len(list))
			for _, item := range list {
				if item.Msg != "" {
					msgs = append(msgs, item.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("unexpected status %d", status)
}

// CreateJob uploads the document and parameters and returns the handle of the
// new backend job. Failures are *models.SubmissionError. The call is never retried.
func (c *Client) CreateJob(ctx context.Context, params models.SubmissionParams) (models.JobHandle, *models.JobStatus, error) {
	if params.File == nil {
		return models.JobHandle{}, nil, &models.SubmissionError{Detail: "no file"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("pdf_file", params.File.Name)
	if err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{Detail: fmt.Sprintf("build form: %v", err)}
	}
	if _, err := part.Write(params.File.Data); err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{Detail: fmt.Sprintf("build form: %v", err)}
	}

	fields := [][2]string{
		{"page_start", strconv.Itoa(params.PageStart)},
		{"page_end", strconv.Itoa(params.PageEnd)},
		{"question_start", strconv.Itoa(params.QuestionStart)},
		{"question_end", strconv.Itoa(params.QuestionEnd)},
	}
	if params.ChapterName != "" {
		fields = append(fields, [2]string{"chapter_name", params.ChapterName})
	}
	if params.UnitName != "" {
		fields = append(fields, [2]string{"unit_name", params.UnitName})
	}
	if params.OutputFilename != "" {
		fields = append(fields, [2]string{"output_filename", params.OutputFilename})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return models.JobHandle{}, nil, &models.SubmissionError{Detail: fmt.Sprintf("build form: %v", err)}
		}
	}
	if err := w.Close(); err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{Detail: fmt.Sprintf("build form: %v", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs/", &buf)
	if err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{Detail: transportDetail(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{HTTPStatus: resp.StatusCode, Detail: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.JobHandle{}, nil, &models.SubmissionError{HTTPStatus: resp.StatusCode, Detail: errorDetail(resp.StatusCode, body)}
	}

	var status models.JobStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return models.JobHandle{}, nil, &models.SubmissionError{HTTPStatus: resp.StatusCode, Detail: fmt.Sprintf("unmarshal response: %v", err)}
	}
	handle := status.Handle()
	if handle.ID == "" {
		return models.JobHandle{}, nil, &models.SubmissionError{HTTPStatus: resp.StatusCode, Detail: "response carried no job id"}
	}
	return handle, &status, nil
}

// GetJob fetches the job record.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobStatus, error) {
	var status models.JobStatus
	if err := c.getJSON(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &status); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &status, nil
}

// ListOptions filters ListJobs.
type ListOptions struct {
	Limit  int
	Offset int
	Status string
}

// ListJobs fetches a page of job records.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*models.JobList, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	path := "/api/v1/jobs/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list models.JobList
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return &list, nil
}

// DeleteJob removes a job and its files. The backend refuses while the job is processing.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete job: %w", &StatusError{Code: resp.StatusCode, Detail: errorDetail(resp.StatusCode, body)})
	}
	return nil
}

// Health fetches the backend health report.
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	var h models.Health
	if err := c.getJSON(ctx, "/health", &h); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &h, nil
}

// Artifact is an open download stream. The caller must Close it.
type Artifact struct {
	Body io.ReadCloser
	// Filename is taken from Content-Disposition when the server sends one.
	Filename string
	Size     int64
}

// Close closes the body.
func (a *Artifact) Close() error {
	return a.Body.Close()
}

// Download opens the finished artifact. Failures are *models.DownloadError.
func (c *Client) Download(ctx context.Context, jobID string) (*Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/download", nil)
	if err != nil {
		return nil, &models.DownloadError{Detail: err.Error()}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.DownloadError{Detail: transportDetail(err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &models.DownloadError{HTTPStatus: resp.StatusCode, Detail: errorDetail(resp.StatusCode, body)}
	}

	a := &Artifact{Body: resp.Body, Size: resp.ContentLength}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, p, err := mime.ParseMediaType(cd); err == nil {
			a.Filename = p["filename"]
		}
	}
	return a, nil
}

// StatusError is a non-2xx response from a read endpoint.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: %d - %s", e.Code, e.Detail)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Detail: errorDetail(resp.StatusCode, body)}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}
	return req, nil
}

func transportDetail(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}
