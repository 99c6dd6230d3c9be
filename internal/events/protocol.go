package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/raphaelgruber/questiondoc/internal/models"
)

// Wire event names.
const (
	// client -> server
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPing        = "ping"

	// server -> client
	msgProgress     = "progress"
	msgComplete     = "complete"
	msgError        = "error"
	msgConnected    = "connected"
	msgSubscribed   = "subscribed"
	msgUnsubscribed = "unsubscribed"
	msgPong         = "pong"
)

// Message is one JSON text frame on the event channel.
type Message struct {
	Event string          `json:"event"`
	JobID string          `json:"job_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Kind is the kind of a job event.
type Kind string

const (
	KindProgress Kind = msgProgress
	KindComplete Kind = msgComplete
	KindError    Kind = msgError
)

// Event is a decoded job event delivered to a subscription handler.
// Exactly one of Progress, Result or Err is meaningful, chosen by Kind.
type Event struct {
	Kind     Kind
	JobID    string
	Progress models.ProgressEvent
	Result   models.JobResult
	Err      *models.ChannelError
}

// ProgressEventFor builds a progress event.
func ProgressEventFor(jobID string, progress int, step string) Event {
	return Event{Kind: KindProgress, JobID: jobID, Progress: models.ProgressEvent{Progress: progress, Step: step}}
}

// CompleteEventFor builds a complete event.
func CompleteEventFor(jobID string, result models.JobResult) Event {
	return Event{Kind: KindComplete, JobID: jobID, Result: result}
}

// ErrorEventFor builds an error event.
func ErrorEventFor(jobID, message string) Event {
	return Event{Kind: KindError, JobID: jobID, Err: &models.ChannelError{JobID: jobID, Message: message}}
}

// withJobID returns ev attributed to jobID.
func (ev Event) withJobID(jobID string) Event {
	ev.JobID = jobID
	if ev.Err != nil {
		e := *ev.Err
		e.JobID = jobID
		ev.Err = &e
	}
	return ev
}

type jobRef struct {
	JobID string `json:"job_id"`
}

type errorData struct {
	JobID   string         `json:"job_id,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type pingData struct {
	Timestamp string `json:"timestamp"`
}

func subscribeMessage(jobID string) Message {
	data, _ := json.Marshal(jobRef{JobID: jobID})
	return Message{Event: msgSubscribe, JobID: jobID, Data: data}
}

func unsubscribeMessage(jobID string) Message {
	data, _ := json.Marshal(jobRef{JobID: jobID})
	return Message{Event: msgUnsubscribe, JobID: jobID, Data: data}
}

func pingMessage(now time.Time) Message {
	data, _ := json.Marshal(pingData{Timestamp: now.UTC().Format(time.RFC3339)})
	return Message{Event: msgPing, Data: data}
}

// decodeJobEvent turns a progress, complete or error frame into an Event.
// The job id comes from the envelope, falling back to data.job_id. It is empty
// for room-scoped frames.
func decodeJobEvent(msg Message) (Event, error) {
	jobID := msg.JobID
	if jobID == "" && len(msg.Data) > 0 {
		var ref jobRef
		if err := json.Unmarshal(msg.Data, &ref); err == nil {
			jobID = ref.JobID
		}
	}

	ev := Event{Kind: Kind(msg.Event), JobID: jobID}
	switch msg.Event {
	case msgProgress:
		if err := json.Unmarshal(msg.Data, &ev.Progress); err != nil {
			return Event{}, fmt.Errorf("decode progress: %w", err)
		}
	case msgComplete:
		if err := json.Unmarshal(msg.Data, &ev.Result); err != nil {
			return Event{}, fmt.Errorf("decode complete: %w", err)
		}
	case msgError:
		var d errorData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				return Event{}, fmt.Errorf("decode error: %w", err)
			}
		}
		if d.Message == "" {
			d.Message = "processing failed"
		}
		ev.Err = &models.ChannelError{JobID: jobID, Message: d.Message}
	default:
		return Event{}, fmt.Errorf("not a job event: %q", msg.Event)
	}
	return ev, nil
}
