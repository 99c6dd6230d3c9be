package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/questiondoc/internal/client"
	"github.com/raphaelgruber/questiondoc/internal/config"
	"github.com/raphaelgruber/questiondoc/internal/events"
	"github.com/raphaelgruber/questiondoc/internal/metrics"
	"github.com/raphaelgruber/questiondoc/internal/models"
)

// backend fakes the job API and event endpoint. Subscribing to a job makes it
// stream its frames.
type backend struct {
	mu       sync.Mutex
	sessions []string
	unsubs   int
	frames   []string
}

var addressedFrames = []string{
	`{"event":"subscribed","job_id":"job-9","data":{"subscribed":true}}`,
	`{"event":"progress","job_id":"job-9","data":{"progress":30,"step":"Parsing PDF"}}`,
	`{"event":"progress","job_id":"job-9","data":{"progress":80,"step":"Generating questions"}}`,
	`{"event":"complete","job_id":"job-9","data":{"output_filename":"ch1_questions.docx","total_questions":15,"diagrams_detected":1}}`,
}

// roomFrames are emitted to the job's room and carry no job id.
var roomFrames = []string{
	`{"event":"progress","data":{"progress":30,"step":"Parsing PDF","timestamp":"2024-01-01T00:00:00"}}`,
	`{"event":"progress","data":{"progress":80,"step":"Generating questions","timestamp":"2024-01-01T00:00:05"}}`,
	`{"event":"complete","data":{"output_filename":"ch1_questions.docx","total_questions":15,"diagrams_detected":1}}`,
}

func (b *backend) handler() http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.sessions = append(b.sessions, r.Header.Get(client.SessionHeader))
		b.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs/":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"job-9","status":"pending","progress":0}`))
		case r.URL.Path == "/api/v1/jobs/job-9/download":
			w.Header().Set("Content-Disposition", `attachment; filename="ignored.docx"`)
			_, _ = w.Write([]byte("generated docx"))
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg events.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Event {
			case "subscribe":
				for _, frame := range b.frames {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
						return
					}
				}
			case "unsubscribe":
				b.mu.Lock()
				b.unsubs++
				b.mu.Unlock()
			}
		}
	})
	return mux
}

func TestSessionEndToEnd(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
	}{
		{"addressed frames", addressedFrames},
		{"room frames", roomFrames},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runEndToEnd(t, &backend{frames: tt.frames})
		})
	}
}

func runEndToEnd(t *testing.T, b *backend) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	defer srv.Close()

	cfg := config.Config{
		APIURL:              srv.URL,
		EventsURL:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		ClientTimeout:       5 * time.Second,
		ReconnectInitial:    10 * time.Millisecond,
		ReconnectMax:        50 * time.Millisecond,
		ReconnectMultiplier: 2,
		PingInterval:        time.Hour,
	}
	m := metrics.NewCollector()
	s := New(cfg, nil, m)
	// test bytes are not a parseable PDF
	s.machine.deps.Validator.Pages = nil
	assert.Len(t, s.ID(), 8)

	connected := make(chan struct{}, 1)
	s.OnChannelStatus(func(st events.Status) {
		if st == events.StatusConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	done := make(chan Snapshot, 1)
	var progress []int
	var pmu sync.Mutex
	s.Machine().Observe(func(snap Snapshot) {
		pmu.Lock()
		progress = append(progress, snap.State.Progress())
		pmu.Unlock()
		if snap.State.Terminal() {
			select {
			case done <- snap:
			default:
			}
		}
	})

	s.Start(context.Background())
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("event channel never connected")
	}

	err := s.Machine().Submit(context.Background(), models.RawParams{
		File:          &models.Document{Name: "ch1.pdf", Data: []byte("%PDF-1.4\n%%EOF\n")},
		PageStart:     "1",
		PageEnd:       "5",
		QuestionStart: "1",
		QuestionEnd:   "15",
	})
	require.NoError(t, err)

	var final Snapshot
	select {
	case final = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never completed")
	}
	require.Equal(t, models.PhaseCompleted, final.State.Phase())
	assert.Equal(t, "job-9", final.JobID)

	pmu.Lock()
	assert.Equal(t, []int{0, 0, 30, 80, 100}, progress)
	pmu.Unlock()

	dir := t.TempDir()
	path, err := s.Machine().Download(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "ch1_questions.docx"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "generated docx", string(data))

	require.NoError(t, s.Close())
	assert.Equal(t, models.PhaseIdle, s.Machine().State().Phase())

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.unsubs == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.mu.Lock()
	for _, id := range b.sessions {
		assert.Equal(t, s.ID(), id)
	}
	b.mu.Unlock()

	snap := m.Snapshot()
	require.NotNil(t, snap.Submit)
	require.NotNil(t, snap.Download)
	assert.Equal(t, int64(2), snap.Events["progress"])
}

func TestSessionCloseWithoutStart(t *testing.T) {
	s := New(config.Config{APIURL: "http://127.0.0.1:1", EventsURL: "ws://127.0.0.1:1/ws"}, nil, nil)
	assert.NoError(t, s.Close())

	err := s.Machine().Submit(context.Background(), models.RawParams{})
	var vErr *models.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
