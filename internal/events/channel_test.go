package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/questiondoc/internal/metrics"
	"github.com/raphaelgruber/questiondoc/internal/models"
)

const waitTimeout = 3 * time.Second

// fakeServer is a minimal event backend: it records every client frame and
// lets the test push frames to the latest connection.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	received chan Message
	conns    chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		received: make(chan Message, 100),
		conns:    make(chan *websocket.Conn, 10),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fs.received <- msg
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) accept() *websocket.Conn {
	fs.t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(waitTimeout):
		fs.t.Fatal("timed out waiting for connection")
		return nil
	}
}

// expect returns the next non-ping frame and checks its event name.
func (fs *fakeServer) expect(event string) Message {
	fs.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-fs.received:
			if msg.Event == msgPing {
				continue
			}
			require.Equal(fs.t, event, msg.Event)
			return msg
		case <-deadline:
			fs.t.Fatalf("timed out waiting for %q", event)
			return Message{}
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, event, jobID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Event: event, JobID: jobID, Data: raw}))
}

type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
	ch   chan Status
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{ch: make(chan Status, 50)}
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *statusRecorder) waitFor(t *testing.T, want Status) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func startChannel(t *testing.T, opts Options) (*Channel, chan error) {
	t.Helper()
	ch := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(waitTimeout):
		}
	})
	return ch, errc
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
}

func TestSubscribeBeforeConnectIsFlushed(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour})

	sub, err := ch.Subscribe("job-1", func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "job-1", sub.JobID())
	assert.False(t, ch.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Run(ctx) }()

	fs.accept()
	msg := fs.expect(msgSubscribe)
	assert.Equal(t, "job-1", msg.JobID)

	var data jobRef
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "job-1", data.JobID)
}

func TestEventsRoutedByJobID(t *testing.T) {
	fs := newFakeServer(t)
	status := newStatusRecorder()
	m := metrics.NewCollector()
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour, OnStatus: status.record, Metrics: m})

	conn := fs.accept()
	status.waitFor(t, StatusConnected)

	got := make(chan Event, 10)
	_, err := ch.Subscribe("job-a", func(ev Event) { got <- ev })
	require.NoError(t, err)
	fs.expect(msgSubscribe)

	send(t, conn, msgProgress, "job-a", map[string]any{"progress": 40, "step": "Parsing PDF"})
	send(t, conn, msgProgress, "job-b", map[string]any{"progress": 90, "step": "other"})
	send(t, conn, msgSubscribed, "job-a", map[string]any{"subscribed": true})
	send(t, conn, msgComplete, "job-a", map[string]any{"output_filename": "a.docx", "total_questions": 20, "diagrams_detected": 2})

	first := <-got
	assert.Equal(t, KindProgress, first.Kind)
	assert.Equal(t, 40, first.Progress.Progress)
	assert.Equal(t, "Parsing PDF", first.Progress.Step)

	second := <-got
	assert.Equal(t, KindComplete, second.Kind)
	assert.Equal(t, "a.docx", second.Result.OutputFilename)
	assert.Equal(t, 20, second.Result.TotalQuestions)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.DroppedEvents)
	assert.Equal(t, int64(2), snap.Events[msgProgress])
}

func TestErrorEvent(t *testing.T) {
	fs := newFakeServer(t)
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour})

	got := make(chan Event, 1)
	_, err := ch.Subscribe("job-e", func(ev Event) { got <- ev })
	require.NoError(t, err)

	conn := fs.accept()
	fs.expect(msgSubscribe)

	// job id only inside data, the way the backend emits room broadcasts
	send(t, conn, msgError, "", map[string]any{"job_id": "job-e", "message": "PDF is encrypted", "details": map[string]any{}})

	select {
	case ev := <-got:
		assert.Equal(t, KindError, ev.Kind)
		require.NotNil(t, ev.Err)
		assert.Equal(t, "PDF is encrypted", ev.Err.Message)
		assert.Equal(t, "job-e", ev.Err.JobID)
	case <-time.After(waitTimeout):
		t.Fatal("no error event delivered")
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	fs := newFakeServer(t)
	status := newStatusRecorder()
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour, OnStatus: status.record})

	got := make(chan Event, 10)
	_, err := ch.Subscribe("job-r", func(ev Event) { got <- ev })
	require.NoError(t, err)

	conn := fs.accept()
	fs.expect(msgSubscribe)
	status.waitFor(t, StatusConnected)

	// server drops the connection
	require.NoError(t, conn.Close())
	status.waitFor(t, StatusDisconnected)
	status.waitFor(t, StatusReconnecting)

	conn2 := fs.accept()
	msg := fs.expect(msgSubscribe)
	assert.Equal(t, "job-r", msg.JobID)
	status.waitFor(t, StatusConnected)

	send(t, conn2, msgProgress, "job-r", map[string]any{"progress": 70, "step": "Generating"})
	select {
	case ev := <-got:
		assert.Equal(t, 70, ev.Progress.Progress)
	case <-time.After(waitTimeout):
		t.Fatal("event not delivered after reconnect")
	}
}

func TestSubscriptionCloseSendsOneUnsubscribe(t *testing.T) {
	fs := newFakeServer(t)
	status := newStatusRecorder()
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour, OnStatus: status.record})

	fs.accept()
	status.waitFor(t, StatusConnected)

	sub, err := ch.Subscribe("job-u", func(Event) {})
	require.NoError(t, err)
	fs.expect(msgSubscribe)

	sub.Close()
	sub.Close()

	msg := fs.expect(msgUnsubscribe)
	assert.Equal(t, "job-u", msg.JobID)

	// A marker subscription proves no second unsubscribe was queued before it.
	_, err = ch.Subscribe("marker", func(Event) {})
	require.NoError(t, err)
	marker := fs.expect(msgSubscribe)
	assert.Equal(t, "marker", marker.JobID)

	// The id is free again after Close.
	_, err = ch.Subscribe("job-u", func(Event) {})
	assert.NoError(t, err)
}

func TestSubscribeDuplicate(t *testing.T) {
	ch := New(Options{URL: "ws://127.0.0.1:1/ws"})
	_, err := ch.Subscribe("dup", func(Event) {})
	require.NoError(t, err)

	_, err = ch.Subscribe("dup", func(Event) {})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestSubscribeAfterClose(t *testing.T) {
	ch := New(Options{URL: "ws://127.0.0.1:1/ws"})
	ch.Close()
	ch.Close()

	_, err := ch.Subscribe("late", func(Event) {})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	status := newStatusRecorder()
	m := metrics.NewCollector()
	policy := fastPolicy()
	policy.MaxAttempts = 2
	ch := New(Options{URL: url, Policy: policy, OnStatus: status.record, Metrics: m})

	err := ch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect attempts exhausted")
	assert.Equal(t, int64(2), m.Snapshot().Reconnects)

	status.waitFor(t, StatusClosed)
	_, err = ch.Subscribe("x", func(Event) {})
	assert.True(t, errors.Is(err, ErrChannelClosed))
}

func TestCloseStopsRun(t *testing.T) {
	fs := newFakeServer(t)
	status := newStatusRecorder()
	ch := New(Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour, OnStatus: status.record})

	errc := make(chan error, 1)
	go func() { errc <- ch.Run(context.Background()) }()
	fs.accept()
	status.waitFor(t, StatusConnected)

	ch.Close()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, ch.Connected())
}

func TestPing(t *testing.T) {
	fs := newFakeServer(t)
	startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: 20 * time.Millisecond})
	fs.accept()

	select {
	case msg := <-fs.received:
		assert.Equal(t, msgPing, msg.Event)
		var data pingData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.NotEmpty(t, data.Timestamp)
	case <-time.After(waitTimeout):
		t.Fatal("no ping received")
	}
}

func TestDecodeJobEvent(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		want    Event
		wantErr bool
	}{
		{
			name: "progress",
			msg:  Message{Event: msgProgress, JobID: "j", Data: json.RawMessage(`{"progress":55,"step":"Generating questions","timestamp":"2024-01-01T00:00:00"}`)},
			want: Event{Kind: KindProgress, JobID: "j", Progress: progressOf(55, "Generating questions", "2024-01-01T00:00:00")},
		},
		{
			name:    "malformed progress",
			msg:     Message{Event: msgProgress, JobID: "j", Data: json.RawMessage(`{"progress":"lots"}`)},
			wantErr: true,
		},
		{
			name: "error without message",
			msg:  Message{Event: msgError, JobID: "j"},
			want: ErrorEventFor("j", "processing failed"),
		},
		{
			name:    "control frame",
			msg:     Message{Event: msgPong},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeJobEvent(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func progressOf(p int, step, ts string) models.ProgressEvent {
	return models.ProgressEvent{Progress: p, Step: step, Timestamp: ts}
}

func TestReconnectPolicyBackOff(t *testing.T) {
	p := ReconnectPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2, MaxAttempts: 3}
	bo := p.backOff()
	for i := 0; i < 3; i++ {
		d := bo.NextBackOff()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2*time.Second)
	}
	assert.Equal(t, time.Duration(-1), bo.NextBackOff())

	unlimited := DefaultReconnectPolicy().backOff()
	for i := 0; i < 50; i++ {
		assert.NotEqual(t, time.Duration(-1), unlimited.NextBackOff())
	}
}

func TestRoomScopedEventsGoToLiveSubscription(t *testing.T) {
	fs := newFakeServer(t)
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour})

	got := make(chan Event, 10)
	_, err := ch.Subscribe("j1", func(ev Event) { got <- ev })
	require.NoError(t, err)

	conn := fs.accept()
	fs.expect(msgSubscribe)

	send(t, conn, msgProgress, "", map[string]any{"progress": 50, "step": "halfway", "timestamp": "2024-01-01T00:00:00"})
	send(t, conn, msgComplete, "", map[string]any{"output_filename": "q.docx", "total_questions": 8, "diagrams_detected": 1})
	send(t, conn, msgError, "", map[string]any{"message": "late failure"})

	want := []Kind{KindProgress, KindComplete, KindError}
	for _, kind := range want {
		select {
		case ev := <-got:
			assert.Equal(t, kind, ev.Kind)
			assert.Equal(t, "j1", ev.JobID)
			switch kind {
			case KindProgress:
				assert.Equal(t, 50, ev.Progress.Progress)
				assert.Equal(t, "halfway", ev.Progress.Step)
			case KindComplete:
				assert.Equal(t, "q.docx", ev.Result.OutputFilename)
				assert.Equal(t, 8, ev.Result.TotalQuestions)
			case KindError:
				require.NotNil(t, ev.Err)
				assert.Equal(t, "j1", ev.Err.JobID)
				assert.Equal(t, "late failure", ev.Err.Message)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("%s event without job id not delivered", kind)
		}
	}
}

func TestRoomScopedEventWithoutSingleSubscriptionDropped(t *testing.T) {
	fs := newFakeServer(t)
	status := newStatusRecorder()
	m := metrics.NewCollector()
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour, OnStatus: status.record, Metrics: m})

	conn := fs.accept()
	status.waitFor(t, StatusConnected)

	// nobody subscribed
	send(t, conn, msgProgress, "", map[string]any{"progress": 10, "step": "orphan"})
	require.Eventually(t, func() bool { return m.Snapshot().DroppedEvents == 1 }, waitTimeout, 5*time.Millisecond)

	got := make(chan Event, 10)
	_, err := ch.Subscribe("a", func(ev Event) { got <- ev })
	require.NoError(t, err)
	fs.expect(msgSubscribe)
	_, err = ch.Subscribe("b", func(ev Event) { got <- ev })
	require.NoError(t, err)
	fs.expect(msgSubscribe)

	// ambiguous with two live subscriptions
	send(t, conn, msgProgress, "", map[string]any{"progress": 20, "step": "ambiguous"})
	send(t, conn, msgProgress, "b", map[string]any{"progress": 30, "step": "addressed"})

	select {
	case ev := <-got:
		assert.Equal(t, "b", ev.JobID)
		assert.Equal(t, "addressed", ev.Progress.Step)
	case <-time.After(waitTimeout):
		t.Fatal("addressed event not delivered")
	}
	assert.Equal(t, int64(2), m.Snapshot().DroppedEvents)
	assert.Empty(t, got)
}

func TestUndecodableFrameKeepsConnection(t *testing.T) {
	fs := newFakeServer(t)
	status := newStatusRecorder()
	ch, _ := startChannel(t, Options{URL: fs.url(), Policy: fastPolicy(), PingInterval: time.Hour, OnStatus: status.record})

	got := make(chan Event, 10)
	_, err := ch.Subscribe("j1", func(ev Event) { got <- ev })
	require.NoError(t, err)

	conn := fs.accept()
	fs.expect(msgSubscribe)
	status.waitFor(t, StatusConnected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, conn, msgProgress, "j1", map[string]any{"progress": 25, "step": "still here"})

	select {
	case ev := <-got:
		assert.Equal(t, "still here", ev.Progress.Step)
	case <-time.After(waitTimeout):
		t.Fatal("event after bad frame not delivered")
	}

	status.mu.Lock()
	defer status.mu.Unlock()
	assert.NotContains(t, status.seen, StatusDisconnected)
	assert.True(t, ch.Connected())
}
