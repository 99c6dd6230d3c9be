package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/raphaelgruber/questiondoc/internal/client"
	"github.com/raphaelgruber/questiondoc/internal/config"
	"github.com/raphaelgruber/questiondoc/internal/events"
	"github.com/raphaelgruber/questiondoc/internal/metrics"
	"github.com/raphaelgruber/questiondoc/internal/validate"
)

// Session is the per-process context: one API client, one event channel and
// one Machine. Start it once and Close it on every exit path.
type Session struct {
	id      string
	logger  *slog.Logger
	client  *client.Client
	channel *events.Channel
	machine *Machine
	metrics *metrics.Collector

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	onState []func(events.Status)
}

// New builds a session from configuration. Nothing connects until Start.
func New(cfg config.Config, logger *slog.Logger, m *metrics.Collector) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()[:8]
	logger = logger.With("session", id)

	s := &Session{
		id:      id,
		logger:  logger,
		client:  client.New(cfg.APIURL, cfg.ClientTimeout, id),
		metrics: m,
		ctx:     context.Background(),
	}

	header := http.Header{}
	header.Set(client.SessionHeader, id)
	s.channel = events.New(events.Options{
		URL:    cfg.EventsURL,
		Header: header,
		Policy: events.ReconnectPolicy{
			InitialInterval: cfg.ReconnectInitial,
			MaxInterval:     cfg.ReconnectMax,
			Multiplier:      cfg.ReconnectMultiplier,
			MaxAttempts:     cfg.ReconnectAttempts,
		},
		PingInterval: cfg.PingInterval,
		OnStatus:     s.onStatus,
		Logger:       logger,
		Metrics:      m,
	})

	s.machine = NewMachine(Deps{
		Validator: validate.New(cfg.MaxUploadBytes, logger),
		Submitter: s.client,
		Events:    ChannelSource(s.channel),
		Retriever: s.client,
		Status:    s.client,
		Logger:    logger,
		Metrics:   m,
	})
	return s
}

// ID returns the short session id sent as X-Session-ID.
func (s *Session) ID() string { return s.id }

// Machine returns the session's job state machine.
func (s *Session) Machine() *Machine { return s.machine }

// Client returns the session's API client.
func (s *Session) Client() *client.Client { return s.client }

// Metrics returns the session's collector, which may be nil.
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// OnChannelStatus registers fn to be told about event-channel connectivity.
func (s *Session) OnChannelStatus(fn func(events.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// Start runs the event channel in the background until Close or ctx ends.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func(ctx context.Context, done chan struct{}) {
		defer close(done)
		if err := s.channel.Run(ctx); err != nil {
			s.logger.Error("event channel stopped", "error", err)
			s.mu.Lock()
			s.runErr = err
			s.mu.Unlock()
		}
	}(s.ctx, s.done)
	s.logger.Debug("session started")
}

// Close releases the live subscription, stops the channel and waits for it.
// It returns the channel's terminal error, if it gave up on its own.
func (s *Session) Close() error {
	if err := s.machine.Reset(); err != nil {
		s.logger.Debug("reset on close", "error", err)
	}
	s.channel.Close()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("session closed")
	return s.runErr
}

func (s *Session) onStatus(st events.Status) {
	s.mu.Lock()
	ctx := s.ctx
	listeners := append(([]func(events.Status))(nil), s.onState...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}

	if s.machine.OnChannelStatus(st) {
		// Must not block the channel read loop.
		go func() {
			if err := s.machine.Reconcile(ctx); err != nil {
				s.logger.Debug("reconcile skipped", "error", err)
			}
		}()
	}
}

type channelSource struct {
	ch *events.Channel
}

// ChannelSource adapts an events.Channel to EventSource.
func ChannelSource(ch *events.Channel) EventSource {
	return channelSource{ch: ch}
}

func (c channelSource) Subscribe(jobID string, handler events.Handler) (Subscription, error) {
	sub, err := c.ch.Subscribe(jobID, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
