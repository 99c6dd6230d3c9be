// Package events implements the push channel that delivers job progress,
// completion and failure from the backend over a single WebSocket.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/questiondoc/internal/metrics"
)

var (
	// ErrChannelClosed is returned by Subscribe after the channel has shut down.
	ErrChannelClosed = errors.New("event channel closed")

	// ErrAlreadySubscribed is returned when a job id already has a live subscription.
	ErrAlreadySubscribed = errors.New("job already subscribed")
)

const (
	writeWait           = 10 * time.Second
	handshakeTimeout    = 10 * time.Second
	DefaultPingInterval = 25 * time.Second
)

// Status is the connection state reported to the status callback.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives events for one job. It is called from the channel's read
// goroutine, one event at a time, in receipt order.
type Handler func(Event)

// Options configures a Channel.
type Options struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8000/ws.
	URL string
	// Header is sent with every handshake.
	Header       http.Header
	Policy       ReconnectPolicy
	PingInterval time.Duration
	// OnStatus, when set, is called on every connection state change.
	OnStatus func(Status)
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Channel is one long-lived connection multiplexing subscriptions by job id.
// Subscriptions registered while disconnected are sent on the next connect,
// and all live subscriptions are re-sent after every reconnect.
type Channel struct {
	opts   Options
	logger *slog.Logger
	dialer websocket.Dialer

	mu     sync.Mutex
	subs   map[string]*Subscription
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a channel. Nothing is dialed until Run.
func New(opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	return &Channel{
		opts:   opts,
		logger: logger.With("component", "events"),
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		subs:   make(map[string]*Subscription),
		done:   make(chan struct{}),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled, Close
// is called, or the reconnect policy gives up. After Run returns the channel
// is closed and Subscribe fails with ErrChannelClosed.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer c.shutdown()

	bo := c.opts.Policy.backOff()
	for {
		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
			c.setStatus(StatusDisconnected)
		}
		c.logger.Warn("event channel lost", "url", c.opts.URL, "error", err)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("event channel: reconnect attempts exhausted: %w", err)
		}

		c.opts.Metrics.RecordReconnect()
		c.setStatus(StatusReconnecting)
		c.logger.Info("reconnecting", "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectAndRead dials once, flushes subscribe intents, then reads until the
// connection drops. connected reports whether the handshake succeeded.
func (c *Channel) connectAndRead(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("websocket connect: %w", err)
	}

	// Snapshot pending intents atomically with publishing the connection, so a
	// concurrent Subscribe either lands in ids or sends its own frame.
	c.mu.Lock()
	c.conn = conn
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for _, id := range ids {
		c.mu.Lock()
		_, live := c.subs[id]
		c.mu.Unlock()
		if !live {
			continue
		}
		if err := c.write(conn, subscribeMessage(id)); err != nil {
			return true, fmt.Errorf("send subscribe: %w", err)
		}
		c.logger.Debug("subscription flushed", "job_id", id)
	}

	c.logger.Info("event channel connected", "url", c.opts.URL, "subscriptions", len(ids))
	c.setStatus(StatusConnected)

	go c.pingLoop(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("undecodable frame ignored", "error", err, "bytes", len(data))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if err := c.write(conn, pingMessage(now)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) dispatch(msg Message) {
	switch msg.Event {
	case msgProgress, msgComplete, msgError:
		ev, err := decodeJobEvent(msg)
		if err != nil {
			c.logger.Warn("malformed event", "event", msg.Event, "error", err)
			return
		}
		c.opts.Metrics.RecordEvent(msg.Event)

		c.mu.Lock()
		var sub *Subscription
		if ev.JobID != "" {
			sub = c.subs[ev.JobID]
		} else if len(c.subs) == 1 {
			// Room-scoped frames carry no id; they belong to the only live job.
			for _, only := range c.subs {
				sub = only
			}
			ev = ev.withJobID(sub.jobID)
		}
		c.mu.Unlock()
		if sub == nil {
			if ev.Kind == KindError {
				c.logger.Warn("server error", "job_id", ev.JobID, "message", ev.Err.Message)
			}
			c.logger.Debug("event for unknown job dropped", "event", msg.Event, "job_id", ev.JobID)
			c.opts.Metrics.RecordDropped()
			return
		}
		sub.handler(ev)

	case msgConnected, msgSubscribed, msgUnsubscribed, msgPong:
		c.logger.Debug("control frame", "event", msg.Event, "job_id", msg.JobID)

	default:
		c.logger.Debug("unknown frame ignored", "event", msg.Event)
	}
}

// Subscribe registers handler for jobID. The subscribe frame is sent now when
// connected and on every (re)connect otherwise.
func (c *Channel) Subscribe(jobID string, handler Handler) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, ok := c.subs[jobID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, ErrAlreadySubscribed)
	}
	sub := &Subscription{ch: c, jobID: jobID, handler: handler}
	c.subs[jobID] = sub
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, subscribeMessage(jobID)); err != nil {
			// The read loop will notice the broken connection and resend on reconnect.
			c.logger.Warn("send subscribe", "job_id", jobID, "error", err)
		}
	}
	c.logger.Debug("subscribed", "job_id", jobID, "connected", conn != nil)
	return sub, nil
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops Run and rejects further subscriptions. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.closeOnce.Do(func() { close(c.done) })
	}
	c.setStatus(StatusClosed)
	c.logger.Info("event channel closed")
}

func (c *Channel) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (c *Channel) setStatus(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

// Subscription is a scoped registration for one job id.
type Subscription struct {
	ch      *Channel
	jobID   string
	handler Handler
	once    sync.Once
}

// JobID returns the subscribed job id.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Close removes the subscription and sends one unsubscribe frame when
// connected. Later calls do nothing.
func (s *Subscription) Close() {
	s.once.Do(func() {
		c := s.ch
		c.mu.Lock()
		if c.subs[s.jobID] == s {
			delete(c.subs, s.jobID)
		}
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			if err := c.write(conn, unsubscribeMessage(s.jobID)); err != nil {
				c.logger.Debug("send unsubscribe", "job_id", s.jobID, "error", err)
			}
		}
		c.logger.Debug("unsubscribed", "job_id", s.jobID)
	})
}
