package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
)

// Config tunes the reconnection controller.
type Config struct {
	URL        string
	Credential string

	// The Nth retry waits BaseDelay * 2^(N-1), capped at MaxDelay. After
	// MaxAttempts failed retries the controller gives up.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// AckTimeout bounds the wait for the server's connected frame.
	AckTimeout time.Duration

	// QueueSize caps the events held while offline.
	QueueSize int

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// DefaultConfig returns the standard retry policy: 1s base delay, five attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: 5,
		AckTimeout:  10 * time.Second,
		QueueSize:   256,
		EventBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Clock schedules retry delays.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the clock used for retry delays.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithStateHandler registers a callback invoked on every state transition.
// It runs on the controller's goroutine and must not block.
func WithStateHandler(fn func(Status)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller keeps one logical session to the gateway alive across
// transport failures. It re-joins rooms after every reconnect and holds
// outbound events in a bounded queue while offline.
type Controller struct {
	cfg       Config
	transport Transport
	clock     Clock
	logger    *slog.Logger
	onState   func(Status)

	mu         sync.Mutex
	status     Status
	credential string
	identity   domain.Identity
	rooms      []domain.TicketID
	outbox     *outbox
	active     Conn                     // dialled connection, for Close
	conn       Conn                     // non-nil only while Connected
	resumed    map[domain.TicketID]bool // rooms re-joined by an in-progress resume
	running    bool
	closed     bool

	notifyMu sync.Mutex
	events   chan domain.Envelope
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a disconnected controller. Call Connect to start it.
func New(cfg Config, transport Transport, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:        cfg,
		transport:  transport,
		clock:      systemClock{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		credential: cfg.Credential,
		outbox:     newOutbox(cfg.QueueSize),
		status:     Status{State: StateDisconnected},
		events:     make(chan domain.Envelope, cfg.EventBuffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "reconnect_controller")
	return c
}

// Events delivers every frame the server pushes after the handshake. It is
// closed by Close. Callers must drain it; a full channel stalls reading.
func (c *Controller) Events() <-chan domain.Envelope {
	return c.events
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Identity returns the identity acknowledged by the server on the last
// successful handshake.
func (c *Controller) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetCredential replaces the credential used by the next connection attempt.
func (c *Controller) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through the state handler. Calling Connect while the loop is
// running is a no-op. Cancelling ctx stops the loop.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Join subscribes to a ticket's room, now if connected and on every
// subsequent reconnect.
func (c *Controller) Join(ticketID domain.TicketID) error {
	if !ticketID.Valid() {
		return apperrors.ErrTicketIDRequired
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !slices.Contains(c.rooms, ticketID) {
		c.rooms = append(c.rooms, ticketID)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	frame, err := encodeFrame(domain.EventJoin, domain.JoinRequest{TicketID: ticketID})
	if err != nil {
		return err
	}
	return c.writeLive(conn, frame, false)
}

// Leave unsubscribes from a ticket's room.
func (c *Controller) Leave(ticketID domain.TicketID) error {
	frame, err := encodeFrame(domain.EventLeave, domain.LeaveRequest{TicketID: ticketID})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.rooms = slices.DeleteFunc(c.rooms, func(id domain.TicketID) bool { return id == ticketID })
	conn := c.conn
	if conn == nil {
		// A resume in progress may already have re-joined the room.
		if c.resumed[ticketID] {
			err = c.outbox.push(frame)
		}
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.writeLive(conn, frame, false)
}

// Send posts a chat message. While offline it is queued and transmitted
// in call order after the next successful connect. It returns the
// client message id the server echoes on the broadcast.
func (c *Controller) Send(ticketID domain.TicketID, content string) (string, error) {
	return c.SendRequest(domain.SendRequest{TicketID: ticketID, Content: content})
}

// SendRequest is Send with attachments or the internal flag.
func (c *Controller) SendRequest(req domain.SendRequest) (string, error) {
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}
	frame, err := encodeFrame(domain.EventMessage, req)
	if err != nil {
		return "", err
	}
	return req.ClientMessageID, c.deliver(frame)
}

// MarkRead records read receipts. It is queued while offline.
func (c *Controller) MarkRead(ticketID domain.TicketID, messageIDs []uuid.UUID) error {
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}
	frame, err := encodeFrame(domain.EventRead, domain.ReadRequest{TicketID: ticketID, MessageIDs: ids})
	if err != nil {
		return err
	}
	return c.deliver(frame)
}

// Typing reports a typing indicator. It is not queued: while offline it
// returns ErrNotConnected.
func (c *Controller) Typing(ticketID domain.TicketID, isTyping bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	frame, err := encodeFrame(domain.EventTyping, domain.TypingRequest{TicketID: ticketID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	return c.writeLive(conn, frame, false)
}

// Close stops the controller for good. Queued events are discarded.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	active := c.active
	running := c.running
	c.mu.Unlock()

	if active != nil {
		_ = active.Close()
	}
	c.wg.Wait()
	close(c.events)

	if !running {
		c.setStatus(Status{State: StateDisconnected, Err: ErrClosed})
	}
	return nil
}

// deliver writes frame now if connected, otherwise queues it.
func (c *Controller) deliver(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		err := c.outbox.push(frame)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.writeLive(conn, frame, true)
}

// writeLive sends on the current connection. A failed write closes the
// connection so the loop reconnects. If a newer connection is already
// live, durable frames are retried on it; otherwise they are queued for
// the next session and later calls queue behind them.
func (c *Controller) writeLive(conn Conn, frame []byte, durable bool) error {
	for {
		err := conn.Write(frame)
		if err == nil {
			return nil
		}
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		next := c.conn
		if !durable {
			c.mu.Unlock()
			return fmt.Errorf("write: %w", err)
		}
		if next == nil {
			err = c.outbox.push(frame)
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
		conn = next
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	// Close aborts an in-flight dial as well as an open connection.
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-sessCtx.Done():
		}
	}()

	bo := c.newBackOff()
	attempt := 0
	for {
		connected, err := c.session(sessCtx)

		if stopErr := c.stopCause(ctx); stopErr != nil {
			c.finish(stopErr)
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Warn("credential rejected, not retrying", "error", err)
			c.finish(err)
			return
		}
		if connected {
			bo.Reset()
			attempt = 0
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
			c.finish(fmt.Errorf("%w: %w", ErrGaveUp, err))
			return
		}
		attempt++
		c.logger.Warn("connection lost, scheduling reconnect",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		c.setStatus(Status{State: StateReconnecting, Attempt: attempt, Delay: delay, Err: err})

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			c.finish(ctx.Err())
			return
		case <-c.done:
			c.finish(ErrClosed)
			return
		}
	}
}

func (c *Controller) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = c.cfg.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts))
}

// session runs one connection from dial to failure. It reports whether
// the connection reached Connected.
func (c *Controller) session(ctx context.Context) (bool, error) {
	c.setStatus(Status{State: StateConnecting})

	c.mu.Lock()
	credential := c.credential
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx, c.cfg.URL, credential)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false, ErrClosed
	}
	c.active = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.active = nil
		c.conn = nil
		c.resumed = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.setStatus(Status{State: StateAuthenticating})
	if err := c.awaitAck(conn); err != nil {
		return false, err
	}
	if err := c.resume(conn); err != nil {
		return false, err
	}
	return true, c.readLoop(ctx, conn)
}

// awaitAck waits for the server's connected frame.
func (c *Controller) awaitAck(conn Conn) error {
	timer := time.AfterFunc(c.cfg.AckTimeout, func() { _ = conn.Close() })
	data, err := conn.Read()
	if !timer.Stop() {
		return fmt.Errorf("no acknowledgement within %s", c.cfg.AckTimeout)
	}
	if err != nil {
		return err
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode acknowledgement: %w", err)
	}
	switch env.Type {
	case domain.EventConnected:
		var ack domain.ConnectedPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return fmt.Errorf("decode acknowledgement: %w", err)
		}
		c.mu.Lock()
		c.identity = ack.Identity
		c.mu.Unlock()
		return nil
	case domain.EventError:
		var p domain.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.Code == apperrors.CodeAuthFailed {
			return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
		}
		return fmt.Errorf("handshake error %s: %s", p.Code, p.Message)
	default:
		return fmt.Errorf("unexpected %q frame before acknowledgement", env.Type)
	}
}

// resume re-joins every room, then flushes the offline queue in order.
// The switch to Connected happens under the same lock that observes the
// empty queue, so callers never write ahead of queued events.
func (c *Controller) resume(conn Conn) error {
	c.mu.Lock()
	c.resumed = make(map[domain.TicketID]bool, len(c.rooms))
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var (
			frame    []byte
			queued   bool
			ticketID domain.TicketID
		)
		for _, id := range c.rooms {
			if !c.resumed[id] {
				ticketID = id
				break
			}
		}
		switch {
		case ticketID != "":
			c.resumed[ticketID] = true
		default:
			f, ok := c.outbox.peek()
			if !ok {
				c.conn = conn
				c.resumed = nil
				st := Status{State: StateConnected}
				c.status = st
				c.mu.Unlock()
				c.notify(st)
				c.logger.Info("connected", "identity_id", c.Identity().UserID)
				return nil
			}
			frame, queued = f, true
		}
		c.mu.Unlock()

		if !queued {
			var err error
			if frame, err = encodeFrame(domain.EventJoin, domain.JoinRequest{TicketID: ticketID}); err != nil {
				return err
			}
		}
		if err := conn.Write(frame); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if queued {
			c.mu.Lock()
			c.outbox.pop()
			c.mu.Unlock()
		}
	}
}

func (c *Controller) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read()
		if err != nil {
			return err
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if env.Type == domain.EventError {
			c.forgetDeniedRoom(env)
		}

		select {
		case c.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
}

// forgetDeniedRoom stops re-joining a room whose join was refused for
// lack of access.
func (c *Controller) forgetDeniedRoom(env domain.Envelope) {
	var p domain.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if p.Code != apperrors.CodeForbidden || p.Event != domain.EventJoin || p.TicketID == "" {
		return
	}

	c.mu.Lock()
	c.rooms = slices.DeleteFunc(c.rooms, func(id domain.TicketID) bool { return id == p.TicketID })
	c.mu.Unlock()
	c.logger.Warn("join refused, room forgotten", "ticket_id", p.TicketID)
}

// stopCause reports why the loop must stop, or nil to keep going.
func (c *Controller) stopCause(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

func (c *Controller) finish(cause error) {
	c.mu.Lock()
	c.running = false
	st := Status{State: StateDisconnected, Err: cause}
	c.status = st
	c.mu.Unlock()
	c.notify(st)
}

func (c *Controller) setStatus(st Status) {
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	c.notify(st)
}

func (c *Controller) notify(st Status) {
	if c.onState == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onState(st)
}

func encodeFrame(eventType domain.EventType, payload any) ([]byte, error) {
	frame, err := json.Marshal(domain.Event{Type: eventType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", eventType, err)
	}
	return frame, nil
}
