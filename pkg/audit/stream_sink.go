// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// StreamSinkConfig configures a StreamSink.
type StreamSinkConfig struct {
	// Name is the identifier for this sink instance.
	Name string

	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string

	// Stream is the name of the stream queue events are appended to.
	Stream string

	// MaxLengthBytes caps the stream size when it has to be created. 0 means unbounded.
	MaxLengthBytes int64

	// TLS switches the scheme to amqps.
	TLS bool

	// PublishTimeout bounds a single publish including the broker confirm.
	// Default: 10 seconds
	PublishTimeout time.Duration
}

// URL renders the AMQP connection URL.
func (c StreamSinkConfig) URL() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.port(),
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}
	if c.TLS {
		uri.Scheme = "amqps"
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String()
}

func (c StreamSinkConfig) port() int {
	switch {
	case c.Port != 0:
		return c.Port
	case c.TLS:
		return 5671
	default:
		return 5672
	}
}

// Redacted renders the URL without the password, for logs.
func (c StreamSinkConfig) Redacted() string {
	return fmt.Sprintf("%s@%s/%s", c.Username, net.JoinHostPort(c.Host, strconv.Itoa(c.port())), c.VirtualHost)
}

// streamPublisher is one open broker session.
type streamPublisher interface {
	DeclareStream(name string, args amqp.Table) error
	Publish(ctx context.Context, stream string, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (streamPublisher, error)

// StreamSink appends audit events to a RabbitMQ stream queue. The session is
// opened lazily, the stream is declared once per session, and a failed
// publish drops the session so the next event redials.
type StreamSink struct {
	name   string
	cfg    StreamSinkConfig
	dial   dialFunc
	logger *zap.Logger

	mu      sync.Mutex
	session streamPublisher
	ensured bool
	closed  bool

	messagesWritten atomic.Int64
	messagesFailed  atomic.Int64
	connected       atomic.Bool
	lastError       atomic.Value // stores error
	lastErrorTime   atomic.Value // stores time.Time
}

// NewStreamSink creates a new StreamSink. No connection is opened until the
// first event is published.
func NewStreamSink(cfg StreamSinkConfig, logger *zap.Logger) (*StreamSink, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("stream broker host is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	name := cfg.Name
	if name == "" {
		name = "stream"
	}

	sink := &StreamSink{
		name:   name,
		cfg:    cfg,
		dial:   dialAMQP,
		logger: logger.Named("stream-audit"),
	}
	sink.connected.Store(true) // Optimistically assume connected
	metrics.AuditSinkConnected.WithLabelValues(name).Set(1)

	logger.Info("stream audit sink created",
		zap.String("name", name),
		zap.String("broker", cfg.Redacted()),
		zap.String("stream", cfg.Stream))

	return sink, nil
}

// streamArgs are the queue arguments that make a declared queue a stream.
func (s *StreamSink) streamArgs() amqp.Table {
	args := amqp.Table{"x-queue-type": "stream"}
	if s.cfg.MaxLengthBytes > 0 {
		args["x-max-length-bytes"] = s.cfg.MaxLengthBytes
	}
	return args
}

// connectLocked opens a session and declares the stream. Caller holds s.mu.
func (s *StreamSink) connectLocked(ctx context.Context) error {
	if s.session != nil && s.ensured {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.session == nil {
		session, err := s.dial(s.cfg.URL())
		if err != nil {
			return fmt.Errorf("failed to connect to stream broker %s: %w", s.cfg.Redacted(), err)
		}
		s.session = session
		s.ensured = false
	}

	if err := s.session.DeclareStream(s.cfg.Stream, s.streamArgs()); err != nil {
		metrics.AuditStreamEnsured.WithLabelValues(s.name, "error").Inc()
		s.dropSessionLocked()
		return fmt.Errorf("failed to declare stream %q: %w", s.cfg.Stream, err)
	}
	metrics.AuditStreamEnsured.WithLabelValues(s.name, "success").Inc()
	s.ensured = true
	return nil
}

func (s *StreamSink) dropSessionLocked() {
	if s.session != nil {
		_ = s.session.Close()
	}
	s.session = nil
	s.ensured = false
}

// EnsureStream connects and declares the stream without publishing.
func (s *StreamSink) EnsureStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.connectLocked(ctx)
}

// Write appends the event to the stream and waits for the broker confirm.
func (s *StreamSink) Write(ctx context.Context, event *Event) error {
	start := time.Now()

	body, err := event.Encode()
	if err != nil {
		metrics.AuditSinkErrors.WithLabelValues(s.name, "serialization").Inc()
		s.messagesFailed.Add(1)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		metrics.AuditSinkErrors.WithLabelValues(s.name, "closed").Inc()
		return ErrSinkClosed
	}

	if err := s.connectLocked(ctx); err != nil {
		return s.recordFailure(event, err, time.Since(start))
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.LogID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Action),
		Headers:      amqp.Table{"object_type": event.ObjectType},
		Body:         body,
	}
	if batchID, ok := event.Extra["batch_id"].(string); ok && batchID != "" {
		msg.CorrelationId = batchID
	}

	if err := s.session.Publish(pubCtx, s.cfg.Stream, msg); err != nil {
		s.dropSessionLocked()
		return s.recordFailure(event, err, time.Since(start))
	}

	duration := time.Since(start)
	metrics.AuditSinkLatency.WithLabelValues(s.name).Observe(duration.Seconds())
	metrics.AuditBrokerPublishes.WithLabelValues(s.name, "success").Inc()
	s.messagesWritten.Add(1)

	if !s.connected.Swap(true) {
		metrics.AuditSinkConnected.WithLabelValues(s.name).Set(1)
		s.logger.Info("stream sink connection restored",
			zap.String("name", s.name),
			zap.Duration("duration", duration))
	}
	return nil
}

func (s *StreamSink) recordFailure(event *Event, err error, duration time.Duration) error {
	errorType := classifyBrokerError(err)

	metrics.AuditSinkErrors.WithLabelValues(s.name, errorType).Inc()
	metrics.AuditSinkLatency.WithLabelValues(s.name).Observe(duration.Seconds())
	metrics.AuditBrokerPublishes.WithLabelValues(s.name, "error").Inc()
	s.messagesFailed.Add(1)

	if s.connected.Swap(false) {
		metrics.AuditSinkConnected.WithLabelValues(s.name).Set(0)
	}
	s.lastError.Store(err)
	s.lastErrorTime.Store(time.Now())

	s.logger.Debug("stream publish failed",
		zap.String("error", err.Error()),
		zap.String("error_type", errorType),
		zap.Duration("duration", duration),
		zap.String("log_id", event.LogID))

	return fmt.Errorf("failed to publish to stream (%s): %w", errorType, err)
}

// Close closes the broker session.
func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	metrics.AuditSinkConnected.WithLabelValues(s.name).Set(0)

	s.logger.Info("closing stream audit sink",
		zap.String("name", s.name),
		zap.Int64("messages_written", s.messagesWritten.Load()),
		zap.Int64("messages_failed", s.messagesFailed.Load()))

	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// Name returns the sink identifier.
func (s *StreamSink) Name() string {
	return s.name
}

// IsConnected returns the current connection state.
func (s *StreamSink) IsConnected() bool {
	return s.connected.Load()
}

// LastError returns the last error encountered and when it occurred.
func (s *StreamSink) LastError() (time.Time, error) {
	err, _ := s.lastError.Load().(error)
	t, _ := s.lastErrorTime.Load().(time.Time)
	return t, err
}

// MessageStats returns message statistics for monitoring.
func (s *StreamSink) MessageStats() (written, failed int64) {
	return s.messagesWritten.Load(), s.messagesFailed.Load()
}

// amqpSession is a streamPublisher on a confirm-mode channel.
type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialAMQP(url string) (streamPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	session := &amqpSession{conn: conn}
	if err := session.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return session, nil
}

func (a *amqpSession) openChannel() error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	a.ch = ch
	return nil
}

// DeclareStream declares a durable stream queue. A PRECONDITION_FAILED reply
// means the queue already exists with other arguments; that counts as existing.
// The broker closes the channel in that case, so a fresh one is opened.
func (a *amqpSession) DeclareStream(name string, args amqp.Table) error {
	_, err := a.ch.QueueDeclare(name, true, false, false, false, args)
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return a.openChannel()
	}
	return err
}

func (a *amqpSession) Publish(ctx context.Context, stream string, msg amqp.Publishing) error {
	confirm, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, "", stream, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.MessageId)
	}
	return nil
}

func (a *amqpSession) Close() error {
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
