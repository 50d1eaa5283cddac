/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// KafkaSinkConfig configures a KafkaSink.
type KafkaSinkConfig struct {
	// Name is the identifier for this sink instance.
	Name string

	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the stream audit events are published to.
	Topic string

	// Partitions and ReplicationFactor are used when the topic has to be created.
	// Defaults: 1 and 1.
	Partitions        int
	ReplicationFactor int

	// TLS configuration for secure connections.
	TLS *KafkaTLSConfig

	// SASL authentication configuration.
	SASL *KafkaSASLConfig

	// WriteTimeout is the timeout for writing messages.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// RequiredAcks determines the level of acknowledgment required.
	// -1: all replicas, 0: none, 1: leader only
	// Default: -1 (all replicas)
	RequiredAcks int

	// CompressionCodec for message compression.
	// Valid values: "none", "gzip", "snappy", "lz4", "zstd"
	// Default: "snappy"
	CompressionCodec string
}

// KafkaTLSConfig holds TLS configuration for Kafka connections.
type KafkaTLSConfig struct {
	// Enabled turns on TLS for the Kafka connection.
	Enabled bool

	// CACert is the PEM-encoded CA certificate for verifying the server.
	CACert []byte

	// ClientCert is the PEM-encoded client certificate for mTLS.
	ClientCert []byte

	// ClientKey is the PEM-encoded client private key for mTLS.
	ClientKey []byte

	// InsecureSkipVerify skips server certificate verification.
	// WARNING: Only use for testing.
	InsecureSkipVerify bool
}

// KafkaSASLConfig holds SASL authentication configuration.
type KafkaSASLConfig struct {
	// Mechanism is the SASL mechanism to use.
	// Valid values: "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	Mechanism string

	// Username for SASL authentication.
	Username string

	// Password for SASL authentication.
	Password string
}

// messageWriter is the subset of *kafka.Writer used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// topicEnsurer creates the destination topic when it does not exist.
type topicEnsurer func(ctx context.Context) error

// KafkaSink publishes audit events to a Kafka topic. The first publish ensures
// the topic exists; an already-existing topic counts as success.
type KafkaSink struct {
	name   string
	topic  string
	writer messageWriter
	ensure topicEnsurer
	logger *zap.Logger
	mu     sync.Mutex
	closed bool

	ensured atomic.Bool

	// Metrics tracking (atomic for lock-free access)
	messagesWritten atomic.Int64
	messagesFailed  atomic.Int64
	connected       atomic.Bool
	lastError       atomic.Value // stores error
	lastErrorTime   atomic.Value // stores time.Time
}

// NewKafkaSink creates a new KafkaSink. No connection is opened until the
// first event is published.
func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}

	transport := &kafka.Transport{}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}

	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			logger.Error("failed to build Kafka TLS config",
				zap.Error(err),
				zap.Strings("brokers", cfg.Brokers))
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLS = tlsConfig
		dialer.TLS = tlsConfig
	}

	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			logger.Error("failed to build Kafka SASL mechanism",
				zap.Error(err),
				zap.String("mechanism", cfg.SASL.Mechanism))
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
		dialer.SASLMechanism = mechanism
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = -1
	}

	var compression kafka.Compression
	switch cfg.CompressionCodec {
	case "none":
		compression = 0
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "snappy", "":
		compression = kafka.Snappy
	default:
		compression = kafka.Snappy
		logger.Warn("unknown compression codec, defaulting to snappy",
			zap.String("codec", cfg.CompressionCodec))
	}

	// Publishing is synchronous from the caller's point of view, so each
	// WriteMessages call is flushed immediately.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequiredAcks(requiredAcks),
		Compression:            compression,
		Transport:              transport,
		AllowAutoTopicCreation: false,
	}

	sinkName := cfg.Name
	if sinkName == "" {
		sinkName = "kafka"
	}

	sink := &KafkaSink{
		name:   sinkName,
		topic:  cfg.Topic,
		writer: writer,
		logger: logger.Named("kafka-audit"),
	}
	sink.ensure = kafkaTopicEnsurer(dialer, cfg)
	sink.connected.Store(true) // Optimistically assume connected

	metrics.AuditSinkConnected.WithLabelValues(sinkName).Set(1)

	logger.Info("Kafka audit sink created",
		zap.String("name", sinkName),
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls_enabled", cfg.TLS != nil && cfg.TLS.Enabled),
		zap.Bool("sasl_enabled", cfg.SASL != nil && cfg.SASL.Mechanism != ""))

	return sink, nil
}

// kafkaTopicEnsurer returns a function that creates the topic on the cluster
// controller. TopicAlreadyExists is success.
func kafkaTopicEnsurer(dialer *kafka.Dialer, cfg KafkaSinkConfig) topicEnsurer {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	return func(ctx context.Context) error {
		var conn *kafka.Conn
		var err error
		for _, broker := range cfg.Brokers {
			conn, err = dialer.DialContext(ctx, "tcp", broker)
			if err == nil {
				break
			}
		}
		if err != nil {
			return fmt.Errorf("failed to dial Kafka: %w", err)
		}
		defer func() { _ = conn.Close() }()

		controller, err := conn.Controller()
		if err != nil {
			return fmt.Errorf("failed to look up Kafka controller: %w", err)
		}

		ctrlConn, err := dialer.DialContext(ctx, "tcp",
			net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
		if err != nil {
			return fmt.Errorf("failed to dial Kafka controller: %w", err)
		}
		defer func() { _ = ctrlConn.Close() }()

		err = ctrlConn.CreateTopics(kafka.TopicConfig{
			Topic:             cfg.Topic,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			return fmt.Errorf("failed to create topic %q: %w", cfg.Topic, err)
		}
		return nil
	}
}

// EnsureStream makes sure the destination topic exists. Safe to call repeatedly;
// after the first success it is a no-op.
func (s *KafkaSink) EnsureStream(ctx context.Context) error {
	if s.ensured.Load() {
		return nil
	}
	if s.ensure == nil {
		s.ensured.Store(true)
		return nil
	}
	if err := s.ensure(ctx); err != nil {
		metrics.AuditStreamEnsured.WithLabelValues(s.name, "error").Inc()
		return err
	}
	metrics.AuditStreamEnsured.WithLabelValues(s.name, "success").Inc()
	s.ensured.Store(true)
	s.logger.Info("Kafka audit topic ready", zap.String("topic", s.topic))
	return nil
}

// classifyBrokerError categorizes Kafka and AMQP errors for metrics and logging.
func classifyBrokerError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// Check for context errors first (timeout/cancellation)
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network"
	}

	switch {
	case strings.Contains(errStr, "SASL") || strings.Contains(errStr, "authentication"):
		return "auth"
	case strings.Contains(errStr, "authorization") || strings.Contains(errStr, "ACL") || strings.Contains(errStr, "ACCESS_REFUSED"):
		return "authorization"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		return "timeout"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network"
	case strings.Contains(errStr, "broker") || strings.Contains(errStr, "leader"):
		return "broker"
	case strings.Contains(errStr, "topic") || strings.Contains(errStr, "stream"):
		return "topic"
	case strings.Contains(errStr, "TLS") || strings.Contains(errStr, "certificate"):
		return "tls"
	default:
		return "other"
	}
}

// Write publishes an audit event to Kafka and waits for the acknowledgement.
func (s *KafkaSink) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.AuditSinkErrors.WithLabelValues(s.name, "closed").Inc()
		return ErrSinkClosed
	}
	s.mu.Unlock()

	start := time.Now()

	value, err := event.Encode()
	if err != nil {
		metrics.AuditSinkErrors.WithLabelValues(s.name, "serialization").Inc()
		s.messagesFailed.Add(1)
		return err
	}

	if err := s.EnsureStream(ctx); err != nil {
		return s.recordFailure(event, err, time.Since(start))
	}

	msg := kafka.Message{
		Key:     []byte(event.ObjectType),
		Value:   value,
		Headers: messageHeaders(event),
	}

	metrics.AuditKafkaMessagesInFlight.WithLabelValues(s.name).Inc()
	defer metrics.AuditKafkaMessagesInFlight.WithLabelValues(s.name).Dec()

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return s.recordFailure(event, err, time.Since(start))
	}

	duration := time.Since(start)
	metrics.AuditSinkLatency.WithLabelValues(s.name).Observe(duration.Seconds())
	metrics.AuditBrokerPublishes.WithLabelValues(s.name, "success").Inc()
	s.messagesWritten.Add(1)

	if !s.connected.Swap(true) {
		metrics.AuditSinkConnected.WithLabelValues(s.name).Set(1)
		s.logger.Info("Kafka sink connection restored",
			zap.String("name", s.name),
			zap.Duration("duration", duration))
	}

	return nil
}

func (s *KafkaSink) recordFailure(event *Event, err error, duration time.Duration) error {
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

	s.logger.Debug("Kafka publish failed",
		zap.String("error", err.Error()),
		zap.String("error_type", errorType),
		zap.Duration("duration", duration),
		zap.String("log_id", event.LogID),
		zap.String("object_type", event.ObjectType))

	return fmt.Errorf("failed to write to Kafka (%s): %w", errorType, err)
}

// messageHeaders carries routing metadata next to the JSON payload.
func messageHeaders(event *Event) []kafka.Header {
	headers := []kafka.Header{
		{Key: "log-id", Value: []byte(event.LogID)},
		{Key: "action", Value: []byte(event.Action)},
		{Key: "object-type", Value: []byte(event.ObjectType)},
		{Key: "timestamp", Value: []byte(event.Timestamp.UTC().Format(time.RFC3339))},
	}
	if batchID, ok := event.Extra["batch_id"].(string); ok && batchID != "" {
		headers = append(headers, kafka.Header{Key: "batch-id", Value: []byte(batchID)})
	}
	return headers
}

// Close closes the Kafka writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	metrics.AuditSinkConnected.WithLabelValues(s.name).Set(0)

	s.logger.Info("closing Kafka audit sink",
		zap.String("name", s.name),
		zap.Int64("messages_written", s.messagesWritten.Load()),
		zap.Int64("messages_failed", s.messagesFailed.Load()))

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// Name returns the sink identifier.
func (s *KafkaSink) Name() string {
	return s.name
}

// IsConnected returns the current connection state.
func (s *KafkaSink) IsConnected() bool {
	return s.connected.Load()
}

// LastError returns the last error encountered and when it occurred.
func (s *KafkaSink) LastError() (time.Time, error) {
	err, _ := s.lastError.Load().(error)
	t, _ := s.lastErrorTime.Load().(time.Time)
	return t, err
}

// MessageStats returns message statistics for monitoring.
func (s *KafkaSink) MessageStats() (written, failed int64) {
	return s.messagesWritten.Load(), s.messagesFailed.Load()
}

// HealthCheck reports the last error when it happened within the past minute
// and the sink is not known to be connected.
func (s *KafkaSink) HealthCheck() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.mu.Unlock()

	if !s.connected.Load() {
		lastErrTime, lastErr := s.LastError()
		if lastErr != nil && time.Since(lastErrTime) < time.Minute {
			return fmt.Errorf("kafka sink unhealthy: %w (at %s)", lastErr, lastErrTime.Format(time.RFC3339))
		}
	}

	return nil
}

// buildTLSConfig creates a TLS configuration from KafkaTLSConfig.
func buildTLSConfig(cfg *KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Configurable for testing
	}

	if len(cfg.CACert) > 0 {
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(cfg.CACert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if len(cfg.ClientCert) > 0 && len(cfg.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// buildSASLMechanism creates a SASL mechanism from KafkaSASLConfig.
func buildSASLMechanism(cfg *KafkaSASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case "SCRAM-SHA-256":
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-256 mechanism: %w", err)
		}
		return mechanism, nil
	case "SCRAM-SHA-512":
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to create SCRAM-SHA-512 mechanism: %w", err)
		}
		return mechanism, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}
