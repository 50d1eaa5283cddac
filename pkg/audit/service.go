/*
Copyright 2026.

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
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/metrics"
)

// Service owns the delivery pipeline built from configuration and rebuilds
// the broker side on Reload without touching the local log.
type Service struct {
	logger   *zap.Logger
	pipeline *Pipeline

	mu      sync.RWMutex
	cfg     config.Audit
	sinks   []Sink
	wrapped Sink
}

// NewService opens the local log and builds the broker sinks described by cfg.
func NewService(cfg config.Audit, logger *zap.Logger) (*Service, error) {
	local, err := NewFileLogSink(LocalLogConfig{Path: cfg.LocalLog.Path, Stdout: cfg.LocalLog.Stdout})
	if err != nil {
		metrics.AuditConfigReloads.WithLabelValues("error").Inc()
		return nil, err
	}
	return NewServiceWithLocal(cfg, local, logger)
}

// NewServiceWithLocal is NewService with a caller-provided local sink.
func NewServiceWithLocal(cfg config.Audit, local Sink, logger *zap.Logger) (*Service, error) {
	s := &Service{
		logger:   logger.Named("audit-service"),
		pipeline: NewPipeline(local, logger, WithBrokerDisabled(cfg.DisableBrokerDelivery)),
	}
	if err := s.Reload(cfg); err != nil {
		_ = local.Close()
		return nil, err
	}
	return s, nil
}

// Pipeline returns the delivery pipeline.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Deliver delivers through the pipeline.
func (s *Service) Deliver(ctx context.Context, event *Event) error {
	return s.pipeline.Deliver(ctx, event)
}

// Reload rebuilds the broker sinks from cfg and swaps them in. The previous
// sinks are closed after the swap. On error the running pipeline is unchanged.
func (s *Service) Reload(cfg config.Audit) error {
	sinks, err := s.buildSinks(cfg)
	if err != nil {
		metrics.AuditConfigReloads.WithLabelValues("error").Inc()
		return err
	}

	var broker Sink
	switch len(sinks) {
	case 0:
	case 1:
		broker = sinks[0]
	default:
		broker = NewMultiSink(sinks, s.logger)
	}

	if broker != nil && cfg.Async.Enabled {
		broker = NewQueuedSink(broker, QueuedSinkConfig{
			QueueSize: cfg.Async.QueueSize,
			// Per-publish timeout is enforced by the broker sinks themselves.
			WorkerCount: cfg.Async.Workers,
		}, s.logger)
	}

	s.mu.Lock()
	prevSinks, prevWrapped := s.sinks, s.wrapped
	s.sinks, s.wrapped, s.cfg = sinks, broker, cfg
	s.mu.Unlock()

	s.pipeline.SwapBroker(broker)
	s.pipeline.SetBrokerDeliveryDisabled(cfg.DisableBrokerDelivery)

	if prevWrapped != nil {
		// The wrapper closes every sink underneath it.
		if err := prevWrapped.Close(); err != nil {
			s.logger.Warn("failed to close previous audit broker", zap.String("error", err.Error()))
		}
	} else {
		closeSinks(prevSinks, s.logger)
	}

	names := make([]string, 0, len(sinks))
	for _, sink := range sinks {
		names = append(names, sink.Name())
	}
	s.logger.Info("audit pipeline configured",
		zap.Strings("sinks", names),
		zap.Bool("broker_disabled", cfg.DisableBrokerDelivery),
		zap.Bool("async", cfg.Async.Enabled))

	metrics.AuditConfigReloads.WithLabelValues("success").Inc()
	return nil
}

func (s *Service) buildSinks(cfg config.Audit) ([]Sink, error) {
	var sinks []Sink

	broker, err := s.buildBrokerSink(cfg)
	if err != nil {
		return nil, err
	}
	if broker != nil {
		sinks = append(sinks, broker)
	}

	for _, wh := range cfg.Webhooks {
		timeout, err := config.ParseDuration(wh.Timeout, 5*time.Second)
		if err != nil {
			closeSinks(sinks, s.logger)
			return nil, fmt.Errorf("webhook %s timeout: %w", wh.Name, err)
		}
		var sink Sink = NewWebhookSink(WebhookSinkConfig{
			Name:    wh.Name,
			URL:     wh.URL,
			Headers: wh.Headers,
			Timeout: timeout,
		}, s.logger)
		if cfg.CircuitBreaker.Enabled {
			sink = NewCircuitBreakerSink(sink, s.circuitBreakerConfig(cfg.CircuitBreaker), s.logger)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func (s *Service) buildBrokerSink(cfg config.Audit) (Sink, error) {
	b := cfg.Broker
	writeTimeout, err := config.ParseDuration(b.WriteTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("broker write timeout: %w", err)
	}

	var sink Sink
	switch strings.ToLower(b.Type) {
	case config.BrokerNone:
		return nil, nil

	case config.BrokerKafka:
		kafkaCfg := KafkaSinkConfig{
			Brokers:           b.Addresses(),
			Topic:             b.Stream,
			Partitions:        b.Partitions,
			ReplicationFactor: b.ReplicationFactor,
			WriteTimeout:      writeTimeout,
			CompressionCodec:  b.Compression,
		}
		if b.TLS.Enabled {
			tlsCfg, err := loadKafkaTLS(b.TLS)
			if err != nil {
				return nil, err
			}
			kafkaCfg.TLS = tlsCfg
		}
		if b.SASLMechanism != "" {
			kafkaCfg.SASL = &KafkaSASLConfig{
				Mechanism: b.SASLMechanism,
				Username:  b.Username,
				Password:  b.Password,
			}
		}
		sink, err = NewKafkaSink(kafkaCfg, s.logger)
		if err != nil {
			return nil, err
		}

	case config.BrokerStream:
		sink, err = NewStreamSink(StreamSinkConfig{
			Host:           b.Host,
			Port:           b.Port,
			Username:       b.Username,
			Password:       b.Password,
			VirtualHost:    b.VirtualHost,
			Stream:         b.Stream,
			MaxLengthBytes: b.MaxLengthBytes,
			TLS:            b.TLS.Enabled,
			PublishTimeout: writeTimeout,
		}, s.logger)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown broker type: %s", b.Type)
	}

	if cfg.CircuitBreaker.Enabled {
		cbCfg := s.circuitBreakerConfig(cfg.CircuitBreaker)
		s.logger.Info("wrapped broker sink with circuit breaker",
			zap.String("sink", sink.Name()),
			zap.Int("failure_threshold", cbCfg.FailureThreshold),
			zap.Duration("open_timeout", cbCfg.OpenTimeout))
		sink = NewCircuitBreakerSink(sink, cbCfg, s.logger)
	}
	return sink, nil
}

func (s *Service) circuitBreakerConfig(cfg config.CircuitBreaker) CircuitBreakerConfig {
	cb := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold > 0 {
		cb.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.SuccessThreshold > 0 {
		cb.SuccessThreshold = cfg.SuccessThreshold
	}
	// Validated by config.Validate.
	if d, err := config.ParseDuration(cfg.OpenTimeout, cb.OpenTimeout); err == nil {
		cb.OpenTimeout = d
	}
	return cb
}

func loadKafkaTLS(cfg config.BrokerTLS) (*KafkaTLSConfig, error) {
	tlsCfg := &KafkaTLSConfig{
		Enabled:            true,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		tlsCfg.CACert = data
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key: %w", err)
		}
		tlsCfg.ClientCert = cert
		tlsCfg.ClientKey = key
	}
	return tlsCfg, nil
}

// SinkHealth represents the health status of a single broker-side sink.
type SinkHealth struct {
	Name                string    `json:"name"`
	Healthy             bool      `json:"healthy"`
	CircuitState        string    `json:"circuitState"` // "closed", "open", "half-open", or "none"
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalRequests       int64     `json:"totalRequests"`
	TotalFailures       int64     `json:"totalFailures"`
	TotalRejections     int64     `json:"totalRejections"`
	LastError           string    `json:"lastError,omitempty"`
	LastErrorTime       time.Time `json:"lastErrorTime,omitempty"`
}

// Status summarizes the pipeline for the health endpoint.
type Status struct {
	BrokerDisabled bool              `json:"brokerDisabled"`
	Async          *QueuedSinkHealth `json:"async,omitempty"`
	Sinks          []SinkHealth      `json:"sinks"`
}

// Status returns the kill switch state and per-sink health.
func (s *Service) Status() Status {
	s.mu.RLock()
	sinks, wrapped := s.sinks, s.wrapped
	s.mu.RUnlock()

	status := Status{
		BrokerDisabled: s.pipeline.BrokerDeliveryDisabled(),
		Sinks:          make([]SinkHealth, 0, len(sinks)),
	}
	if qs, ok := wrapped.(*QueuedSink); ok {
		h := qs.Health()
		status.Async = &h
	}
	for _, sink := range sinks {
		status.Sinks = append(status.Sinks, sinkHealth(sink))
	}
	return status
}

type connectionReporter interface {
	IsConnected() bool
	LastError() (time.Time, error)
}

func sinkHealth(sink Sink) SinkHealth {
	h := SinkHealth{Name: sink.Name(), Healthy: true, CircuitState: "none"}

	inner := sink
	if cb, ok := sink.(*CircuitBreakerSink); ok {
		stats := cb.CircuitBreaker().Stats()
		h.Healthy = stats.State == CircuitClosed
		h.CircuitState = stats.State.String()
		h.ConsecutiveFailures = stats.ConsecutiveFails
		h.TotalRequests = stats.TotalRequests
		h.TotalFailures = stats.TotalFailures
		h.TotalRejections = stats.TotalRejections
		if stats.LastError != nil {
			h.LastError = stats.LastError.Error()
			h.LastErrorTime = stats.LastFailureTime
		}
		inner = cb.Unwrap()
	}

	if rep, ok := inner.(connectionReporter); ok {
		if !rep.IsConnected() {
			h.Healthy = false
		}
		if t, err := rep.LastError(); err != nil && h.LastError == "" {
			h.LastError = err.Error()
			h.LastErrorTime = t
		}
	}
	return h
}

// Close shuts down the broker sinks and the local log.
func (s *Service) Close() error {
	s.mu.Lock()
	s.sinks, s.wrapped = nil, nil
	s.mu.Unlock()

	err := s.pipeline.Close()
	s.logger.Info("audit service closed")
	return err
}

func closeSinks(sinks []Sink, logger *zap.Logger) {
	var errs []error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to close audit sinks", zap.String("error", err.Error()))
	}
}
