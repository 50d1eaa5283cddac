package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Broker types understood by Audit.Broker.Type.
const (
	BrokerNone   = ""
	BrokerKafka  = "kafka"
	BrokerStream = "stream"
)

// Environment variables that override file values.
const (
	EnvConfigPath     = "AUDIT_CONFIG_PATH"
	EnvDisableBroker  = "AUDIT_DISABLE_BROKER"
	EnvBrokerHost     = "AUDIT_BROKER_HOST"
	EnvBrokerPassword = "AUDIT_BROKER_PASSWORD"
	EnvLogPath        = "AUDIT_LOG_PATH"
)

type Server struct {
	ListenAddress string `yaml:"listenAddress"`
	// TrustedProxies are the IPs/CIDRs whose X-Forwarded-For headers gin trusts.
	TrustedProxies []string `yaml:"trustedProxies"`
	// SessionCookie is the cookie carrying the session key (default "sessionid").
	SessionCookie string `yaml:"sessionCookie"`
	// ShutdownTimeout bounds graceful shutdown, e.g. "15s".
	ShutdownTimeout string    `yaml:"shutdownTimeout"`
	RateLimit       RateLimit `yaml:"rateLimit"`
}

// RateLimit limits the manual event endpoint per actor or client IP.
type RateLimit struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

type LocalLog struct {
	// Path of the append-only audit file. Empty logs to stdout only.
	Path   string `yaml:"path"`
	Stdout bool   `yaml:"stdout"`
}

type BrokerTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type Broker struct {
	// Type selects the broker sink: "kafka", "stream" (RabbitMQ stream) or empty for none.
	Type string `yaml:"type"`

	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	VirtualHost string `yaml:"virtualHost"`

	// Stream is the stream queue (RabbitMQ) or topic (Kafka) name.
	Stream string `yaml:"stream"`

	// Brokers lists additional Kafka bootstrap servers besides Host:Port.
	Brokers []string `yaml:"brokers"`

	Partitions        int    `yaml:"partitions"`
	ReplicationFactor int    `yaml:"replicationFactor"`
	MaxLengthBytes    int64  `yaml:"maxLengthBytes"`
	SASLMechanism     string `yaml:"saslMechanism"`
	Compression       string `yaml:"compression"`
	// WriteTimeout bounds a single publish, e.g. "10s".
	WriteTimeout string `yaml:"writeTimeout"`

	TLS BrokerTLS `yaml:"tls"`
}

// Addresses returns the Kafka bootstrap addresses.
func (b Broker) Addresses() []string {
	var addrs []string
	if b.Host != "" {
		port := b.Port
		if port == 0 {
			port = 9092
		}
		addrs = append(addrs, b.Host+":"+strconv.Itoa(port))
	}
	return append(addrs, b.Brokers...)
}

type Async struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queueSize"`
	Workers   int  `yaml:"workers"`
}

type CircuitBreaker struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold int    `yaml:"failureThreshold"`
	SuccessThreshold int    `yaml:"successThreshold"`
	OpenTimeout      string `yaml:"openTimeout"`
}

type Webhook struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout string            `yaml:"timeout"`
}

// Model declares the display metadata of an entity type whose events reach
// this process only through the manual endpoint or the CLI.
type Model struct {
	// Type is the "app.model" key.
	Type              string            `yaml:"type"`
	VerboseName       string            `yaml:"verboseName"`
	VerboseNamePlural string            `yaml:"verboseNamePlural"`
	Fields            map[string]string `yaml:"fields"`
	// Choices maps a field to its stored value -> display label pairs.
	Choices  map[string]map[string]string `yaml:"choices"`
	Redirect *ModelRedirect               `yaml:"redirect"`
}

type ModelRedirect struct {
	Target    string `yaml:"target"`
	LinkField string `yaml:"linkField"`
}

type Audit struct {
	// DisableBrokerDelivery is the kill switch: events still reach the local
	// log but are never published to the broker.
	DisableBrokerDelivery bool           `yaml:"disableBrokerDelivery"`
	LocalLog              LocalLog       `yaml:"localLog"`
	Broker                Broker         `yaml:"broker"`
	Async                 Async          `yaml:"async"`
	CircuitBreaker        CircuitBreaker `yaml:"circuitBreaker"`
	Webhooks              []Webhook      `yaml:"webhooks"`
	// Language is the default display language for translated labels ("en", "vi").
	Language string  `yaml:"language"`
	Models   []Model `yaml:"models"`
}

// Telemetry configures OpenTelemetry tracing of the API and delivery pipeline.
type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	// Exporter is "otlp", "stdout" or "none".
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Audit     Audit     `yaml:"audit"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Defaults returns the configuration used when a key is absent.
func Defaults() Config {
	return Config{
		Server: Server{
			ListenAddress:   ":8080",
			SessionCookie:   "sessionid",
			ShutdownTimeout: "15s",
			RateLimit:       RateLimit{Enabled: true, Rate: 10, Burst: 50},
		},
		Audit: Audit{
			LocalLog: LocalLog{Stdout: true},
			Broker: Broker{
				VirtualHost:       "/",
				Stream:            "audit-logs",
				Partitions:        1,
				ReplicationFactor: 1,
				WriteTimeout:      "10s",
			},
			Async: Async{QueueSize: 10000, Workers: 2},
			CircuitBreaker: CircuitBreaker{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      "30s",
			},
			Language: "en",
		},
		Telemetry: Telemetry{
			ServiceName:  "audit-trail",
			Exporter:     "otlp",
			SamplingRate: 1.0,
		},
	}
}

// Load loads the audit configuration from a file path on top of Defaults.
// If configPath is empty, AUDIT_CONFIG_PATH is used, then "./config.yaml".
// A missing default file is not an error; environment overrides are applied last.
func Load(configPath ...string) (Config, error) {
	config := Defaults()

	path := os.Getenv(EnvConfigPath)
	explicit := path != ""
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
		explicit = true
	}
	if path == "" {
		path = "./config.yaml"
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &config); err != nil {
			return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return config, fmt.Errorf("trying to open audit config file %s: %w", path, err)
	}

	if err := config.applyEnv(); err != nil {
		return config, err
	}
	return config, config.Validate()
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvDisableBroker); ok && v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvDisableBroker, v, err)
		}
		c.Audit.DisableBrokerDelivery = disabled
	}
	if v := os.Getenv(EnvBrokerHost); v != "" {
		c.Audit.Broker.Host = v
	}
	if v := os.Getenv(EnvBrokerPassword); v != "" {
		c.Audit.Broker.Password = v
	}
	if v := os.Getenv(EnvLogPath); v != "" {
		c.Audit.LocalLog.Path = v
	}
	return nil
}

// Validate checks values that would otherwise fail much later at first publish.
func (c Config) Validate() error {
	switch strings.ToLower(c.Audit.Broker.Type) {
	case BrokerNone:
	case BrokerKafka:
		if len(c.Audit.Broker.Addresses()) == 0 {
			return fmt.Errorf("audit.broker: kafka requires host or brokers")
		}
	case BrokerStream:
		if c.Audit.Broker.Host == "" {
			return fmt.Errorf("audit.broker: stream requires host")
		}
	default:
		return fmt.Errorf("audit.broker.type: unknown broker type %q", c.Audit.Broker.Type)
	}
	if c.Audit.Broker.Type != BrokerNone && c.Audit.Broker.Stream == "" {
		return fmt.Errorf("audit.broker.stream is required")
	}
	for _, d := range []struct {
		key, value string
	}{
		{"audit.broker.writeTimeout", c.Audit.Broker.WriteTimeout},
		{"audit.circuitBreaker.openTimeout", c.Audit.CircuitBreaker.OpenTimeout},
		{"server.shutdownTimeout", c.Server.ShutdownTimeout},
	} {
		if _, err := ParseDuration(d.value, 0); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Rate <= 0 || c.Server.RateLimit.Burst <= 0) {
		return fmt.Errorf("server.rateLimit: rate and burst must be positive")
	}
	switch c.Telemetry.Exporter {
	case "", "otlp", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter: unknown exporter %q", c.Telemetry.Exporter)
	}
	for i, m := range c.Audit.Models {
		if strings.TrimSpace(m.Type) == "" {
			return fmt.Errorf("audit.models[%d]: type is required", i)
		}
		if m.Redirect != nil && (m.Redirect.Target == "" || m.Redirect.LinkField == "") {
			return fmt.Errorf("audit.models[%d].redirect: target and linkField are required", i)
		}
	}
	for i, w := range c.Audit.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("audit.webhooks[%d]: url is required", i)
		}
		if _, err := ParseDuration(w.Timeout, 0); err != nil {
			return fmt.Errorf("audit.webhooks[%d].timeout: %w", i, err)
		}
	}
	return nil
}

// ParseDuration parses a Go duration string, returning fallback for an empty value.
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
