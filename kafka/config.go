// Package kafka produces console node changes to Kafka and consumes set
// requests for writable nodes.
package kafka

import (
	"crypto/tls"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"winglink/config"
	"winglink/logging"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// DefaultWriteMaxAge bounds how old a set request may be when it is applied.
const DefaultWriteMaxAge = 2 * time.Second

// Defaults fills unset producer settings in cfg.
func Defaults(cfg *config.KafkaConfig) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = -1 // All replicas must acknowledge
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
}

func consumerGroup(cfg *config.KafkaConfig, ns string) string {
	if cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}
	return ns + "-" + cfg.Name
}

func writeMaxAge(cfg *config.KafkaConfig) time.Duration {
	if cfg.WriteMaxAge > 0 {
		return cfg.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

func tlsConfig(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil.
func saslMechanism(cfg *config.KafkaConfig) sasl.Mechanism {
	if cfg.Username == "" {
		return nil
	}

	switch SASLMechanism(cfg.SASLMechanism) {
	case SASLPlain:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, err := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		if err != nil {
			logKafka("SCRAM-SHA-256 setup for %s: %v", cfg.Name, err)
			return nil
		}
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, err := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		if err != nil {
			logKafka("SCRAM-SHA-512 setup for %s: %v", cfg.Name, err)
			return nil
		}
		return mechanism
	default:
		return nil
	}
}

// newDialer creates a dialer with auth and TLS.
func newDialer(cfg *config.KafkaConfig) *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(cfg),
		SASLMechanism: saslMechanism(cfg),
	}
}

// newTransport creates a writer transport with auth and TLS.
func newTransport(cfg *config.KafkaConfig) *kafka.Transport {
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(cfg),
		SASL:        saslMechanism(cfg),
	}
}

var debugKafka = logging.Register("kafka")

func logKafka(format string, args ...interface{}) {
	debugKafka.Log(format, args...)
}
