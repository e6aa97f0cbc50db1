package engine

import (
	"time"

	"winglink/config"
)

// ConsoleCreateRequest holds fields for creating a console.
type ConsoleCreateRequest struct {
	Name    string
	Address string
	Port    int
	Enabled bool
	Nodes   []config.NodeSelection
}

// ConsoleUpdateRequest holds fields for replacing a console's settings.
type ConsoleUpdateRequest struct {
	Address string
	Port    int
	Enabled bool
	Nodes   []config.NodeSelection
}

// MQTTUpdateRequest holds an MQTT broker's settings. Port 0 means 1883;
// an empty Password keeps the stored one on update.
type MQTTUpdateRequest struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
	Selector string
	UseTLS   bool
	Enabled  bool
}

// MQTTCreateRequest names a new MQTT broker.
type MQTTCreateRequest struct {
	Name string
	MQTTUpdateRequest
}

// ValkeyUpdateRequest holds a Valkey server's settings. An empty Password
// keeps the stored one on update.
type ValkeyUpdateRequest struct {
	Address         string
	Password        string
	Database        int
	Selector        string
	KeyTTL          time.Duration
	UseTLS          bool
	PublishChanges  bool
	EnableWriteback bool
	Enabled         bool
}

// ValkeyCreateRequest names a new Valkey server.
type ValkeyCreateRequest struct {
	Name string
	ValkeyUpdateRequest
}

// KafkaUpdateRequest holds fields for updating a Kafka cluster. An empty
// Password keeps the stored one. A nil AutoCreateTopics means true.
type KafkaUpdateRequest struct {
	Brokers          []string
	UseTLS           bool
	TLSSkipVerify    bool
	SASLMechanism    string
	Username         string
	Password         string
	Topic            string
	Selector         string
	EnableWriteback  bool
	AutoCreateTopics *bool
	Enabled          bool
	RequiredAcks     int
	MaxRetries       int
	RetryBackoff     time.Duration
	ConsumerGroup    string
	WriteMaxAge      time.Duration
}

// KafkaCreateRequest names a new Kafka cluster.
type KafkaCreateRequest struct {
	Name string
	KafkaUpdateRequest
}
