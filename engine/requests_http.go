package engine

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"winglink/config"
)

// ConsoleHTTPRequest is the JSON form of console create/update fields.
type ConsoleHTTPRequest struct {
	Name    string                 `json:"name"`
	Address string                 `json:"address"`
	Port    int                    `json:"port"`
	Enabled bool                   `json:"enabled"`
	Nodes   []config.NodeSelection `json:"nodes"`
}

// ToCreateRequest converts to an engine ConsoleCreateRequest.
func (r ConsoleHTTPRequest) ToCreateRequest() ConsoleCreateRequest {
	return ConsoleCreateRequest{
		Name: r.Name, Address: r.Address, Port: r.Port,
		Enabled: r.Enabled, Nodes: r.Nodes,
	}
}

// ToUpdateRequest converts to an engine ConsoleUpdateRequest.
func (r ConsoleHTTPRequest) ToUpdateRequest() ConsoleUpdateRequest {
	return ConsoleUpdateRequest{
		Address: r.Address, Port: r.Port,
		Enabled: r.Enabled, Nodes: r.Nodes,
	}
}

// MQTTHTTPRequest is the JSON form of MQTT create/update fields.
type MQTTHTTPRequest struct {
	Name     string `json:"name"`
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Selector string `json:"selector"`
	UseTLS   bool   `json:"use_tls"`
	Enabled  bool   `json:"enabled"`
}

// ToCreateRequest converts to an engine MQTTCreateRequest.
func (r MQTTHTTPRequest) ToCreateRequest() MQTTCreateRequest {
	return MQTTCreateRequest{Name: r.Name, MQTTUpdateRequest: r.ToUpdateRequest()}
}

// ToUpdateRequest converts to an engine MQTTUpdateRequest.
func (r MQTTHTTPRequest) ToUpdateRequest() MQTTUpdateRequest {
	return MQTTUpdateRequest{
		Broker: r.Broker, Port: r.Port,
		ClientID: r.ClientID, Username: r.Username, Password: r.Password,
		Selector: r.Selector, UseTLS: r.UseTLS, Enabled: r.Enabled,
	}
}

// ValkeyHTTPRequest is the JSON form of Valkey create/update fields.
type ValkeyHTTPRequest struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Password        string `json:"password"`
	Database        int    `json:"database"`
	Selector        string `json:"selector"`
	KeyTTL          string `json:"key_ttl"`
	UseTLS          bool   `json:"use_tls"`
	PublishChanges  bool   `json:"publish_changes"`
	EnableWriteback bool   `json:"enable_writeback"`
	Enabled         bool   `json:"enabled"`
}

// ToCreateRequest converts to an engine ValkeyCreateRequest.
func (r ValkeyHTTPRequest) ToCreateRequest() ValkeyCreateRequest {
	return ValkeyCreateRequest{Name: r.Name, ValkeyUpdateRequest: r.ToUpdateRequest()}
}

// ToUpdateRequest converts to an engine ValkeyUpdateRequest.
func (r ValkeyHTTPRequest) ToUpdateRequest() ValkeyUpdateRequest {
	return ValkeyUpdateRequest{
		Address: r.Address, Password: r.Password,
		Database: r.Database, Selector: r.Selector, KeyTTL: parseDuration(r.KeyTTL),
		UseTLS: r.UseTLS, PublishChanges: r.PublishChanges,
		EnableWriteback: r.EnableWriteback, Enabled: r.Enabled,
	}
}

// KafkaHTTPRequest is the JSON form of Kafka create/update fields.
// Brokers may be given comma-separated or as broker_list.
type KafkaHTTPRequest struct {
	Name             string   `json:"name"`
	Brokers          string   `json:"brokers"`
	BrokerList       []string `json:"broker_list,omitempty"`
	UseTLS           bool     `json:"use_tls"`
	TLSSkipVerify    bool     `json:"tls_skip_verify"`
	SASLMechanism    string   `json:"sasl_mechanism"`
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	Topic            string   `json:"topic"`
	Selector         string   `json:"selector"`
	EnableWriteback  bool     `json:"enable_writeback"`
	AutoCreateTopics *bool    `json:"auto_create_topics"`
	Enabled          bool     `json:"enabled"`
	RequiredAcks     int      `json:"required_acks"`
	MaxRetries       int      `json:"max_retries"`
	RetryBackoff     string   `json:"retry_backoff"`
	ConsumerGroup    string   `json:"consumer_group"`
	WriteMaxAge      string   `json:"write_max_age"`
}

// ParseBrokers returns the broker list, preferring BrokerList over Brokers.
func (r KafkaHTTPRequest) ParseBrokers() []string {
	if len(r.BrokerList) > 0 {
		return r.BrokerList
	}
	var brokers []string
	for _, b := range strings.Split(r.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// ToCreateRequest converts to an engine KafkaCreateRequest.
func (r KafkaHTTPRequest) ToCreateRequest() KafkaCreateRequest {
	return KafkaCreateRequest{Name: r.Name, KafkaUpdateRequest: r.ToUpdateRequest()}
}

// ToUpdateRequest converts to an engine KafkaUpdateRequest.
func (r KafkaHTTPRequest) ToUpdateRequest() KafkaUpdateRequest {
	return KafkaUpdateRequest{
		Brokers: r.ParseBrokers(), UseTLS: r.UseTLS,
		TLSSkipVerify: r.TLSSkipVerify, SASLMechanism: r.SASLMechanism,
		Username: r.Username, Password: r.Password,
		Topic: r.Topic, Selector: r.Selector,
		EnableWriteback: r.EnableWriteback, AutoCreateTopics: r.AutoCreateTopics,
		Enabled: r.Enabled, RequiredAcks: r.RequiredAcks, MaxRetries: r.MaxRetries,
		RetryBackoff: parseDuration(r.RetryBackoff), ConsumerGroup: r.ConsumerGroup,
		WriteMaxAge: parseDuration(r.WriteMaxAge),
	}
}

// parseDuration returns zero for empty or malformed input.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// EngineHTTPStatus maps engine sentinel errors to HTTP status codes.
func EngineHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
