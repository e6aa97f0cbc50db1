// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// NodeSegment turns a node path such as "/ch/1/fdr" into a key segment,
// joining the path elements with sep.
func NodeSegment(node, sep string) string {
	node = strings.Trim(node, "/")
	if sep == "/" {
		return node
	}
	return strings.ReplaceAll(node, "/", sep)
}

// --- MQTT (delimiter: /) ---

// MQTTNodeTopic returns the topic for a node value: {ns}[/{sel}]/{console}/nodes/{node}
func (b *Builder) MQTTNodeTopic(console, node string) string {
	return b.mqttBase() + "/" + console + "/nodes/" + NodeSegment(node, "/")
}

// MQTTStatusTopic returns the topic for session status: {ns}[/{sel}]/{console}/status
func (b *Builder) MQTTStatusTopic(console string) string {
	return b.mqttBase() + "/" + console + "/status"
}

// MQTTSetTopic returns the topic for set requests: {ns}[/{sel}]/{console}/set
func (b *Builder) MQTTSetTopic(console string) string {
	return b.mqttBase() + "/" + console + "/set"
}

// MQTTSetResponseTopic returns the topic for set responses: {ns}[/{sel}]/{console}/set/response
func (b *Builder) MQTTSetResponseTopic(console string) string {
	return b.mqttBase() + "/" + console + "/set/response"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyNodeKey returns the key for a node value: {ns}[:{sel}]:{console}:nodes:{node}
// Path separators inside the node name become dots.
func (b *Builder) ValkeyNodeKey(console, node string) string {
	return b.valkeyBase() + ":" + console + ":nodes:" + NodeSegment(node, ".")
}

// ValkeyStatusKey returns the key for session status: {ns}[:{sel}]:{console}:status
func (b *Builder) ValkeyStatusKey(console string) string {
	return b.valkeyBase() + ":" + console + ":status"
}

// ValkeyChangesChannel returns the channel for console changes: {ns}[:{sel}]:{console}:changes
func (b *Builder) ValkeyChangesChannel(console string) string {
	return b.valkeyBase() + ":" + console + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeySetQueue returns the list key for set requests: {ns}[:{sel}]:sets
func (b *Builder) ValkeySetQueue() string {
	return b.valkeyBase() + ":sets"
}

// ValkeySetResponseChannel returns the channel for set responses: {ns}[:{sel}]:set:responses
func (b *Builder) ValkeySetResponseChannel() string {
	return b.valkeyBase() + ":set:responses"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: -) ---

// KafkaNodeTopic returns the topic for node values: {ns}[-{sel}]-nodes
func (b *Builder) KafkaNodeTopic() string {
	return b.kafkaBase() + "-nodes"
}

// KafkaStatusTopic returns the topic for session status: {ns}[-{sel}].status
func (b *Builder) KafkaStatusTopic() string {
	return b.kafkaBase() + ".status"
}

// KafkaSetTopic returns the topic consumed for set requests: {ns}[-{sel}]-sets
func (b *Builder) KafkaSetTopic() string {
	return b.kafkaBase() + "-sets"
}

// KafkaSetResponseTopic returns the topic for set responses: {ns}[-{sel}]-sets.response
func (b *Builder) KafkaSetResponseTopic() string {
	return b.kafkaBase() + "-sets.response"
}

// KafkaNodeKey returns the message key for a node value: {console}/{node}
func KafkaNodeKey(console, node string) string {
	return console + "/" + NodeSegment(node, "/")
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
