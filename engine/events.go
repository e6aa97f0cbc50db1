package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Console events
	EventConsoleCreated EventType = iota + 1
	EventConsoleUpdated
	EventConsoleDeleted
	EventConsoleStatus

	// Node events
	EventNodeChanged
	EventNodeSet
	EventNodeRefreshed

	// MQTT events
	EventMQTTCreated
	EventMQTTUpdated
	EventMQTTDeleted
	EventMQTTStarted
	EventMQTTStopped

	// Valkey events
	EventValkeyCreated
	EventValkeyUpdated
	EventValkeyDeleted
	EventValkeyStarted
	EventValkeyStopped

	// Kafka events
	EventKafkaCreated
	EventKafkaUpdated
	EventKafkaDeleted
	EventKafkaConnected
	EventKafkaDisconnected

	// System events
	EventNamespaceChanged
	EventForcePublished
	EventDiscovered
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// ConsoleEvent is the payload for console lifecycle events.
type ConsoleEvent struct {
	Name string
}

// ConsoleStatusEvent is the payload for EventConsoleStatus.
type ConsoleStatusEvent struct {
	Name    string `json:"console"`
	Status  string `json:"status"`
	Session string `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NodeEvent is the payload for node changes, sets and refreshes.
type NodeEvent struct {
	Console string      `json:"console"`
	Node    string      `json:"node"`
	Path    string      `json:"path,omitempty"`
	ID      uint32      `json:"id"`
	Type    string      `json:"type,omitempty"`
	Unit    string      `json:"unit,omitempty"`
	Value   interface{} `json:"value"`
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Name string
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}
