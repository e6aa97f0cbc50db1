// Package config handles configuration persistence for the winglink gateway.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Default timings.
const (
	DefaultKeepalive        = 5 * time.Second
	DefaultReconnect        = 5 * time.Second
	DefaultDiscoveryTimeout = 1500 * time.Millisecond
)

// Config holds the complete application configuration.
type Config struct {
	Namespace  string          `yaml:"namespace"` // Required: instance namespace for topic/key isolation
	Consoles   []ConsoleConfig `yaml:"consoles"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Web        WebConfig       `yaml:"web"`
	MQTT       []MQTTConfig    `yaml:"mqtt"`
	Valkey     []ValkeyConfig  `yaml:"valkey,omitempty"`
	Kafka      []KafkaConfig   `yaml:"kafka,omitempty"`
	SchemaFile string          `yaml:"schema_file,omitempty"` // Optional name/id table replacing the built-in one
	Keepalive  time.Duration   `yaml:"keepalive"`
	Reconnect  time.Duration   `yaml:"reconnect"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// ConsoleConfig describes one console the gateway keeps a session to.
type ConsoleConfig struct {
	Name    string          `yaml:"name"`
	Address string          `yaml:"address"`        // IP or hostname
	Port    int             `yaml:"port,omitempty"` // 0 = 2222
	Enabled bool            `yaml:"enabled"`
	Nodes   []NodeSelection `yaml:"nodes,omitempty"`
}

// NodeSelection is a node mirrored to the publishers.
type NodeSelection struct {
	Name     string `yaml:"name" json:"name"`                             // Directory name, e.g. /ch/1/fdr
	Alias    string `yaml:"alias,omitempty" json:"alias,omitempty"`       // Published name if set
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Writable bool   `yaml:"writable,omitempty" json:"writable,omitempty"` // Accept write-back from brokers
}

// PublishedName returns the alias if set, otherwise the directory name.
func (n NodeSelection) PublishedName() string {
	if n.Alias != "" {
		return n.Alias
	}
	return n.Name
}

// DiscoveryConfig controls LAN discovery.
type DiscoveryConfig struct {
	Address string        `yaml:"address,omitempty"` // Probe destination, default 255.255.255.255:2222
	Timeout time.Duration `yaml:"timeout,omitempty"`
	AutoAdd bool          `yaml:"auto_add,omitempty"` // Add discovered consoles at startup
}

// WebConfig holds REST API server configuration.
type WebConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Users   []WebUser `yaml:"users,omitempty"` // Empty disables authentication
}

// WebUser is an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges  bool          `yaml:"publish_changes,omitempty"` // Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// AutoCreateTopics is a pointer so an absent key can default to true.
type KafkaConfig struct {
	Name             string        `yaml:"name"`
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	UseTLS           bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty"`
	Topic            string        `yaml:"topic,omitempty"` // Default {namespace}-nodes
	Selector         string        `yaml:"selector,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty"`
	EnableWriteback  bool          `yaml:"enable_writeback,omitempty"` // Consume {ns}-sets
	ConsumerGroup    string        `yaml:"consumer_group,omitempty"`   // Default {namespace}-{name}
	WriteMaxAge      time.Duration `yaml:"write_max_age,omitempty"`    // Older set requests are skipped
}

// AutoCreate reports whether topics are created on first produce.
func (k *KafkaConfig) AutoCreate() bool {
	return k.AutoCreateTopics == nil || *k.AutoCreateTopics
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "winglink",
		Consoles:  []ConsoleConfig{},
		Discovery: DiscoveryConfig{
			Timeout: DefaultDiscoveryTimeout,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:      []MQTTConfig{},
		Valkey:    []ValkeyConfig{},
		Kafka:     []KafkaConfig{},
		Keepalive: DefaultKeepalive,
		Reconnect: DefaultReconnect,
	}
}

// DefaultPath returns the default configuration file path (~/.winglink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".winglink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back to path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = DefaultReconnect
	}
	if cfg.Discovery.Timeout <= 0 {
		cfg.Discovery.Timeout = DefaultDiscoveryTimeout
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release before I/O

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindConsole returns the console config with the given name, or nil if not found.
func (c *Config) FindConsole(name string) *ConsoleConfig {
	for i := range c.Consoles {
		if c.Consoles[i].Name == name {
			return &c.Consoles[i]
		}
	}
	return nil
}

// FindConsoleByAddress returns the console config with the given address, or nil.
func (c *Config) FindConsoleByAddress(addr string) *ConsoleConfig {
	for i := range c.Consoles {
		if c.Consoles[i].Address == addr {
			return &c.Consoles[i]
		}
	}
	return nil
}

// AddConsole adds a new console configuration.
func (c *Config) AddConsole(console ConsoleConfig) {
	c.Consoles = append(c.Consoles, console)
}

// RemoveConsole removes a console by name.
func (c *Config) RemoveConsole(name string) bool {
	for i, con := range c.Consoles {
		if con.Name == name {
			c.Consoles = append(c.Consoles[:i], c.Consoles[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateConsole updates an existing console configuration.
func (c *Config) UpdateConsole(name string, updated ConsoleConfig) bool {
	for i, con := range c.Consoles {
		if con.Name == name {
			c.Consoles[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(m MQTTConfig) {
	c.MQTT = append(c.MQTT, m)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateMQTT updates an existing MQTT configuration.
func (c *Config) UpdateMQTT(name string, updated MQTTConfig) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT[i] = updated
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(v ValkeyConfig) {
	c.Valkey = append(c.Valkey, v)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateValkey updates an existing Valkey configuration.
func (c *Config) UpdateValkey(name string, updated ValkeyConfig) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey[i] = updated
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(k KafkaConfig) {
	c.Kafka = append(c.Kafka, k)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateKafka updates an existing Kafka configuration.
func (c *Config) UpdateKafka(name string, updated KafkaConfig) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka[i] = updated
			return true
		}
	}
	return false
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: must contain only alphanumeric characters, hyphens, underscores and dots", c.Namespace)
	}

	names := make(map[string]bool)
	for _, con := range c.Consoles {
		if con.Name == "" {
			return fmt.Errorf("console with address %q has no name", con.Address)
		}
		if !IsValidNamespace(con.Name) {
			return fmt.Errorf("console %q: invalid name", con.Name)
		}
		if names[con.Name] {
			return fmt.Errorf("duplicate console name %q", con.Name)
		}
		names[con.Name] = true
		if con.Address == "" {
			return fmt.Errorf("console %q: address is required", con.Name)
		}
		if con.Port < 0 || con.Port > 65535 {
			return fmt.Errorf("console %q: invalid port %d", con.Name, con.Port)
		}
	}

	if c.Discovery.Address != "" {
		if _, _, err := net.SplitHostPort(c.Discovery.Address); err != nil {
			return fmt.Errorf("discovery address: %w", err)
		}
	}

	for _, u := range c.Web.Users {
		if u.Role != "" && u.Role != RoleAdmin && u.Role != RoleViewer {
			return fmt.Errorf("web user %q: unknown role %q", u.Username, u.Role)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
