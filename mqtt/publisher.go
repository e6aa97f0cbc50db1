// Package mqtt publishes console node values to MQTT brokers and accepts
// set requests for writable nodes.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"winglink/config"
	"winglink/logging"
	"winglink/namespace"
)

var debugMQTT = logging.Register("mqtt")

func logMQTT(format string, args ...interface{}) {
	debugMQTT.Log(format, args...)
}

// setJob represents a pending set request.
type setJob struct {
	client  pahomqtt.Client
	console string
	node    string
	value   interface{}
	err     error // Set when the request was rejected before queueing
	handler WriteHandler
}

// MaxWriteWorkers is the maximum number of concurrent set goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending set requests per publisher.
const MaxWriteQueueSize = 100

// ClientFactory builds a paho client from options. Tests substitute a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Publisher handles one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	ns        *namespace.Builder
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	newClient ClientFactory

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	consoles       []string // Consoles to subscribe for sets

	writeQueue chan setJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NodeMessage is the retained JSON payload published for a node.
type NodeMessage struct {
	Namespace string      `json:"namespace"`
	Console   string      `json:"console"`
	Node      string      `json:"node"`
	Path      string      `json:"path,omitempty"`
	ID        uint32      `json:"id"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// StatusMessage is the retained JSON payload on a console's status topic.
type StatusMessage struct {
	Console   string `json:"console"`
	Status    string `json:"status"`
	Session   string `json:"session,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SetRequest is the JSON payload accepted on {base}/{console}/set.
type SetRequest struct {
	Node  string      `json:"node"`
	Value interface{} `json:"value"`
}

// SetResponse is published on {base}/{console}/set/response.
type SetResponse struct {
	Console   string      `json:"console"`
	Node      string      `json:"node"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler applies a set request to a console.
type WriteHandler func(console, node string, value interface{}) error

// WriteValidator reports whether a node accepts sets from brokers.
type WriteValidator func(console, node string) bool

// NewPublisher creates a publisher for one broker under namespace ns.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(ns, cfg.Selector),
		namespace:  ns,
		newClient:  pahomqtt.NewClient,
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan setJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// SetClientFactory replaces the paho client constructor.
func (p *Publisher) SetClientFactory(f ClientFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newClient = f
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the broker and subscribes to set topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	newClient := p.newClient
	p.mu.RUnlock()

	// Build options without holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "winglink-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// Subscriptions do not survive a reconnect with a clean session.
		if p.IsRunning() {
			go p.subscribeSetTopics()
		}
	})

	client := newClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	p.startWriteWorkers()
	p.subscribeSetTopics()
	return nil
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop, queue := p.stopChan, p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

// writeWorker applies queued set requests and answers each one.
func (p *Publisher) writeWorker(stop chan struct{}, queue chan setJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				if job.handler == nil {
					err = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing set: %s/%s = %v", job.console, job.node, job.value)
					err = job.handler(job.console, job.node, job.value)
					if err != nil {
						logMQTT("Set error: %v", err)
					}
				}
			}
			p.publishSetResponse(job.client, job.console, job.node, job.value, err)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan setJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for set workers to stop")
	}

	client.Disconnect(500)
}

// Publish sends a node value if it changed since the last publish on this
// broker. The namespace and timestamp are filled in here.
func (p *Publisher) Publish(msg NodeMessage, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := msg.Console + "/" + msg.Node

	p.lastMu.RLock()
	lastValue, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", msg.Value) {
		return false
	}

	msg.Namespace = p.namespace
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	topic := p.ns.MQTTNodeTopic(msg.Console, msg.Node)
	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = msg.Value
	p.lastMu.Unlock()
	return true
}

// PublishStatus publishes a console's session status, retained.
func (p *Publisher) PublishStatus(msg StatusMessage) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return false
	}

	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, _ := json.Marshal(msg)
	token := client.Publish(p.ns.MQTTStatusTopic(msg.Console), 1, true, payload)
	return token.WaitTimeout(2*time.Second) && token.Error() == nil
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for set requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback that gates set requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetConsoleNames sets the consoles whose set topics are subscribed.
func (p *Publisher) SetConsoleNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consoles = names
}

func (p *Publisher) subscribeSetTopics() {
	p.mu.RLock()
	client := p.client
	consoles := p.consoles
	p.mu.RUnlock()

	if client == nil || len(consoles) == 0 {
		return
	}

	for _, console := range consoles {
		topic := p.ns.MQTTSetTopic(console)
		token := client.Subscribe(topic, 1, p.handleSetMessage)
		if !token.WaitTimeout(2 * time.Second) {
			logMQTT("Subscribe timeout for %s", topic)
			continue
		}
		if token.Error() != nil {
			logMQTT("Subscribe error for %s: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// consoleFromSetTopic extracts the console segment of {base}/{console}/set.
func (p *Publisher) consoleFromSetTopic(topic string) (string, bool) {
	prefix := p.ns.MQTTBase() + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/set") {
		return "", false
	}
	console := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	if console == "" || strings.Contains(console, "/") {
		return "", false
	}
	return console, true
}

// handleSetMessage processes an incoming set request.
func (p *Publisher) handleSetMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received set request on %s: %s", msg.Topic(), string(msg.Payload()))

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	queue := p.writeQueue
	p.mu.RUnlock()

	console, ok := p.consoleFromSetTopic(msg.Topic())
	if !ok {
		logMQTT("Ignoring set on unexpected topic %s", msg.Topic())
		return
	}

	job := setJob{client: client, console: console, handler: handler}

	var req SetRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
	} else {
		job.node, job.value = req.Node, req.Value
		switch {
		case req.Node == "":
			job.err = fmt.Errorf("missing node")
		case validator != nil && !validator(console, req.Node):
			job.err = fmt.Errorf("node not writable: %s/%s", console, req.Node)
		}
	}

	select {
	case queue <- job:
	default:
		logMQTT("Set queue full, rejecting %s/%s", console, job.node)
		go p.publishSetResponse(client, console, job.node, job.value,
			fmt.Errorf("set queue full, try again later"))
	}
}

func (p *Publisher) publishSetResponse(client pahomqtt.Client, console, node string, value interface{}, err error) {
	resp := SetResponse{
		Console:   console,
		Node:      node,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	token := client.Publish(p.ns.MQTTSetResponseTopic(console), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	writeHandler   WriteHandler
	writeValidator WriteValidator
	consoles       []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher and applies the manager's current handlers to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	consoles := m.consoles
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if validator != nil {
		pub.SetWriteValidator(validator)
	}
	if len(consoles) > 0 {
		pub.SetConsoleNames(consoles)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts every enabled publisher and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
				continue
			}
			started++
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish sends a node value to all running publishers. Writable is decided
// by the manager's validator.
func (m *Manager) Publish(msg NodeMessage, force bool) {
	m.mu.RLock()
	validator := m.writeValidator
	m.mu.RUnlock()

	if validator != nil {
		msg.Writable = validator(msg.Console, msg.Node)
	}
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(msg, force)
		}
	}
}

// PublishStatus sends a console status to all running publishers.
func (m *Manager) PublishStatus(msg StatusMessage) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishStatus(msg)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteValidator(validator)
	}
}

// SetConsoleNames sets the consoles for set subscriptions on all publishers.
func (m *Manager) SetConsoleNames(names []string) {
	m.mu.Lock()
	m.consoles = names
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetConsoleNames(names)
	}
}

// UpdateWriteSubscriptions resubscribes running publishers. Call this when
// consoles are added or removed.
func (m *Manager) UpdateWriteSubscriptions() {
	m.mu.RLock()
	consoles := m.consoles
	m.mu.RUnlock()

	for _, pub := range m.List() {
		pub.SetConsoleNames(consoles)
		if pub.IsRunning() {
			pub.subscribeSetTopics()
		}
	}
}
