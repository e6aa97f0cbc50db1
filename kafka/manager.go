package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"winglink/config"
	"winglink/namespace"
)

// NodeMessage is the JSON value produced for a node change.
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

// StatusMessage is the JSON value produced on the status topic.
type StatusMessage struct {
	Namespace string `json:"namespace"`
	Console   string `json:"console"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Session   string `json:"session,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// cluster is one configured Kafka cluster.
type cluster struct {
	producer *Producer
	consumer *Consumer
	builder  *namespace.Builder
}

func (c *cluster) nodeTopic() string {
	if c.producer.config.Topic != "" {
		return c.producer.config.Topic
	}
	return c.builder.KafkaNodeTopic()
}

type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages Kafka clusters.
type Manager struct {
	namespace string
	clusters  map[string]*cluster
	mu        sync.RWMutex

	lastValues map[string]interface{} // cluster/console/node -> last produced value
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a manager producing under namespace ns.
func NewManager(ns string) *Manager {
	m := &Manager{
		namespace:    ns,
		clusters:     make(map[string]*cluster),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	stop, queue := m.stopChan, m.publishQueue
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(stop, queue)
	}
}

func (m *Manager) publishWorker(stop chan struct{}, queue chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err == nil {
				if job.value != nil {
					m.updateLastValue(job.cacheKey, job.value)
				}
			} else {
				logKafka("Failed to publish %s: %v", job.cacheKey, err)
			}
			cancel()
		}
	}
}

func (m *Manager) updateLastValue(cacheKey string, value interface{}) {
	m.lastMu.Lock()
	m.lastValues[cacheKey] = value
	m.lastMu.Unlock()
}

// shouldPublish reports whether value differs from the last produced value.
func (m *Manager) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	if force {
		return true
	}
	m.lastMu.RLock()
	last, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	return !exists || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

// AddCluster adds a cluster. A name already present is ignored.
func (m *Manager) AddCluster(cfg *config.KafkaConfig) {
	Defaults(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clusters[cfg.Name]; exists {
		return
	}

	p := NewProducer(cfg)
	cl := &cluster{producer: p, builder: namespace.New(m.namespace, cfg.Selector)}
	if cfg.EnableWriteback {
		cl.consumer = NewConsumer(cfg, p, m.namespace)
		cl.consumer.SetWriteHandler(m.writeHandler)
		cl.consumer.SetWriteValidator(m.writeValidator)
	}
	m.clusters[cfg.Name] = cl
}

// RemoveCluster removes a cluster and disconnects it.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	cl, exists := m.clusters[name]
	delete(m.clusters, name)
	m.mu.Unlock()

	if exists {
		m.stopCluster(cl)
	}
}

func (m *Manager) stopCluster(cl *cluster) {
	if cl.consumer != nil {
		cl.consumer.Stop()
	}
	cl.producer.Disconnect()
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cl, ok := m.clusters[name]; ok {
		return cl.producer
	}
	return nil
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.clusters))
	for name := range m.clusters {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) list() []*cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*cluster, 0, len(m.clusters))
	for _, cl := range m.clusters {
		out = append(out, cl)
	}
	return out
}

// Connect connects the named cluster and starts its set consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	cl, exists := m.clusters[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return m.connectCluster(cl)
}

func (m *Manager) connectCluster(cl *cluster) error {
	if err := cl.producer.Connect(); err != nil {
		return err
	}
	if cl.consumer != nil {
		return cl.consumer.Start()
	}
	return nil
}

// Disconnect disconnects the named cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	cl, exists := m.clusters[name]
	m.mu.RUnlock()
	if exists {
		m.stopCluster(cl)
	}
}

// ConnectEnabled connects every enabled cluster in the background.
func (m *Manager) ConnectEnabled() {
	for _, cl := range m.list() {
		if cl.producer.config.Enabled {
			go m.connectCluster(cl)
		}
	}
}

// StopAll stops the workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStop := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, cl := range m.list() {
		m.stopCluster(cl)
	}
}

// GetClusterStatus returns the status of a cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return p.GetStatus(), p.GetError()
}

// LoadFromConfig adds every configured cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig) {
	for i := range cfgs {
		m.AddCluster(&cfgs[i])
	}
}

// SetWriteHandler sets the set handler for every consumer.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()
	for _, cl := range m.list() {
		if cl.consumer != nil {
			cl.consumer.SetWriteHandler(handler)
		}
	}
}

// SetWriteValidator sets the set validator for every consumer.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()
	for _, cl := range m.list() {
		if cl.consumer != nil {
			cl.consumer.SetWriteValidator(validator)
		}
	}
}

func (m *Manager) enqueue(job publishJob) {
	m.startWorkers()
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", job.cacheKey)
	}
}

// Publish queues a node change on every connected cluster whose last
// produced value differs, unless force is set.
func (m *Manager) Publish(msg NodeMessage, force bool) {
	m.mu.RLock()
	validator := m.writeValidator
	m.mu.RUnlock()
	if validator != nil {
		msg.Writable = validator(msg.Console, msg.Node)
	}
	msg.Namespace = m.namespace
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	for _, cl := range m.list() {
		if cl.producer.GetStatus() != StatusConnected {
			continue
		}
		cacheKey := cl.producer.config.Name + "/" + msg.Console + "/" + msg.Node
		if !m.shouldPublish(cacheKey, msg.Value, force) {
			continue
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		m.enqueue(publishJob{
			producer: cl.producer,
			topic:    cl.nodeTopic(),
			key:      []byte(namespace.KafkaNodeKey(msg.Console, msg.Node)),
			payload:  payload,
			cacheKey: cacheKey,
			value:    msg.Value,
		})
	}
}

// PublishStatus queues a console status on every connected cluster.
func (m *Manager) PublishStatus(msg StatusMessage) {
	msg.Namespace = m.namespace
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, cl := range m.list() {
		if cl.producer.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: cl.producer,
			topic:    cl.builder.KafkaStatusTopic(),
			key:      []byte(msg.Console),
			payload:  payload,
			cacheKey: cl.producer.config.Name + "/" + msg.Console + "/status",
		})
	}
}

// AnyPublishing returns true if any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	for _, cl := range m.list() {
		if cl.producer.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// ClearLastValues forces the next change of every node to be produced.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}
