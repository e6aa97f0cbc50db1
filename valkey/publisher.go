// Package valkey stores console node values in Valkey/Redis, announces
// changes over Pub/Sub and drains a set-request list.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"winglink/config"
	"winglink/logging"
	"winglink/namespace"
)

var debugValkey = logging.Register("valkey")

func debugLog(format string, args ...interface{}) {
	debugValkey.Log(format, args...)
}

// Client is the subset of *redis.Client the publisher uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// ClientFactory builds a client from options.
type ClientFactory func(opts *redis.Options) Client

func newRedisClient(opts *redis.Options) Client {
	return redis.NewClient(opts)
}

// NodeMessage is the JSON value stored under a node key.
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
	Timestamp time.Time   `json:"timestamp"`
}

// StatusMessage is the JSON value stored under a console's status key.
type StatusMessage struct {
	Namespace string    `json:"namespace"`
	Console   string    `json:"console"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Session   string    `json:"session,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SetRequest is an entry of the {ns}:sets list.
type SetRequest struct {
	Console string      `json:"console"`
	Node    string      `json:"node"`
	Value   interface{} `json:"value"`
}

// SetResponse is published on {ns}:set:responses for every request.
type SetResponse struct {
	Console   string      `json:"console"`
	Node      string      `json:"node"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher handles one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	ns        *namespace.Builder
	namespace string
	client    Client
	running   bool
	mu        sync.RWMutex

	newClient ClientFactory

	writeHandler      func(console, node string, value interface{}) error
	writeValidator    func(console, node string) bool
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher for cfg under namespace ns.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:    cfg,
		ns:        namespace.New(ns, cfg.Selector),
		namespace: ns,
		newClient: newRedisClient,
		stopChan:  make(chan struct{}),
	}
}

// SetClientFactory replaces the go-redis constructor.
func (p *Publisher) SetClientFactory(f ClientFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newClient = f
}

// Start connects to the server and starts the set listener if enabled.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	newClient := p.newClient
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := newClient(opts)
	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.setListener(client, p.stopChan)
	}

	// Seed the keyspace with current values
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// setListener wakes at least once per BLPOP timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	return client.Close()
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) live() (Client, *config.ValkeyConfig) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running || p.client == nil {
		return nil, nil
	}
	return p.client, p.config
}

// Publish stores a node value and, if enabled, announces it on the console
// and all-changes channels.
func (p *Publisher) Publish(msg NodeMessage) error {
	client, cfg := p.live()
	if client == nil {
		return nil
	}

	msg.Namespace = p.namespace
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal node value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.ns.ValkeyNodeKey(msg.Console, msg.Node)
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, p.ns.ValkeyChangesChannel(msg.Console), data)
		client.Publish(ctx, p.ns.ValkeyAllChangesChannel(), data)
	}
	return nil
}

// PublishStatus stores a console's session status. Status keys never expire.
func (p *Publisher) PublishStatus(msg StatusMessage) error {
	client, cfg := p.live()
	if client == nil {
		return nil
	}

	msg.Namespace = p.namespace
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.ns.ValkeyStatusKey(msg.Console)
	if err := client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set status key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for set requests.
func (p *Publisher) SetWriteHandler(handler func(console, node string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback that gates set requests.
func (p *Publisher) SetWriteValidator(validator func(console, node string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the callback invoked after a connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// setListener pops set requests off the queue until stop is closed.
func (p *Publisher) setListener(client Client, stop chan struct{}) {
	defer p.wg.Done()

	queueKey := p.ns.ValkeySetQueue()
	responseChannel := p.ns.ValkeySetResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey set queue error: %v", err)
				// Avoid spinning while the server is unreachable
				select {
				case <-stop:
					return
				case <-time.After(250 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req SetRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			debugLog("Failed to parse set request: %v", err)
			p.respond(client, responseChannel, SetResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		p.processSetRequest(client, req, responseChannel)
	}
}

func (p *Publisher) processSetRequest(client Client, req SetRequest, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	response := SetResponse{
		Console: req.Console,
		Node:    req.Node,
		Value:   req.Value,
	}

	switch {
	case req.Console == "" || req.Node == "":
		response.Error = "console and node are required"
	case validator != nil && !validator(req.Console, req.Node):
		response.Error = "node is not writable"
	case handler == nil:
		response.Error = "no write handler configured"
	default:
		if err := handler(req.Console, req.Node, req.Value); err != nil {
			response.Error = err.Error()
		} else {
			response.Success = true
		}
	}

	p.respond(client, responseChannel, response)
	debugLog("Valkey set %s:%s = %v -> success=%v", req.Console, req.Node, req.Value, response.Success)
}

func (p *Publisher) respond(client Client, channel string, resp SetResponse) {
	resp.Timestamp = time.Now().UTC()
	data, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, channel, data)
}
