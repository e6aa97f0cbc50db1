package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"winglink/config"
	"winglink/namespace"
)

// SetBatchInterval is how often collected set requests are applied.
const SetBatchInterval = 250 * time.Millisecond

// SetRequest is the JSON payload consumed from the sets topic.
type SetRequest struct {
	Console   string      `json:"console"`
	Node      string      `json:"node"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
}

// SetResponse is produced to the set response topic for every request.
type SetResponse struct {
	Console      string      `json:"console"`
	Node         string      `json:"node"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // Request was older than the max age
	Deduplicated bool        `json:"deduplicated,omitempty"` // A newer request for the node arrived in the same batch
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler applies a set request to a console.
type WriteHandler func(console, node string, value interface{}) error

// WriteValidator reports whether a node accepts sets from brokers.
type WriteValidator func(console, node string) bool

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pendingSet struct {
	request     SetRequest
	messageTime time.Time
	offset      int64
}

// Consumer applies set requests read from a cluster's sets topic.
type Consumer struct {
	config    *config.KafkaConfig
	producer  *Producer // For responses
	builder   *namespace.Builder
	namespace string
	reader    MessageReader
	running   bool
	mu        sync.RWMutex

	newReader func() MessageReader

	writeHandler   WriteHandler
	writeValidator WriteValidator

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a set consumer that answers through producer.
func NewConsumer(cfg *config.KafkaConfig, producer *Producer, ns string) *Consumer {
	c := &Consumer{
		config:    cfg,
		producer:  producer,
		builder:   namespace.New(ns, cfg.Selector),
		namespace: ns,
		stopChan:  make(chan struct{}),
	}
	c.newReader = c.kafkaReader
	return c
}

// SetWriteHandler sets the callback for set requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// SetWriteValidator sets the callback that gates set requests.
func (c *Consumer) SetWriteValidator(validator WriteValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeValidator = validator
}

func (c *Consumer) kafkaReader() MessageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          c.builder.KafkaSetTopic(),
		GroupID:        consumerGroup(c.config, c.namespace),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset, // Never replay old sets on first join
		CommitInterval: time.Second,
		Dialer:         newDialer(c.config),
	})
}

// Start begins consuming set requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	logKafka("[Consumer] Starting on topic '%s' with group '%s'",
		c.builder.KafkaSetTopic(), consumerGroup(c.config, c.namespace))

	c.reader = c.newReader()
	c.running = true
	c.stopChan = make(chan struct{})
	reader, stop := c.reader, c.stopChan
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(reader, stop)
	return nil
}

// Stop stops the consumer, applying any batch already collected.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("[Consumer] stop timeout")
	}
	reader.Close()
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// consumeLoop collects requests and applies them once per batch interval.
// Within a batch the latest request per node wins.
func (c *Consumer) consumeLoop(reader MessageReader, stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(SetBatchInterval)
	defer ticker.Stop()

	pending := make(map[string]pendingSet)
	var order []string
	var discarded []pendingSet

	flush := func() {
		if len(pending) > 0 || len(discarded) > 0 {
			c.processBatch(order, pending, discarded)
		}
		pending = make(map[string]pendingSet)
		order = nil
		discarded = nil
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case <-ticker.C:
			flush()
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}

			var req SetRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logKafka("[Consumer] JSON parse error at offset %d: %v", msg.Offset, err)
				c.commit(reader, msg)
				continue
			}

			key := req.Console + "/" + req.Node
			if existing, exists := pending[key]; exists {
				discarded = append(discarded, existing)
			} else {
				order = append(order, key)
			}
			pending[key] = pendingSet{request: req, messageTime: msg.Time, offset: msg.Offset}
			c.commit(reader, msg)
		}
	}
}

func (c *Consumer) processBatch(order []string, pending map[string]pendingSet, discarded []pendingSet) {
	c.mu.RLock()
	handler := c.writeHandler
	validator := c.writeValidator
	c.mu.RUnlock()

	maxAge := writeMaxAge(c.config)
	now := time.Now()

	for _, ps := range discarded {
		req := ps.request
		c.sendResponse(SetResponse{
			Console:      req.Console,
			Node:         req.Node,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Error:        "request superseded by newer set to same node",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	for _, key := range order {
		ps := pending[key]
		req := ps.request
		resp := SetResponse{
			Console:   req.Console,
			Node:      req.Node,
			Value:     req.Value,
			RequestID: req.RequestID,
			Timestamp: now,
		}

		age := now.Sub(ps.messageTime)
		switch {
		case !ps.messageTime.IsZero() && age > maxAge:
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
		case req.Console == "" || req.Node == "":
			resp.Error = "console and node are required"
		case validator != nil && !validator(req.Console, req.Node):
			resp.Error = "node is not writable"
		case handler == nil:
			resp.Error = "no write handler configured"
		default:
			if err := handler(req.Console, req.Node, req.Value); err != nil {
				resp.Error = err.Error()
			} else {
				resp.Success = true
			}
		}
		logKafka("[Consumer] set %s = %v -> success=%v %s", key, req.Value, resp.Success, resp.Error)
		c.sendResponse(resp)
	}
}

func (c *Consumer) sendResponse(resp SetResponse) {
	if c.producer == nil || c.producer.GetStatus() != StatusConnected {
		logKafka("[Consumer] cannot send response: producer not connected")
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := []byte(namespace.KafkaNodeKey(resp.Console, resp.Node))
	if err := c.producer.Produce(ctx, c.builder.KafkaSetResponseTopic(), key, payload); err != nil {
		logKafka("[Consumer] failed to publish response: %v", err)
	}
}

func (c *Consumer) commit(reader MessageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logKafka("[Consumer] failed to commit offset %d: %v", msg.Offset, err)
	}
}
