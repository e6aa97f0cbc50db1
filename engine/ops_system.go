package engine

import (
	"context"
	"fmt"

	"winglink/config"
	"winglink/wing"
)

// SetNamespace updates the namespace in config and saves. Running publishers
// keep their topics and keys until restarted.
func (e *Engine) SetNamespace(ns string) error {
	if !config.IsValidNamespace(ns) {
		return fmt.Errorf("%w: invalid namespace '%s'", ErrInvalidInput, ns)
	}
	e.cfg.Lock()
	e.cfg.Namespace = ns
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	e.emit(EventNamespaceChanged, SystemEvent{Detail: ns})
	return nil
}

// DefaultDiscoverMax caps a scan when no limit is given.
const DefaultDiscoverMax = 64

// Discover broadcasts a discovery probe and collects the replies until the
// configured timeout. max of 0 means DefaultDiscoverMax; first stops at the
// first reply.
func (e *Engine) Discover(ctx context.Context, max int, first bool) ([]wing.DiscoveryRecord, error) {
	if max < 0 {
		return nil, fmt.Errorf("%w: max must not be negative", ErrInvalidInput)
	}
	if max == 0 {
		max = DefaultDiscoverMax
	}

	var opts []wing.DiscoverOption
	if e.cfg.Discovery.Address != "" {
		opts = append(opts, wing.WithDiscoveryAddr(e.cfg.Discovery.Address))
	}
	if e.cfg.Discovery.Timeout > 0 {
		opts = append(opts, wing.WithDiscoveryTimeout(e.cfg.Discovery.Timeout))
	}
	opts = append(opts, e.discoverOpts...)

	records, err := wing.Discover(ctx, max, first, opts...)
	if err != nil {
		return nil, err
	}
	e.emit(EventDiscovered, SystemEvent{Detail: fmt.Sprintf("%d console(s)", len(records))})
	return records, nil
}

// ForcePublishAll publishes all current node values to all services.
func (e *Engine) ForcePublishAll() {
	e.forcePublishAllValuesToMQTT()
	e.forcePublishAllValuesToValkey()
	e.forcePublishAllValuesToKafka()
	e.emit(EventForcePublished, SystemEvent{Detail: "all"})
}

// ForcePublishAllToMQTT publishes all current node values to MQTT brokers.
func (e *Engine) ForcePublishAllToMQTT() {
	e.forcePublishAllValuesToMQTT()
	e.emit(EventForcePublished, SystemEvent{Detail: "mqtt"})
}

// ForcePublishAllToValkey publishes all current node values to Valkey servers.
func (e *Engine) ForcePublishAllToValkey() {
	e.forcePublishAllValuesToValkey()
	e.emit(EventForcePublished, SystemEvent{Detail: "valkey"})
}

// ForcePublishAllToKafka publishes all current node values to Kafka clusters.
func (e *Engine) ForcePublishAllToKafka() {
	e.forcePublishAllValuesToKafka()
	e.emit(EventForcePublished, SystemEvent{Detail: "kafka"})
}
