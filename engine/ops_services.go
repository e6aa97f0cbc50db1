package engine

import (
	"fmt"

	"winglink/config"
	"winglink/mqtt"
)

// mutate runs fn with the config locked and saves when fn succeeds.
func (e *Engine) mutate(fn func(c *config.Config) error) error {
	e.cfg.Lock()
	if err := fn(e.cfg); err != nil {
		e.cfg.Unlock()
		return err
	}
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	return nil
}

// startAsync brings a service up off the caller's goroutine; broker dials
// can take seconds.
func (e *Engine) startAsync(kind, name string, start func() error) {
	go func() {
		if err := start(); err != nil {
			e.logFn("%s %s: start failed: %v", kind, name, err)
		}
	}()
}

func checkSelector(sel string) error {
	if sel != "" && !config.IsValidNamespace(sel) {
		return fmt.Errorf("%w: invalid selector '%s'", ErrInvalidInput, sel)
	}
	return nil
}

func keepPassword(given, stored string) string {
	if given == "" {
		return stored
	}
	return given
}

// --- MQTT ---

func (r MQTTUpdateRequest) validate() error {
	if r.Broker == "" {
		return fmt.Errorf("%w: broker address is required", ErrInvalidInput)
	}
	return checkSelector(r.Selector)
}

func (r MQTTUpdateRequest) toConfig(name string) config.MQTTConfig {
	port := r.Port
	if port == 0 {
		port = 1883
	}
	return config.MQTTConfig{
		Name: name, Broker: r.Broker, Port: port, ClientID: r.ClientID,
		Username: r.Username, Password: r.Password,
		Selector: r.Selector, UseTLS: r.UseTLS, Enabled: r.Enabled,
	}
}

// installMQTT replaces any running publisher for cfg.Name with a fresh one.
func (e *Engine) installMQTT(cfg config.MQTTConfig, ns string) {
	e.mqttMgr.Remove(cfg.Name)
	pub := mqtt.NewPublisher(&cfg, ns)
	e.mqttMgr.Add(pub)
	e.updateMQTTConsoleNames()
	if cfg.Enabled {
		e.startAsync("MQTT", cfg.Name, func() error {
			if err := pub.Start(); err != nil {
				return err
			}
			e.forcePublishAllValuesToMQTT()
			return nil
		})
	}
}

// CreateMQTT adds an MQTT broker to config and the manager.
func (e *Engine) CreateMQTT(req MQTTCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := req.validate(); err != nil {
		return err
	}
	cfg := req.toConfig(req.Name)
	var ns string
	err := e.mutate(func(c *config.Config) error {
		if c.FindMQTT(req.Name) != nil {
			return fmt.Errorf("%w: MQTT broker '%s'", ErrAlreadyExists, req.Name)
		}
		c.AddMQTT(cfg)
		ns = c.Namespace
		return nil
	})
	if err != nil {
		return err
	}
	e.installMQTT(cfg, ns)
	e.emit(EventMQTTCreated, ServiceEvent{Name: req.Name})
	return nil
}

// UpdateMQTT replaces a broker's settings and restarts its publisher. An
// empty password keeps the stored one.
func (e *Engine) UpdateMQTT(name string, req MQTTUpdateRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	var cfg config.MQTTConfig
	var ns string
	err := e.mutate(func(c *config.Config) error {
		existing := c.FindMQTT(name)
		if existing == nil {
			return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
		}
		cfg = req.toConfig(name)
		cfg.Password = keepPassword(req.Password, existing.Password)
		c.UpdateMQTT(name, cfg)
		ns = c.Namespace
		return nil
	})
	if err != nil {
		return err
	}
	e.installMQTT(cfg, ns)
	e.emit(EventMQTTUpdated, ServiceEvent{Name: name})
	return nil
}

// DeleteMQTT removes an MQTT broker.
func (e *Engine) DeleteMQTT(name string) error {
	err := e.mutate(func(c *config.Config) error {
		if !c.RemoveMQTT(name) {
			return fmt.Errorf("%w: MQTT broker '%s'", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.mqttMgr.Remove(name)
	e.emit(EventMQTTDeleted, ServiceEvent{Name: name})
	return nil
}

// StartMQTT connects a publisher and seeds it with every cached value.
func (e *Engine) StartMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.forcePublishAllValuesToMQTT()
	e.emit(EventMQTTStarted, ServiceEvent{Name: name})
	return nil
}

// StopMQTT disconnects a publisher.
func (e *Engine) StopMQTT(name string) error {
	pub := e.mqttMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: MQTT publisher '%s'", ErrNotFound, name)
	}
	pub.Stop()
	e.emit(EventMQTTStopped, ServiceEvent{Name: name})
	return nil
}

// --- Valkey ---

func (r ValkeyUpdateRequest) validate() error {
	if r.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidInput)
	}
	return checkSelector(r.Selector)
}

func (r ValkeyUpdateRequest) toConfig(name string) config.ValkeyConfig {
	return config.ValkeyConfig{
		Name: name, Address: r.Address, Password: r.Password,
		Database: r.Database, Selector: r.Selector, KeyTTL: r.KeyTTL,
		UseTLS: r.UseTLS, PublishChanges: r.PublishChanges,
		EnableWriteback: r.EnableWriteback, Enabled: r.Enabled,
	}
}

func (e *Engine) installValkey(cfg config.ValkeyConfig, ns string) {
	e.valkeyMgr.Remove(cfg.Name)
	pub := e.valkeyMgr.Add(&cfg, ns)
	if cfg.Enabled {
		// The manager's connect callback seeds the server.
		e.startAsync("Valkey", cfg.Name, pub.Start)
	}
}

// CreateValkey adds a Valkey server to config and the manager.
func (e *Engine) CreateValkey(req ValkeyCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := req.validate(); err != nil {
		return err
	}
	cfg := req.toConfig(req.Name)
	var ns string
	err := e.mutate(func(c *config.Config) error {
		if c.FindValkey(req.Name) != nil {
			return fmt.Errorf("%w: Valkey server '%s'", ErrAlreadyExists, req.Name)
		}
		c.AddValkey(cfg)
		ns = c.Namespace
		return nil
	})
	if err != nil {
		return err
	}
	e.installValkey(cfg, ns)
	e.emit(EventValkeyCreated, ServiceEvent{Name: req.Name})
	return nil
}

// UpdateValkey replaces a server's settings and restarts its publisher. An
// empty password keeps the stored one.
func (e *Engine) UpdateValkey(name string, req ValkeyUpdateRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	var cfg config.ValkeyConfig
	var ns string
	err := e.mutate(func(c *config.Config) error {
		existing := c.FindValkey(name)
		if existing == nil {
			return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
		}
		cfg = req.toConfig(name)
		cfg.Password = keepPassword(req.Password, existing.Password)
		c.UpdateValkey(name, cfg)
		ns = c.Namespace
		return nil
	})
	if err != nil {
		return err
	}
	e.installValkey(cfg, ns)
	e.emit(EventValkeyUpdated, ServiceEvent{Name: name})
	return nil
}

// DeleteValkey removes a Valkey server.
func (e *Engine) DeleteValkey(name string) error {
	err := e.mutate(func(c *config.Config) error {
		if !c.RemoveValkey(name) {
			return fmt.Errorf("%w: Valkey server '%s'", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.valkeyMgr.Remove(name)
	e.emit(EventValkeyDeleted, ServiceEvent{Name: name})
	return nil
}

// StartValkey connects a publisher.
func (e *Engine) StartValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Start(); err != nil {
		return err
	}
	e.emit(EventValkeyStarted, ServiceEvent{Name: name})
	return nil
}

// StopValkey disconnects a publisher.
func (e *Engine) StopValkey(name string) error {
	pub := e.valkeyMgr.Get(name)
	if pub == nil {
		return fmt.Errorf("%w: Valkey publisher '%s'", ErrNotFound, name)
	}
	if err := pub.Stop(); err != nil {
		return err
	}
	e.emit(EventValkeyStopped, ServiceEvent{Name: name})
	return nil
}

// --- Kafka ---

func (r KafkaUpdateRequest) validate() error {
	if len(r.Brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidInput)
	}
	return checkSelector(r.Selector)
}

func (r KafkaUpdateRequest) toConfig(name string) config.KafkaConfig {
	autoCreate := r.AutoCreateTopics == nil || *r.AutoCreateTopics
	return config.KafkaConfig{
		Name:             name,
		Brokers:          r.Brokers,
		UseTLS:           r.UseTLS,
		TLSSkipVerify:    r.TLSSkipVerify,
		SASLMechanism:    r.SASLMechanism,
		Username:         r.Username,
		Password:         r.Password,
		Topic:            r.Topic,
		Selector:         r.Selector,
		EnableWriteback:  r.EnableWriteback,
		AutoCreateTopics: &autoCreate,
		Enabled:          r.Enabled,
		RequiredAcks:     r.RequiredAcks,
		MaxRetries:       r.MaxRetries,
		RetryBackoff:     r.RetryBackoff,
		ConsumerGroup:    r.ConsumerGroup,
		WriteMaxAge:      r.WriteMaxAge,
	}
}

func (e *Engine) installKafka(cfg config.KafkaConfig) {
	e.kafkaMgr.RemoveCluster(cfg.Name)
	e.kafkaMgr.AddCluster(&cfg)
	if cfg.Enabled {
		e.startAsync("Kafka", cfg.Name, func() error { return e.kafkaMgr.Connect(cfg.Name) })
	}
}

// CreateKafka adds a Kafka cluster to config and the manager.
func (e *Engine) CreateKafka(req KafkaCreateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := req.validate(); err != nil {
		return err
	}
	cfg := req.toConfig(req.Name)
	err := e.mutate(func(c *config.Config) error {
		if c.FindKafka(req.Name) != nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrAlreadyExists, req.Name)
		}
		c.AddKafka(cfg)
		return nil
	})
	if err != nil {
		return err
	}
	e.installKafka(cfg)
	e.emit(EventKafkaCreated, ServiceEvent{Name: req.Name})
	return nil
}

// UpdateKafka replaces a cluster's settings and recreates its producer. An
// empty password keeps the stored one.
func (e *Engine) UpdateKafka(name string, req KafkaUpdateRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	var cfg config.KafkaConfig
	err := e.mutate(func(c *config.Config) error {
		existing := c.FindKafka(name)
		if existing == nil {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		cfg = req.toConfig(name)
		cfg.Password = keepPassword(req.Password, existing.Password)
		c.UpdateKafka(name, cfg)
		return nil
	})
	if err != nil {
		return err
	}
	e.installKafka(cfg)
	e.emit(EventKafkaUpdated, ServiceEvent{Name: name})
	return nil
}

// DeleteKafka removes a Kafka cluster.
func (e *Engine) DeleteKafka(name string) error {
	err := e.mutate(func(c *config.Config) error {
		if !c.RemoveKafka(name) {
			return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.kafkaMgr.RemoveCluster(name)
	e.emit(EventKafkaDeleted, ServiceEvent{Name: name})
	return nil
}

// ConnectKafka connects a cluster's producer.
func (e *Engine) ConnectKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	if err := e.kafkaMgr.Connect(name); err != nil {
		return err
	}
	e.emit(EventKafkaConnected, ServiceEvent{Name: name})
	return nil
}

// DisconnectKafka disconnects a cluster's producer.
func (e *Engine) DisconnectKafka(name string) error {
	if e.kafkaMgr.GetProducer(name) == nil {
		return fmt.Errorf("%w: Kafka cluster '%s'", ErrNotFound, name)
	}
	e.kafkaMgr.Disconnect(name)
	e.emit(EventKafkaDisconnected, ServiceEvent{Name: name})
	return nil
}
