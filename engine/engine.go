// Package engine owns the gateway's managers and the wiring between them:
// console sessions feed the publishers, publishers feed sets back to the
// consoles, and every mutation is announced on an EventBus.
package engine

import (
	"winglink/config"
	"winglink/consoleman"
	"winglink/kafka"
	"winglink/mqtt"
	"winglink/valkey"
	"winglink/wing"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc

	Connect         consoleman.ConnectFunc // nil dials consoles over TCP
	DiscoverOptions []wing.DiscoverOption  // Appended after the configured ones
}

// Engine centralizes gateway logic: config mutations, manager orchestration
// and callback wiring. The REST API and the CLI are thin consumers.
type Engine struct {
	cfg          *config.Config
	configPath   string
	logFn        LogFunc
	connect      consoleman.ConnectFunc
	discoverOpts []wing.DiscoverOption

	consoleMgr *consoleman.Manager
	mqttMgr    *mqtt.Manager
	valkeyMgr  *valkey.Manager
	kafkaMgr   *kafka.Manager

	Events *EventBus

	stopChan chan struct{}
}

// New creates a new Engine. Call Start() to initialize managers and wiring.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Engine{
		cfg:          c.AppConfig,
		configPath:   c.ConfigPath,
		logFn:        logFn,
		connect:      c.Connect,
		discoverOpts: c.DiscoverOptions,
		Events:       NewEventBus(),
		stopChan:     make(chan struct{}),
	}
}

// Start creates all managers, wires callbacks, and auto-starts enabled services.
func (e *Engine) Start() {
	cfg := e.cfg

	e.consoleMgr = consoleman.NewManager(e.connect, cfg.Keepalive, cfg.Reconnect)
	e.consoleMgr.LoadFromConfig(cfg)

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	e.valkeyMgr = valkey.NewManager()
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	e.kafkaMgr = kafka.NewManager(cfg.Namespace)
	e.kafkaMgr.LoadFromConfig(cfg.Kafka)

	e.setupValueChangeHandlers()
	e.setupStatusHandlers()
	e.setupWriteHandlers()
	e.updateMQTTConsoleNames()

	// A Valkey server that (re)connects gets the full current state.
	e.valkeyMgr.SetOnConnectCallback(func() {
		e.forcePublishAllValuesToValkey()
	})

	e.consoleMgr.Start()

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.forcePublishAllValuesToMQTT()
		}
	}()
	go e.valkeyMgr.StartAll()
	e.kafkaMgr.ConnectEnabled()

	if cfg.Discovery.AutoAdd {
		go e.autoAddDiscovered()
	}

	go e.publishStatusLoop()
}

// Stop shuts down all managers gracefully.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	if e.consoleMgr != nil {
		e.consoleMgr.Stop()
		e.consoleMgr.DisconnectAll()
	}
	if e.mqttMgr != nil {
		e.mqttMgr.StopAll()
	}
	if e.valkeyMgr != nil {
		e.valkeyMgr.StopAll()
	}
	if e.kafkaMgr != nil {
		e.kafkaMgr.StopAll()
	}
}

// Managers provides access to shared backend managers.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetConsoleMgr() *consoleman.Manager
	GetMQTTMgr() *mqtt.Manager
	GetValkeyMgr() *valkey.Manager
	GetKafkaMgr() *kafka.Manager
}

// Verify *Engine implements Managers at compile time.
var _ Managers = (*Engine)(nil)

func (e *Engine) GetConfig() *config.Config { return e.cfg }
func (e *Engine) GetConfigPath() string { return e.configPath }
func (e *Engine) GetConsoleMgr() *consoleman.Manager { return e.consoleMgr }
func (e *Engine) GetMQTTMgr() *mqtt.Manager { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager { return e.kafkaMgr }

// saveConfig saves the config and releases the lock taken by the caller.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}
