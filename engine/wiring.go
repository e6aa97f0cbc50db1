package engine

import (
	"context"
	"time"

	"winglink/consoleman"
	"winglink/kafka"
	"winglink/logging"
	"winglink/mqtt"
	"winglink/valkey"
)

var debugEngine = logging.Register("engine")

// StatusInterval is how often every console's status is republished.
const StatusInterval = 10 * time.Second

func mqttNodeMessage(c consoleman.ValueChange) mqtt.NodeMessage {
	return mqtt.NodeMessage{
		Console:   c.Console,
		Node:      c.Node,
		Path:      c.Path,
		ID:        c.ID,
		Value:     c.Value,
		Type:      c.Type,
		Unit:      c.Unit,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func valkeyNodeMessage(c consoleman.ValueChange) valkey.NodeMessage {
	return valkey.NodeMessage{
		Console:   c.Console,
		Node:      c.Node,
		Path:      c.Path,
		ID:        c.ID,
		Value:     c.Value,
		Type:      c.Type,
		Unit:      c.Unit,
		Timestamp: c.Timestamp.UTC(),
	}
}

func kafkaNodeMessage(c consoleman.ValueChange) kafka.NodeMessage {
	return kafka.NodeMessage{
		Console:   c.Console,
		Node:      c.Node,
		Path:      c.Path,
		ID:        c.ID,
		Value:     c.Value,
		Type:      c.Type,
		Unit:      c.Unit,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func nodeEvent(c consoleman.ValueChange) NodeEvent {
	return NodeEvent{
		Console: c.Console,
		Node:    c.Node,
		Path:    c.Path,
		ID:      c.ID,
		Type:    c.Type,
		Unit:    c.Unit,
		Value:   c.Value,
	}
}

// setupValueChangeHandlers fans change batches out to the running
// publishers and the event bus.
func (e *Engine) setupValueChangeHandlers() {
	e.consoleMgr.SetOnValueChange(func(changes []consoleman.ValueChange) {
		for _, c := range changes {
			e.emit(EventNodeChanged, nodeEvent(c))
		}

		mqttRunning := e.mqttMgr.AnyRunning()
		valkeyRunning := e.valkeyMgr.AnyRunning()
		kafkaPublishing := e.kafkaMgr.AnyPublishing()

		debugEngine.Log("OnValueChange: %d changes, MQTT: %v, Valkey: %v, Kafka: %v",
			len(changes), mqttRunning, valkeyRunning, kafkaPublishing)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]consoleman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					e.mqttMgr.Publish(mqttNodeMessage(c), true)
				}
			}()
		}
		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					e.valkeyMgr.Publish(valkeyNodeMessage(c))
				}
			}()
		}
		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					e.kafkaMgr.Publish(kafkaNodeMessage(c), true)
				}
			}()
		}
	})
}

// setupStatusHandlers publishes every session status transition.
func (e *Engine) setupStatusHandlers() {
	e.consoleMgr.SetOnStatusChange(func(console string, status consoleman.ConnectionStatus, err error) {
		e.logFn("Console %s: %s", console, status)
		e.publishStatus(console, status, err)
	})
}

func (e *Engine) publishStatus(console string, status consoleman.ConnectionStatus, err error) {
	ev := ConsoleStatusEvent{Name: console, Status: status.String()}
	if c := e.consoleMgr.GetConsole(console); c != nil {
		ev.Session = c.SessionID()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	online := status == consoleman.StatusConnected
	now := time.Now().UTC()

	e.mqttMgr.PublishStatus(mqtt.StatusMessage{
		Console: console, Status: ev.Status, Session: ev.Session, Error: ev.Error,
		Timestamp: now.Format(time.RFC3339),
	})
	e.valkeyMgr.PublishStatus(valkey.StatusMessage{
		Console: console, Online: online, Status: ev.Status, Session: ev.Session, Error: ev.Error,
		Timestamp: now,
	})
	e.kafkaMgr.PublishStatus(kafka.StatusMessage{
		Console: console, Online: online, Status: ev.Status, Session: ev.Session, Error: ev.Error,
		Timestamp: now.Format(time.RFC3339),
	})
	e.emit(EventConsoleStatus, ev)
}

// setupWriteHandlers routes broker set requests to the consoles. Only nodes
// selected as writable accept them.
func (e *Engine) setupWriteHandlers() {
	writeHandler := func(console, node string, value interface{}) error {
		if err := e.consoleMgr.WriteBack(console, node, value); err != nil {
			return err
		}
		e.emit(EventNodeSet, NodeEvent{Console: console, Node: node, Value: value})
		return nil
	}
	writeValidator := func(console, node string) bool {
		return e.consoleMgr.IsWritable(console, node)
	}

	e.mqttMgr.SetWriteHandler(writeHandler)
	e.mqttMgr.SetWriteValidator(writeValidator)

	e.valkeyMgr.SetWriteHandler(writeHandler)
	e.valkeyMgr.SetWriteValidator(writeValidator)

	e.kafkaMgr.SetWriteHandler(writeHandler)
	e.kafkaMgr.SetWriteValidator(writeValidator)
}

// updateMQTTConsoleNames points the MQTT set subscriptions at the current consoles.
func (e *Engine) updateMQTTConsoleNames() {
	names := make([]string, 0, len(e.cfg.Consoles))
	for _, c := range e.cfg.Consoles {
		names = append(names, c.Name)
	}
	e.mqttMgr.SetConsoleNames(names)
	e.mqttMgr.UpdateWriteSubscriptions()
}

func (e *Engine) forcePublishAllValuesToMQTT() {
	values := e.consoleMgr.GetAllCurrentValues()
	e.logFn("ForcePublishAllValues: publishing %d values to MQTT", len(values))
	for _, v := range values {
		e.mqttMgr.Publish(mqttNodeMessage(v), true)
	}
}

func (e *Engine) forcePublishAllValuesToValkey() {
	values := e.consoleMgr.GetAllCurrentValues()
	e.logFn("ForcePublishAllValuesToValkey: publishing %d values", len(values))
	for _, v := range values {
		e.valkeyMgr.Publish(valkeyNodeMessage(v))
	}
}

func (e *Engine) forcePublishAllValuesToKafka() {
	values := e.consoleMgr.GetAllCurrentValues()
	e.logFn("ForcePublishAllValuesToKafka: publishing %d values", len(values))
	for _, v := range values {
		e.kafkaMgr.Publish(kafkaNodeMessage(v), true)
	}
}

// publishStatusLoop republishes every console's status so that status keys
// and retained topics stay fresh for late subscribers.
func (e *Engine) publishStatusLoop() {
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishAllStatus()
		}
	}
}

func (e *Engine) publishAllStatus() {
	for _, c := range e.consoleMgr.ListConsoles() {
		e.publishStatus(c.Config.Name, c.GetStatus(), c.GetError())
	}
}

// autoAddDiscovered runs one discovery scan and adds every console not yet
// configured.
func (e *Engine) autoAddDiscovered() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	records, err := e.Discover(ctx, 0, false)
	if err != nil {
		e.logFn("Discovery failed: %v", err)
		return
	}
	if n := e.AddDiscovered(records); n > 0 {
		e.logFn("Discovery added %d console(s)", n)
	}
}
