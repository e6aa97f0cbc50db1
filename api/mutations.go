package api

import (
	"encoding/json"
	"net/http"

	"winglink/engine"
)

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *handlers) respond(w http.ResponseWriter, err error, status int, state string) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": state})
}

// --- Consoles ---

func (h *handlers) handleCreateConsole(w http.ResponseWriter, r *http.Request) {
	var req engine.ConsoleHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.CreateConsole(req.ToCreateRequest()), http.StatusCreated, "created")
}

func (h *handlers) handleUpdateConsole(w http.ResponseWriter, r *http.Request) {
	var req engine.ConsoleHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.UpdateConsole(pathParam(r, "console"), req.ToUpdateRequest()), http.StatusOK, "updated")
}

func (h *handlers) handleDeleteConsole(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.DeleteConsole(pathParam(r, "console")), http.StatusOK, "deleted")
}

func (h *handlers) handleConnectConsole(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.ConnectConsole(pathParam(r, "console")), http.StatusOK, "connecting")
}

func (h *handlers) handleDisconnectConsole(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.DisconnectConsole(pathParam(r, "console")), http.StatusOK, "disconnected")
}

// --- MQTT ---

func (h *handlers) handleCreateMQTT(w http.ResponseWriter, r *http.Request) {
	var req engine.MQTTHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.CreateMQTT(req.ToCreateRequest()), http.StatusCreated, "created")
}

func (h *handlers) handleUpdateMQTT(w http.ResponseWriter, r *http.Request) {
	var req engine.MQTTHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.UpdateMQTT(pathParam(r, "name"), req.ToUpdateRequest()), http.StatusOK, "updated")
}

func (h *handlers) handleDeleteMQTT(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.DeleteMQTT(pathParam(r, "name")), http.StatusOK, "deleted")
}

func (h *handlers) handleStartMQTT(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.StartMQTT(pathParam(r, "name")), http.StatusOK, "started")
}

func (h *handlers) handleStopMQTT(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.StopMQTT(pathParam(r, "name")), http.StatusOK, "stopped")
}

// --- Valkey ---

func (h *handlers) handleCreateValkey(w http.ResponseWriter, r *http.Request) {
	var req engine.ValkeyHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.CreateValkey(req.ToCreateRequest()), http.StatusCreated, "created")
}

func (h *handlers) handleUpdateValkey(w http.ResponseWriter, r *http.Request) {
	var req engine.ValkeyHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.UpdateValkey(pathParam(r, "name"), req.ToUpdateRequest()), http.StatusOK, "updated")
}

func (h *handlers) handleDeleteValkey(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.DeleteValkey(pathParam(r, "name")), http.StatusOK, "deleted")
}

func (h *handlers) handleStartValkey(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.StartValkey(pathParam(r, "name")), http.StatusOK, "started")
}

func (h *handlers) handleStopValkey(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.StopValkey(pathParam(r, "name")), http.StatusOK, "stopped")
}

// --- Kafka ---

func (h *handlers) handleCreateKafka(w http.ResponseWriter, r *http.Request) {
	var req engine.KafkaHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.CreateKafka(req.ToCreateRequest()), http.StatusCreated, "created")
}

func (h *handlers) handleUpdateKafka(w http.ResponseWriter, r *http.Request) {
	var req engine.KafkaHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, h.engine.UpdateKafka(pathParam(r, "name"), req.ToUpdateRequest()), http.StatusOK, "updated")
}

func (h *handlers) handleDeleteKafka(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.DeleteKafka(pathParam(r, "name")), http.StatusOK, "deleted")
}

func (h *handlers) handleConnectKafka(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.ConnectKafka(pathParam(r, "name")), http.StatusOK, "connected")
}

func (h *handlers) handleDisconnectKafka(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.engine.DisconnectKafka(pathParam(r, "name")), http.StatusOK, "disconnected")
}

// handleForcePublish republishes every cached value. ?to=mqtt|valkey|kafka
// limits it to one service.
func (h *handlers) handleForcePublish(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("to") {
	case "":
		h.engine.ForcePublishAll()
	case "mqtt":
		h.engine.ForcePublishAllToMQTT()
	case "valkey":
		h.engine.ForcePublishAllToValkey()
	case "kafka":
		h.engine.ForcePublishAllToKafka()
	default:
		h.writeError(w, http.StatusBadRequest, "unknown service")
		return
	}
	h.respond(w, nil, http.StatusAccepted, "published")
}
