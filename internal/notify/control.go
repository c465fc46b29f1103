package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command is a control plane request.
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response answers a Command on the responses topic.
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks implement the control commands. A nil callback answers
// "not implemented".
type CommandCallbacks struct {
	// OnCapture triggers a photo capture and returns the request data.
	OnCapture func() (map[string]interface{}, error)
	// OnGetStatus returns pipeline status.
	OnGetStatus func() map[string]interface{}
	// OnRebind rebinds the camera; params may carry "selector".
	OnRebind func(selector string) error
}

// Handler subscribes to the control topic and executes commands one at a
// time on its own goroutine.
type Handler struct {
	cfg       MQTTConfig
	client    mqtt.Client
	callbacks CommandCallbacks

	mu       sync.Mutex
	commands chan Command
	stopped  bool
	wg       sync.WaitGroup
}

// NewHandler creates a control handler on client.
func NewHandler(cfg MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("notify: control handler requires an mqtt client")
	}
	if cfg.ControlTopic == "" || cfg.ResponsesTopic == "" {
		return nil, fmt.Errorf("notify: control and responses topics are required")
	}
	return &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
	}, nil
}

// Start subscribes to the control topic and processes commands until ctx
// ends or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("notify: subscribing to control plane", "topic", h.cfg.ControlTopic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(h.cfg.ControlTopic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("notify: control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: control plane subscription failed: %w", err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processCommands(ctx)
	}()

	slog.Info("notify: control plane handler started")
	return nil
}

// Stop unsubscribes and waits for the command goroutine. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.ControlTopic)
		token.WaitTimeout(publishTimeout)
	}

	h.wg.Wait()
	slog.Info("notify: control plane handler stopped")
	return nil
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("notify: failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("notify: control command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("notify: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "capture":
		if h.callbacks.OnCapture == nil {
			resp.Status, resp.Error = "error", "capture not implemented"
			break
		}
		data, err := h.callbacks.OnCapture()
		if err != nil {
			resp.Status, resp.Error = "error", err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = data

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.Status, resp.Error = "error", "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "rebind":
		if h.callbacks.OnRebind == nil {
			resp.Status, resp.Error = "error", "rebind not implemented"
			break
		}
		selector, _ := cmd.Params["selector"].(string)
		if err := h.callbacks.OnRebind(selector); err != nil {
			resp.Status, resp.Error = "error", err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"selector": selector,
			"message":  "camera rebound",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("notify: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.ResponsesTopic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("notify: response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("notify: failed to publish response", "error", err)
		return
	}

	slog.Debug("notify: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
