package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies a hub event category
type EventType string

const (
	EventTypeModelLoaded   EventType = "model_loaded"
	EventTypeModelUnloaded EventType = "model_unloaded"
	EventTypeModelEvicted  EventType = "model_evicted"
	EventTypeRequestLog    EventType = "request_log"
	EventTypeSystemStatus  EventType = "system_status"
	EventTypeConnection    EventType = "connection"
)

// Event is one message broadcast to connected clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ModelEvent describes a model lifecycle change.
type ModelEvent struct {
	Model      string `json:"model"`
	Action     string `json:"action"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// RequestLogEvent describes one handled HTTP request.
type RequestLogEvent struct {
	RequestID  string `json:"request_id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	DurationMS int64  `json:"duration_ms"`
}

// SystemStatusEvent is a periodic snapshot of service state.
type SystemStatusEvent struct {
	LoadedModels  int     `json:"loaded_models"`
	TotalMemoryMB float64 `json:"total_memory_mb"`
	Clients       int64   `json:"clients"`
}

// ConnectionEvent announces client connects and disconnects.
type ConnectionEvent struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id"`
}

// Client represents one connected WebSocket peer
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
}

// ClientMessage is a message received from a client
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}
