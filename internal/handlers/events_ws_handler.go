package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shieldpool/internal/clients"
)

// eventEnvelope is the frame written to event stream subscribers
type eventEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventStreamHandler fans pool events out to WebSocket subscribers. Events
// arrive over NATS so every replica of the API serves the same stream.
type EventStreamHandler struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]chan eventEnvelope
}

// NewEventStreamHandler creates the event stream handler
func NewEventStreamHandler() *EventStreamHandler {
	return &EventStreamHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[string]chan eventEnvelope),
	}
}

// Start wires the handler to the NATS event stream. With NATS disabled the
// endpoint still accepts connections but only emits keepalives.
func (h *EventStreamHandler) Start(natsClient *clients.NATSClient) error {
	if natsClient == nil {
		log.Printf("⚠️ [Events] NATS disabled, event stream will be idle")
		return nil
	}

	if err := natsClient.SubscribeToDepositAccepted(func(event *clients.DepositAcceptedEvent, _ string) {
		h.broadcast("deposit_accepted", event)
	}); err != nil {
		return err
	}
	if err := natsClient.SubscribeToRootPublished(func(event *clients.RootPublishedEvent, _ string) {
		h.broadcast("root_published", event)
	}); err != nil {
		return err
	}
	if err := natsClient.SubscribeToWithdrawalStatus(func(event *clients.WithdrawalStatusEvent, _ string) {
		h.broadcast("withdrawal_status", event)
	}); err != nil {
		return err
	}
	return nil
}

func (h *EventStreamHandler) broadcast(eventType string, data interface{}) {
	envelope := eventEnvelope{Type: eventType, Data: data, Timestamp: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for clientID, ch := range h.clients {
		select {
		case ch <- envelope:
		default:
			log.Printf("⚠️ [Events] client %s is slow, dropping %s event", clientID, eventType)
		}
	}
}

func (h *EventStreamHandler) register(clientID string) chan eventEnvelope {
	ch := make(chan eventEnvelope, 64)
	h.mu.Lock()
	h.clients[clientID] = ch
	h.mu.Unlock()
	return ch
}

func (h *EventStreamHandler) unregister(clientID string) {
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
}

// HandleWebSocket upgrades the connection and streams pool events
// GET /api/v1/events/ws
func (h *EventStreamHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ [Events] WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	eventCh := h.register(clientID)
	defer h.unregister(clientID)

	log.Printf("📡 [Events] client connected: %s", clientID)

	conn.WriteJSON(eventEnvelope{Type: "connected", Timestamp: time.Now()})

	// Read loop only services control frames and detects closed peers
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}()

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case envelope := <-eventCh:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(envelope); err != nil {
				log.Printf("⚠️ [Events] write error for client %s: %v", clientID, err)
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			log.Printf("🔌 [Events] client disconnected: %s", clientID)
			return
		}
	}
}
