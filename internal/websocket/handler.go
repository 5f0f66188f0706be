package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: exam clients are native browsers without a
		// meaningful Origin; the connection token is the credential
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// ConnectionStore is the client session state the handler maintains
type ConnectionStore interface {
	GetConnection(ctx context.Context, connectionToken string) (*types.ClientConnection, error)
	UpdateConnectionStatus(ctx context.Context, connectionToken string, status types.ConnectionStatus) error
	SetRoomUpdateFlag(ctx context.Context, connectionToken string, needsUpdate bool) error
	MarkInstructionDelivered(ctx context.Context, instructionID string) error
}

// ClientMessage is what an exam client sends over its channel
type ClientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// MessageTypeAck acknowledges an instruction by id
const MessageTypeAck = "ack"

// Handler accepts exam client channels
// ARCHITECTURAL DISCOVERY: Connect and disconnect only flip the connection
// status and the room update flag; room assignment happens on the next
// background pass, never on the socket goroutine
type Handler struct {
	registry     *Registry
	store        ConnectionStore
	router       interfaces.InstructionRouter
	pingInterval time.Duration
	readTimeout  time.Duration
}

// Heartbeat defaults
const (
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 60 * time.Second
)

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, store ConnectionStore, router interfaces.InstructionRouter) *Handler {
	return &Handler{
		registry:     registry,
		store:        store,
		router:       router,
		pingInterval: DefaultPingInterval,
		readTimeout:  DefaultReadTimeout,
	}
}

// SetHeartbeat overrides the ping interval and read deadline; the read
// timeout must exceed the ping interval or idle clients get dropped
func (h *Handler) SetHeartbeat(pingInterval, readTimeout time.Duration) {
	if pingInterval > 0 {
		h.pingInterval = pingInterval
	}
	if readTimeout > h.pingInterval {
		h.readTimeout = readTimeout
	}
}

// HandleWebSocket validates the token, upgrades the request and serves the
// channel until the client goes away
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing required query parameter: token", http.StatusBadRequest)
		return
	}

	client, err := h.store.GetConnection(r.Context(), token)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			http.Error(w, "Unknown connection token", http.StatusNotFound)
			return
		}
		http.Error(w, "Connection lookup failed", http.StatusInternalServerError)
		return
	}
	if client.Status == types.ConnectionDisabled {
		http.Error(w, "Connection is disabled", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn)
	if err := wsConn.SetCredentials(client.Token, client.ExamID); err != nil {
		log.Printf("Failed to set credentials: %v", err)
		_ = wsConn.Close()
		return
	}
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}

	h.setStatus(client.Token, types.ConnectionActive)
	log.Printf("Client connected: exam=%d token=%s", client.ExamID, client.Token)

	go h.flushPending(wsConn)
	go h.handleConnection(wsConn)
}

// setStatus records the lifecycle change and flags the connection for the
// next room update pass
func (h *Handler) setStatus(token string, status types.ConnectionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.store.UpdateConnectionStatus(ctx, token, status); err != nil {
		log.Printf("Failed to update connection status: token=%s status=%s error=%v", token, status, err)
		return
	}
	if err := h.store.SetRoomUpdateFlag(ctx, token, true); err != nil {
		log.Printf("Failed to flag connection: token=%s error=%v", token, err)
	}
}

// flushPending replays instructions stored while the client was away
func (h *Handler) flushPending(conn *Connection) {
	if h.router == nil {
		return
	}
	n, err := h.router.FlushPending(context.Background(), conn.GetConnectionToken())
	if err != nil {
		log.Printf("Failed to flush pending instructions: token=%s error=%v", conn.GetConnectionToken(), err)
		return
	}
	if n > 0 {
		log.Printf("Flushed pending instructions: token=%s count=%d", conn.GetConnectionToken(), n)
	}
}

// handleConnection runs the heartbeat and the read pump
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: A channel replaced by a reconnect must not mark
		// the still-connected client as closed
		if h.registry.UnregisterConnection(conn) {
			h.setStatus(conn.GetConnectionToken(), types.ConnectionClosed)
			log.Printf("Client disconnected: exam=%d token=%s", conn.GetExamID(), conn.GetConnectionToken())
		}
		_ = conn.Close()
	}()

	// TECHNICAL DISCOVERY: Read deadline twice the ping interval by default
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: token=%s error=%v", conn.GetConnectionToken(), err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			h.handleMessage(conn, data)
		}
	}
}

func (h *Handler) handleMessage(conn *Connection, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Ignoring malformed client message: token=%s error=%v", conn.GetConnectionToken(), err)
		return
	}

	switch msg.Type {
	case MessageTypeAck:
		if msg.ID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.store.MarkInstructionDelivered(ctx, msg.ID); err != nil {
			log.Printf("Failed to acknowledge instruction: token=%s id=%s error=%v", conn.GetConnectionToken(), msg.ID, err)
		}
	default:
		log.Printf("Ignoring client message: token=%s type=%s", conn.GetConnectionToken(), msg.Type)
	}
}
