package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event types forwarded to websocket rooms. Every one of them carries
// the workflow id as its aggregate, which is also the room key.
var relayedEventTypes = []string{
	events.ExecutionStarted,
	events.ExecutionCompleted,
	events.ExecutionFailed,
	events.ExecutionCancelled,
	events.NodeExecutionStarted,
	events.NodeExecutionCompleted,
	events.NodeExecutionFailed,
	events.NodeExecutionSkipped,
	events.PinDataSet,
	events.PinDataCleared,
	events.WorkflowUpdated,
	events.WorkflowDeleted,
	events.ScheduleTriggered,
}

// WSMessage is the frame exchanged with websocket clients. Inbound
// frames carry subscribe and unsubscribe commands; outbound frames
// carry engine events for the rooms the client joined.
type WSMessage struct {
	Type      string                 `json:"type"`
	Room      string                 `json:"room,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub fans engine events out to websocket clients. Rooms are keyed by
// workflow id and a client only receives frames for rooms it joined.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	broadcast  chan WSMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     logger.Logger
	mu         sync.RWMutex
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log,
	}
}

// Relay subscribes the hub to the engine event bus. Frames are dropped
// rather than allowed to block a publisher.
func (h *Hub) Relay(bus events.EventBus) error {
	for _, eventType := range relayedEventTypes {
		if err := bus.Subscribe(eventType, h.relay); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) relay(ctx context.Context, event events.Event) error {
	msg := WSMessage{
		Type:      event.Type,
		Room:      event.AggregateID,
		Data:      event.Payload,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
	}
	return nil
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Websocket client connected", "clientId", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for room := range client.rooms {
					if members, ok := h.rooms[room]; ok {
						delete(members, client)
						if len(members) == 0 {
							delete(h.rooms, room)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Websocket client disconnected", "clientId", client.id)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.rooms[msg.Room] {
				select {
				case client.send <- msg:
				default:
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) joinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

func (h *Hub) leaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan WSMessage
	rooms map[string]bool
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket read failed", "clientId", c.id, "error", err)
			}
			break
		}

		switch msg.Type {
		case "subscribe":
			if msg.Room != "" {
				c.hub.joinRoom(c, msg.Room)
			}
		case "unsubscribe":
			if msg.Room != "" {
				c.hub.leaveRoom(c, msg.Room)
			}
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:    uuid.New().String(),
		hub:   s.hub,
		conn:  conn,
		send:  make(chan WSMessage, 64),
		rooms: make(map[string]bool),
	}
	s.hub.register <- client

	// Joining through the query string saves the client a frame.
	if room := c.Query("workflowId"); room != "" {
		s.hub.joinRoom(client, room)
	}

	go client.WritePump()
	go client.ReadPump()
}
