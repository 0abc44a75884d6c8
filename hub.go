package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsEnvelope is the JSON frame pushed to subscribed clients.
type wsEnvelope struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

// Client is one browser tab subscribed to a driver's event feed.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
}

type hubEvent struct {
	sessionID string
	data      []byte
}

// Hub fans shift events out to the websocket clients watching each session.
// Gameplay code calls BroadcastEvent under the store lock; the hub loop owns
// the client registry so no socket write ever happens under that lock.
type Hub struct {
	clients    map[*Client]bool
	events     chan hubEvent
	register   chan *Client
	unregister chan *Client
	log        *logrus.Logger
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan hubEvent, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// BroadcastEvent queues one event for every client watching the session.
// Non-blocking: if the hub loop is saturated the event is dropped, the
// authoritative copy lives in the session's event log.
func (h *Hub) BroadcastEvent(sessionID string, e Event) {
	data, err := json.Marshal(wsEnvelope{Type: "shift_event", Payload: e})
	if err != nil {
		return
	}
	select {
	case h.events <- hubEvent{sessionID: sessionID, data: data}:
	default:
	}
}

// Run is the hub's event loop. Blocks, run it in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case ev := <-h.events:
			for client := range h.clients {
				if client.sessionID != ev.sessionID {
					continue
				}
				select {
				case client.send <- ev.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and subscribes the connection to the
// caller's session feed.
func ServeWs(hub *Hub, sessionID string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &Client{hub: hub, conn: conn, sessionID: sessionID, send: make(chan []byte, 256)}
	client.hub.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump drains the connection until close. Inbound frames are ignored;
// the feed is one way.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("websocket read ended")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
