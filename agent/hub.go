package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Client represents a single connected UI.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	logger     *slog.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
}

type directMessage struct {
	client  *Client
	payload []byte
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("client registered", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("client unregistered", "clients", len(h.clients))
			}
		case m := <-h.direct:
			if _, ok := h.clients[m.client]; ok {
				select {
				case m.client.send <- m.payload:
				default:
					h.logger.Warn("client too slow, reply dropped")
				}
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// publish sends r to every client.
func (h *Hub) publish(r Reply) {
	buf, err := json.Marshal(r)
	if err != nil {
		h.logger.Error("cannot encode reply", "err", err)
		return
	}
	h.broadcast <- buf
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveWs(hub *Hub, a *Agent, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256)}
	// The current document goes out first so the UI can render right away.
	if buf, err := json.Marshal(a.view()); err == nil {
		client.send <- buf
	}
	hub.register <- client
	go client.writePump()
	go client.readPump(hub, a)
}

// readPump runs intents one at a time, in the order the UI sent them.
func (c *Client) readPump(hub *Hub, a *Agent) {
	defer func() {
		hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in Intent
		if err := json.Unmarshal(message, &in); err != nil {
			hub.logger.Warn("error decoding intent", "err", err)
			c.reply(hub, Reply{Type: ReplyError, Error: "malformed intent: " + err.Error()})
			continue
		}
		c.reply(hub, a.handle(in))
	}
}

func (c *Client) reply(hub *Hub, r Reply) {
	buf, err := json.Marshal(r)
	if err != nil {
		hub.logger.Error("cannot encode reply", "err", err)
		return
	}
	// Route through the hub so a send never races the channel being closed.
	hub.direct <- directMessage{client: c, payload: buf}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
