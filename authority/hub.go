package authority

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Publisher delivers an encoded push event to every subscriber of a note.
type Publisher interface {
	Publish(ctx context.Context, noteID string, payload []byte) error
}

// subscriber is one WebSocket connection listening to one note.
type subscriber struct {
	noteID string
	conn   *websocket.Conn
	send   chan []byte
}

type countQuery struct {
	noteID string
	reply  chan int
}

type message struct {
	noteID  string
	payload []byte
}

// Hub maintains the subscribers of every note and broadcasts messages to
// the subscribers of the note they are about.
type Hub struct {
	logger     *slog.Logger
	metrics    *Metrics
	rooms      map[string]map[*subscriber]bool
	broadcast  chan message
	register   chan *subscriber
	unregister chan *subscriber
	count      chan countQuery
	done       chan struct{}
	upgrader   websocket.Upgrader
}

func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		logger:     logger,
		metrics:    metrics,
		rooms:      make(map[string]map[*subscriber]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		count:      make(chan countQuery),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run serves registrations and broadcasts until ctx is done, then drops
// every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, room := range h.rooms {
			for sub := range room {
				close(sub.send)
			}
		}
		h.rooms = make(map[string]map[*subscriber]bool)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.register:
			room := h.rooms[sub.noteID]
			if room == nil {
				room = make(map[*subscriber]bool)
				h.rooms[sub.noteID] = room
			}
			room[sub] = true
			h.metrics.subscribers.Inc()
			h.logger.Info("subscriber registered", "note_id", sub.noteID, "subscribers", len(room))
		case sub := <-h.unregister:
			h.drop(sub)
		case q := <-h.count:
			q.reply <- len(h.rooms[q.noteID])
		case msg := <-h.broadcast:
			for sub := range h.rooms[msg.noteID] {
				select {
				case sub.send <- msg.payload:
				default:
					h.logger.Warn("subscriber too slow, dropping", "note_id", msg.noteID)
					h.drop(sub)
				}
			}
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	room := h.rooms[sub.noteID]
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sub.noteID)
	}
	close(sub.send)
	h.metrics.subscribers.Dec()
	h.logger.Info("subscriber unregistered", "note_id", sub.noteID, "subscribers", len(room))
}

// Publish queues payload for the local subscribers of noteID.
func (h *Hub) Publish(ctx context.Context, noteID string, payload []byte) error {
	select {
	case h.broadcast <- message{noteID: noteID, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

// Subscribers returns the number of live subscribers of noteID.
func (h *Hub) Subscribers(noteID string) int {
	q := countQuery{noteID: noteID, reply: make(chan int, 1)}
	select {
	case h.count <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// ServeWS upgrades the request and subscribes the connection to noteID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, noteID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "note_id", noteID, "err", err)
		return
	}
	sub := &subscriber{noteID: noteID, conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}
	go sub.writePump()
	go sub.readPump(h)
}

// readPump only watches for the peer going away; subscribers never send
// commands over the socket.
func (s *subscriber) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
