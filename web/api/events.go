package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fernwerk/ticketsmith/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status server binds to localhost; cross-origin pages on the
	// same machine are trusted
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans pipeline events out to connected websocket clients
type Hub struct {
	clients    map[*client]bool
	publish    chan pipeline.Event
	register   chan *client
	unregister chan *client
}

type client struct {
	conn *websocket.Conn
	send chan pipeline.Event
}

// NewHub builds an idle hub; call Run to start it
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		publish:    make(chan pipeline.Event, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Publish hands a pipeline event to the hub. Never blocks; when the hub
// is backed up the event is dropped, the stream is advisory.
func (h *Hub) Publish(ev pipeline.Event) {
	select {
	case h.publish <- ev:
	default:
	}
}

// Run dispatches events until ctx is canceled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.publish:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// Slow client, cut it loose
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("warning: websocket upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan pipeline.Event, 16)}
	s.hub.register <- c

	go c.writeLoop()
	c.readLoop(s.hub)
}

func (c *client) writeLoop() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains the connection so close frames are processed, then
// unregisters the client
func (c *client) readLoop(h *Hub) {
	defer func() { h.unregister <- c }()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
