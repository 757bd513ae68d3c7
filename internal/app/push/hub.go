package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amicus-app/courtroom/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

// Hub delivers events to WebSocket clients subscribed to a couple's room.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*wsClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	log      *logger.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("push")
	}
	return &Hub{
		rooms: make(map[string]map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeWS upgrades the request and subscribes the connection to the room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, coupleID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	room, ok := h.rooms[coupleID]
	if !ok {
		room = make(map[*wsClient]struct{})
		h.rooms[coupleID] = room
	}
	room[client] = struct{}{}
	h.mu.Unlock()

	h.log.WithField("couple_id", coupleID).Info("push client subscribed")

	go h.writePump(client)
	go h.readPump(coupleID, client)
	return nil
}

// Publish sends the event to every client in the couple's room. Clients too
// slow to drain their buffer are dropped.
func (h *Hub) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	room := h.rooms[event.CoupleID]
	clients := make([]*wsClient, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			h.remove(event.CoupleID, c)
		}
	}
	return nil
}

// Close drops every client and rejects further subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for coupleID, room := range h.rooms {
		for c := range room {
			close(c.send)
		}
		delete(h.rooms, coupleID)
	}
	return nil
}

func (h *Hub) remove(coupleID string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[coupleID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, coupleID)
	}
	close(client.send)
}

func (h *Hub) readPump(coupleID string, client *wsClient) {
	defer func() {
		h.remove(coupleID, client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send application messages; the read loop only tracks
	// liveness and connection close.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
