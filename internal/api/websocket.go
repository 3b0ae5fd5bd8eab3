package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeloop-engine/internal/eventbus"
	"tradeloop-engine/internal/models"
)

// hub fans loop-change events from the bus out to websocket clients.
// Each client can subscribe to a single tenant via the ?tenant= query
// parameter; clients without a filter see every tenant's events.
type hub struct {
	events     chan eventbus.Event
	register   chan *wsClient
	unregister chan *wsClient
	clients    map[*wsClient]bool
	mutex      sync.Mutex
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	tenant string
}

func newHub(bus *eventbus.Bus) *hub {
	h := &hub{
		events:     make(chan eventbus.Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
	}
	bus.Subscribe(eventbus.TypeLoopGained, h.events)
	bus.Subscribe(eventbus.TypeLoopLost, h.events)
	return h
}

type wsMessage struct {
	Type      string            `json:"type"`
	Tenant    string            `json:"tenant"`
	Loop      *models.TradeLoop `json:"loop"`
	Timestamp time.Time         `json:"timestamp"`
}

func (h *hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
		case evt := <-h.events:
			payload, err := json.Marshal(wsMessage{
				Type:      evt.Type,
				Tenant:    evt.Tenant,
				Loop:      evt.Loop,
				Timestamp: evt.Timestamp,
			})
			if err != nil {
				continue
			}
			h.mutex.Lock()
			for client := range h.clients {
				if client.tenant != "" && client.tenant != evt.Tenant {
					continue
				}
				select {
				case client.send <- payload:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WebSocket upgrade error:", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		tenant: r.URL.Query().Get("tenant"),
	}

	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- client
			conn.Close()
		}()
		for {
			message, ok := <-client.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wr, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			wr.Write(message)
			wr.Close()
		}
	}()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}
