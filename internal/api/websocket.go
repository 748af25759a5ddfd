package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"secondlayer/internal/dispatcher"
	"secondlayer/internal/eventbus"
	"secondlayer/internal/models"

	"github.com/gorilla/websocket"
)

// --- WebSocket hub ---

// wsHub fans delivery results out to connected websocket clients. It is a
// live tap for dashboards; missing a message here has no bearing on webhook
// delivery itself.
type wsHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mutex      sync.Mutex
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type wsDelivery struct {
	StreamID       string    `json:"streamId"`
	BlockHeight    uint64    `json:"blockHeight"`
	Timestamp      time.Time `json:"timestamp"`
	Outcome        string    `json:"outcome"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	Attempts       int       `json:"attempts"`
}

func newWSHub(bus *eventbus.Bus) *wsHub {
	h := &wsHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}

	events := make(chan eventbus.Event, 64)
	bus.Subscribe(eventbus.TypeDeliveryResult, events)

	go h.run()
	go h.pump(events)
	return h
}

func (h *wsHub) run() {
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
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// pump translates bus events into broadcast frames.
func (h *wsHub) pump(events <-chan eventbus.Event) {
	for evt := range events {
		payload := wsDelivery{
			StreamID:    evt.StreamID,
			BlockHeight: evt.Height,
			Timestamp:   evt.Timestamp,
			Outcome:     models.DeliveryFailed,
		}
		if dr, ok := evt.Data.(dispatcher.Result); ok {
			if dr.Success {
				payload.Outcome = models.DeliverySuccess
			}
			payload.StatusCode = dr.StatusCode
			payload.ResponseTimeMs = dr.ResponseTimeMs
			payload.Attempts = dr.Attempts
		}
		msg := wsMessage{Type: "delivery", Payload: payload}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		h.broadcast <- data
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (h *wsHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register <- client

	go func() {
		defer func() {
			h.unregister <- client
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

	// Inbound frames are discarded; the socket exists to push.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
