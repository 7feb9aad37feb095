package blob

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types published by the daemon.
const (
	EventSettings         = "settings"
	EventProgress         = "ffmpegProgress"
	EventDownloadFinished = "downloadFinished"
)

// Event is one message on the events stream.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an Event.
func NewEvent(typ string, data any) Event {
	ev := Event{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Printf("[Hub] marshal %s event: %v", typ, err)
		} else {
			ev.Data = raw
		}
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (ev Event) Decode(v any) error {
	if len(ev.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(ev.Data, v)
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
}

// DownloadData is the payload of a download-finished event.
type DownloadData struct {
	ID    string `json:"id"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only loopback clients reach the server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to websocket clients and in-process subscribers.
// A subscriber whose buffer is full is dropped.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// Publish sends ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Hub] marshal event: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			delete(h.subs, ch)
			close(ch)
			log.Printf("[Hub] dropped slow subscriber")
		}
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	raw := h.add()
	out := make(chan Event, sendBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for data := range raw {
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			h.remove(raw)
		})
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add() chan []byte {
	ch := make(chan []byte, sendBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request and streams events to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] upgrade: %v", err)
		return
	}
	send := h.add()
	log.Printf("[Hub] client connected (total: %d)", h.Count())
	go h.writePump(conn, send)
	h.readPump(conn, send)
}

func (h *Hub) readPump(conn *websocket.Conn, send chan []byte) {
	defer func() {
		h.remove(send)
		conn.Close()
		log.Printf("[Hub] client disconnected (total: %d)", h.Count())
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// Clients only listen; anything they send is discarded.
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
