package monitor

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Stream timing. Clients that do not drain their send queue within the
// write deadline, or stop answering pings, are dropped.
const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// Event is one message on the /ws stream. Report events carry a line
// of routine output in Text; status events carry the status document
// in Data.
type Event struct {
	Seq  int64                  `json:"seq"`
	Time float64                `json:"time"` // seconds since server start
	Kind string                 `json:"kind"`
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Broadcast sends an event to every connected stream client. Clients
// that cannot keep up lose events rather than slow the sender down.
func (s *Server) Broadcast(ev Event) {
	ev.Seq = atomic.AddInt64(&s.seq, 1)
	ev.Time = time.Since(s.startTime).Seconds()

	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		c.send(ev)
	}
}

// Printf formats one line of routine output and broadcasts it as a
// report event. Its signature matches the calibration reporter, so a
// server can be handed straight to a running routine.
func (s *Server) Printf(format string, args ...interface{}) {
	s.Broadcast(Event{Kind: "report", Text: fmt.Sprintf(format, args...)})
}

func (s *Server) clientCount() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.clients)
}

// client is one WebSocket stream subscriber.
type client struct {
	id     int64
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (c *client) send(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		// Queue full. The stream is best effort, drop the event.
		logrus.Debugf("monitor: client %d is slow, dropping event %d", c.id, ev.Seq)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleWS upgrades the connection and serves the event stream until
// the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Debugf("monitor: websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		events: make(chan Event, sendBuffer),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()

	logrus.Debugf("monitor: stream client %d connected from %s", c.id, r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

// readPump discards client input and notices disconnects. The stream
// is one way; anything the client sends beyond control frames is
// ignored.
func (s *Server) readPump(c *client) {
	defer func() {
		s.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Debugf("monitor: client %d read error: %v", c.id, err)
			}
			return
		}
	}
}

// writePump delivers queued events and keeps the connection alive with
// pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logrus.Debugf("monitor: client %d write error: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	logrus.Debugf("monitor: stream client %d disconnected", c.id)
}
