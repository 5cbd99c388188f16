// Package eventsink fans the engine's event stream out to connected
// dashboard clients over a websocket, using the connection-map-plus-mutex
// style this codebase's live monitoring dashboard is built with. It is
// only ever wired up if events are enabled on the graph it observes.
package eventsink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/workengine/pkg/events"
)

// envelope is the wire format pushed to every connected client: a
// type tag plus the untouched typed payload.
type envelope struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data events.Event `json:"data"`
}

// Sink subscribes to every event type a WorkGraph emits and broadcasts
// each one, as it is published, to every currently connected websocket
// client.
type Sink struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	conns map[string]*websocket.Conn

	unsubscribe []func()
}

// New builds a Sink with a discarding logger until WithLogger is used;
// callers typically follow New with Subscribe.
func New() *Sink {
	logger := logrus.New()
	logger.SetOutput(discardWriter{})
	return &Sink{
		logger: logger,
		conns:  make(map[string]*websocket.Conn),
	}
}

// WithLogger swaps in a caller-supplied logger and returns the Sink for
// chaining.
func (s *Sink) WithLogger(l *logrus.Logger) *Sink {
	if l != nil {
		s.logger = l
	}
	return s
}

// Subscribe registers a handler for every event type the engine defines
// on publisher, so a Sink observes a WorkGraph's full lifecycle without
// the caller needing to enumerate handlers itself.
func (s *Sink) Subscribe(publisher events.Publisher) {
	types := []events.Event{
		events.NodeAdded{},
		events.DependencyAdded{},
		events.NodeStateChanged{},
		events.NodeReady{},
		events.NodeScheduled{},
		events.NodeDeferred{},
		events.NodeExecuting{},
		events.NodeCompleted{},
		events.NodeFailed{},
		events.NodeCancelled{},
		events.DependencyResolved{},
		events.GraphExecutionStarted{},
		events.GraphExecutionCompleted{},
		events.GraphStats{},
	}
	for _, t := range types {
		unsub := publisher.Subscribe(t, s.broadcast)
		s.unsubscribe = append(s.unsubscribe, unsub)
	}
}

// Close unsubscribes from every event type and drops all connections.
func (s *Sink) Close() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
}

func (s *Sink) broadcast(e events.Event) {
	msg, err := json.Marshal(envelope{Type: fmt.Sprintf("%T", e), At: time.Now(), Data: e})
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal event for broadcast")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, conn := range s.conns {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.WithError(err).WithField("client_id", id).Warn("failed to send event to client")
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket and keeps the connection
// registered until the client disconnects. Register this as a handler on
// whatever mux serves the dashboard (e.g. alongside pkg/metrics' router).
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade websocket connection")
		return
	}

	clientID := fmt.Sprintf("client-%d", time.Now().UnixNano())
	s.mu.Lock()
	s.conns[clientID] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, clientID)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).WithField("client_id", clientID).Warn("websocket read error")
			}
			return
		}
	}
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
