package bus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSTransport carries events between OS-process "contexts" through a
// shared relay. Each context dials the relay once; the relay fans every
// message out to the other connected contexts.
type WSTransport struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	handler func(Event)
	closed  chan struct{}
}

// DialRelay connects to a relay at url (ws:// or wss://) and starts the
// receive loop.
func DialRelay(url string, logger zerolog.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	t := &WSTransport{conn: conn, log: logger, closed: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.log.Debug().Err(err).Msg("Broadcast connection closed")
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.log.Error().Err(err).Msg("Could not decode broadcast message")
			continue
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (t *WSTransport) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) SetHandler(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *WSTransport) Close() error {
	close(t.closed)
	return t.conn.Close()
}

// Relay is the http.Handler side of the websocket transport. It accepts
// context connections and forwards every message to all other
// connections. Messages are treated as opaque; the relay does not
// decode events.
type Relay struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

func NewRelay(logger zerolog.Logger) *Relay {
	return &Relay{
		log:   logger,
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not upgrade broadcast connection")
		return
	}
	r.mu.Lock()
	r.conns[conn] = &sync.Mutex{}
	count := len(r.conns)
	r.mu.Unlock()
	r.log.Debug().Int("contexts", count).Msg("Broadcast context joined")

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.fanout(conn, msgType, data)
	}
}

func (r *Relay) fanout(from *websocket.Conn, msgType int, data []byte) {
	r.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(r.conns))
	for conn, mu := range r.conns {
		if conn != from {
			targets[conn] = mu
		}
	}
	r.mu.Unlock()
	for conn, mu := range targets {
		mu.Lock()
		err := conn.WriteMessage(msgType, data)
		mu.Unlock()
		if err != nil {
			r.log.Debug().Err(err).Msg("Could not forward broadcast message")
		}
	}
}
