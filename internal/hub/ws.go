// SPDX-License-Identifier: MIT

package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/log"
)

const (
	// pingPeriod is the server heartbeat interval.
	pingPeriod = 30 * time.Second
	// pongWait is how long after a heartbeat the client's pong may arrive.
	pongWait = 10 * time.Second

	writeWait      = 5 * time.Second
	maxMessageSize = 4096
)

// Control message types on the wire, alongside the domain event types.
const (
	msgPing        = "ping"
	msgPong        = "pong"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgCatchupHint = "catchup_hint"
	msgError       = "error"
)

type clientMessage struct {
	Type      string   `json:"type"`
	Events    []string `json:"events,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
}

type controlEnvelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// WSHandler upgrades HTTP requests into hub subscriptions.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWSHandler builds the websocket endpoint for the hub.
func NewWSHandler(h *Hub) *WSHandler {
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	filter := filterFromQuery(r)
	sub := h.hub.Subscribe(filter)

	// The read loop feeds control replies to the write loop, which owns
	// every write on the connection.
	replies := make(chan controlEnvelope, 4)
	done := make(chan struct{})

	go h.readLoop(conn, sub, replies, done)
	h.writeLoop(conn, sub, replies, done)

	h.hub.Unsubscribe(sub.ID)
	_ = conn.Close()
	logger := log.WithComponent("hub")
	logger.Debug().Str(log.FieldSubscriberID, sub.ID).Msg("connection closed")
}

func filterFromQuery(r *http.Request) Filter {
	f := Filter{ChannelID: r.URL.Query().Get("channel_id")}
	if evs, ok := r.URL.Query()["event"]; ok && len(evs) > 0 {
		f.Types = make(map[domain.EventType]bool, len(evs))
		for _, e := range evs {
			f.Types[domain.EventType(e)] = true
		}
	}
	return f
}

// readLoop consumes client control messages and keeps the read deadline
// fresh. It exits on any read error, which also ends the write loop.
func (h *WSHandler) readLoop(conn *websocket.Conn, sub *Subscriber, replies chan<- controlEnvelope, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	})

	reply := func(env controlEnvelope) {
		select {
		case replies <- env:
		default:
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			reply(controlEnvelope{Type: msgError, OccurredAt: time.Now(),
				Code: "bad_message", Message: "message is not valid JSON"})
			continue
		}
		switch msg.Type {
		case msgPing:
			reply(controlEnvelope{Type: msgPong, OccurredAt: time.Now()})
		case msgSubscribe:
			f := Filter{ChannelID: msg.ChannelID}
			if len(msg.Events) > 0 {
				f.Types = make(map[domain.EventType]bool, len(msg.Events))
				for _, e := range msg.Events {
					f.Types[domain.EventType(e)] = true
				}
			}
			sub.SetFilter(f)
		case msgUnsubscribe:
			// A non-empty type set that no event matches mutes the
			// subscription until the next subscribe message.
			sub.SetFilter(Filter{Types: map[domain.EventType]bool{"": true}})
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscriber, replies <-chan controlEnvelope, done <-chan struct{}) {
	heartbeat := time.NewTicker(pingPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case env := <-replies:
			if h.writeControl(conn, env) != nil {
				return
			}
		case <-heartbeat.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(writeWait))
				return
			}
			if sub.CatchupPending() {
				if h.writeControl(conn, controlEnvelope{Type: msgCatchupHint, OccurredAt: time.Now()}) != nil {
					return
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteJSON(ev) != nil {
				return
			}
		}
	}
}

func (h *WSHandler) writeControl(conn *websocket.Conn, env controlEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
