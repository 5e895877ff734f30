// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package hub

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hankooktech/smartsensor-gateway/internal/logging"
	"github.com/hankooktech/smartsensor-gateway/internal/metrics"
)

// Subprotocol is the WebSocket subprotocol spoken on /v1/stream.
const Subprotocol = "smartsensor.v1"

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Message types exchanged with stream clients.
const (
	msgTypeSubscribe  = "subscribe"
	msgTypeSubscribed = "subscribed"
	msgTypePing       = "ping"
	msgTypePong       = "pong"
	msgTypeError      = "error"
)

// clientMessage is the inbound control message shape.
type clientMessage struct {
	Type   string `json:"type"`
	Filter Filter `json:"filter"`
}

// controlMessage is the outbound non-reading message shape.
type controlMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Authenticator validates the stream handshake and yields the principal.
type Authenticator interface {
	AuthenticateStream(r *http.Request) (Principal, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler returns the HTTP handler for GET /v1/stream. The handshake is:
// authenticate, upgrade, receive one subscribe message, reply subscribed,
// then stream reading frames until either side closes.
func (h *Hub) Handler(auth Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := auth.AuthenticateStream(r)
		if err != nil {
			metrics.SubscriberClosedTotal.WithLabelValues("auth").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		go h.serveConn(conn, principal)
	}
}

// serveConn runs the subscribe handshake and starts the pumps.
func (h *Hub) serveConn(conn *websocket.Conn, principal Principal) {
	conn.SetReadLimit(maxMessageSize)
	pongWait := 2 * h.cfg.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	var first clientMessage
	if err := conn.ReadJSON(&first); err != nil || first.Type != msgTypeSubscribe {
		_ = conn.WriteJSON(controlMessage{Type: msgTypeError, Error: "expected subscribe message"})
		_ = conn.Close()
		return
	}

	sub := newSubscriber(uuid.New().String(), principal, first.Filter, h.cfg, h.tenants)
	if err := conn.WriteJSON(controlMessage{Type: msgTypeSubscribed}); err != nil {
		_ = conn.Close()
		return
	}

	h.register(sub)
	go h.writePump(conn, sub)
	go h.readPump(conn, sub, pongWait)
}

// readPump consumes control messages from the client. Any read error ends
// the subscription.
func (h *Hub) readPump(conn *websocket.Conn, sub *Subscriber, pongWait time.Duration) {
	defer func() {
		h.unregister(sub)
		_ = conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var netErr interface{ Timeout() bool }
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				// Read deadline expired without a pong.
				metrics.SubscriberClosedTotal.WithLabelValues("pong_timeout").Inc()
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				logging.Debug().Err(err).Str("subscriber_id", sub.ID).Msg("unexpected websocket close")
			}
			return
		}

		switch msg.Type {
		case msgTypePong:
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		case msgTypePing:
			// Client-initiated keepalive.
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			select {
			case sub.outbox <- outboxEntry{blob: pingPongBlob(msgTypePong)}:
			default:
			}
		}
	}
}

// writePump delivers outbox frames and heartbeat pings to the socket. Each
// socket has its own writer; a slow socket only ever backs up its own
// outbox.
func (h *Hub) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-sub.closed:
			reason := sub.closeReason
			if reason != "" {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
			}
			return

		case entry := <-sub.outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, entry.blob); err != nil {
				return
			}
			if entry.seq > 0 {
				sub.lastDeliveredSeq.Store(entry.seq)
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, pingPongBlob(msgTypePing)); err != nil {
				return
			}
		}
	}
}

func pingPongBlob(msgType string) []byte {
	blob, _ := json.Marshal(controlMessage{Type: msgType})
	return blob
}
