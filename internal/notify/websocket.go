package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeThing upgrades the request and streams status events for thingPath
// until the client goes away.
func (h *Hub) ServeThing(w http.ResponseWriter, r *http.Request, thingPath string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sub := h.Subscribe(thingPath, 64)
	logger := h.logger.With(slog.String("thing", thingPath), slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("websocket connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		writeLoop(sub, func(msg Message) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteJSON(msg)
		}, conn.Close, logger)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error("bad websocket message", slog.String("error", err.Error()))
			continue
		}
		switch msg.MessageType {
		case MessageTypeAddActionObservation:
			for name := range msg.Data {
				sub.Observe(name)
			}
		case MessageTypeAddPropertyObservation:
		default:
			logger.Error("unknown websocket message type", slog.String("message_type", msg.MessageType))
		}
	}

	sub.Close()
	<-done
	logger.Debug("websocket disconnected")
}

// writeLoop sends messages until the subscription closes or a write fails.
// A failed write drops the subscription and closes the connection, which
// also ends the read loop.
func writeLoop(sub *Subscription, write func(Message) error, closeConn func() error, logger *slog.Logger) {
	for msg := range sub.C() {
		if err := write(msg); err != nil {
			logger.Debug("websocket write failed", slog.String("error", err.Error()))
			sub.Close()
			_ = closeConn()
			return
		}
	}
}
