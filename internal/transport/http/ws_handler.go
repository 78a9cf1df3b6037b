package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"ctfbot/internal/bot"
	"ctfbot/internal/domain"
	"github.com/gorilla/websocket"
)

// Dispatcher handles one chat message and returns the replies for the room.
type Dispatcher interface {
	Handle(ctx context.Context, msg bot.Message) []bot.Reply
}

// WSHandler is the chat gateway: every websocket connection is one user
// sitting in one room.
type WSHandler struct {
	dispatcher Dispatcher
	hub        *Hub
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	seq        atomic.Int64
}

func NewWSHandler(dispatcher Dispatcher, hub *Hub, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type textPayload struct {
	Text string `json:"text"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type ackPayload struct {
	MessageID string `json:"messageId"`
}

// ServeWS upgrades HTTP requests to websockets and feeds chat text to the dispatcher.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("roomId")
	sender := domain.Participant{
		ID:        query.Get("userId"),
		Username:  query.Get("username"),
		FirstName: query.Get("firstName"),
		LastName:  query.Get("lastName"),
	}
	if roomID == "" || sender.ID == "" {
		http.Error(w, "missing roomId or userId", http.StatusBadRequest)
		return
	}

	// Join the room before the handshake completes so no broadcast is missed.
	replies, cancel := h.hub.Subscribe(roomID)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	repliesDone := make(chan struct{})

	// Only the writer goroutine touches conn for writes.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write error", "room", roomID, "error", err)
				return
			}
		}
	}()

	go func() {
		defer close(repliesDone)
		for {
			select {
			case rep, ok := <-replies:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "reply", Payload: rep}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "message":
			var payload textPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid message payload"}}
				continue
			}
			msgID := strconv.FormatInt(h.seq.Add(1), 10)
			send <- outboundMessage[any]{Type: "ack", Payload: ackPayload{MessageID: msgID}}
			for _, rep := range h.dispatcher.Handle(r.Context(), bot.Message{
				RoomID:    roomID,
				MessageID: msgID,
				Sender:    sender,
				Text:      payload.Text,
			}) {
				h.hub.Broadcast(rep)
			}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-repliesDone
	close(send)
	<-writerDone
}
