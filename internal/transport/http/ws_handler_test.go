package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ctfbot/internal/app"
	"ctfbot/internal/bot"
	"ctfbot/internal/domain"
	"ctfbot/internal/infra/memory"
	"github.com/gorilla/websocket"
)

func TestWebSocketFlagFlow(t *testing.T) {
	catalog := memory.NewCatalog(memory.NewStaticCatalogLoader(
		[]domain.ContestTemplate{{Name: "intro", Rules: "be nice", ChallengeIDs: []string{"c0"}}},
		[]domain.ChallengeTemplate{{ID: "c0", Name: "Warmup", Description: "Find it", Flag: "flag{x}"}},
	), time.Minute)
	service := app.NewContestService(memory.NewInstanceStore(), memory.NewParticipantStore(), catalog, app.Options{})
	wsHandler := NewWSHandler(bot.NewDispatcher(service, nil), NewHub(), nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	defer server.Close()

	base := "ws" + server.URL[len("http"):] + "/ws?roomId=room-1"
	alice := dial(t, base+"&userId=u1&username=alice")
	defer alice.Close()
	bob := dial(t, base+"&userId=u2&username=bob")
	defer bob.Close()

	send(t, alice, "/start intro")
	readNext(t, alice, "ack")
	if text := readReply(t, alice); !strings.Contains(text, `CTF "intro" Started!`) {
		t.Fatalf("unexpected start reply %q", text)
	}
	if text := readReply(t, alice); !strings.HasPrefix(text, "Challenge 0: Warmup") {
		t.Fatalf("unexpected challenge reply %q", text)
	}

	// Bob sits in the same room and sees the broadcast too.
	if text := readReply(t, bob); !strings.Contains(text, "Started!") {
		t.Fatalf("expected bob to see the start, got %q", text)
	}
	readReply(t, bob)

	send(t, bob, "/flag flag{x}")
	readNext(t, bob, "ack")
	want := []string{"correct!", `CTF "intro" has ended!`, "@bob: 1"}
	for _, w := range want {
		if text := readReply(t, alice); !strings.Contains(text, w) {
			t.Fatalf("expected %q, got %q", w, text)
		}
	}
}

func TestWebSocketRequiresRoomAndUser(t *testing.T) {
	wsHandler := NewWSHandler(bot.NewDispatcher(nil, nil), NewHub(), nil)
	rec := httptest.NewRecorder()
	wsHandler.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws?roomId=r1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHubDropsListenerOnCancel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("r1")
	if hub.Listeners("r1") != 1 {
		t.Fatalf("expected one listener")
	}
	hub.Broadcast(bot.Reply{RoomID: "r1", Text: "hi"})
	hub.Broadcast(bot.Reply{RoomID: "r2", Text: "elsewhere"})
	if got := <-ch; got.Text != "hi" {
		t.Fatalf("unexpected reply %+v", got)
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	if hub.Listeners("r1") != 0 {
		t.Fatalf("expected room removed")
	}
}

func dial(t *testing.T, u string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	msg := map[string]any{
		"type":    "message",
		"payload": map[string]any{"text": text},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func readReply(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	for {
		typ, payload := readNext(t, conn, "")
		if typ == "ack" {
			continue
		}
		if typ != "reply" {
			t.Fatalf("expected reply, got %s", typ)
		}
		text, _ := payload["text"].(string)
		return text
	}
}

func readNext(t *testing.T, conn *websocket.Conn, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}
