package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// echoServer принимает одно websocket-соединение, ждёт phx_join и шлёт
// change-событие в присоединённый topic.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event != "phx_join" {
				continue
			}

			var join joinPayload
			if err := json.Unmarshal(msg.Payload, &join); err != nil {
				t.Errorf("decode join: %v", err)
				return
			}

			payload, _ := json.Marshal(domain.ChangeEvent{
				Entity: join.Entity,
				Type:   domain.EventInsert,
				New:    map[string]any{"id": "order-1"},
			})
			reply := wireMessage{Topic: msg.Topic, Event: "change", Payload: payload}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTransportJoinAndDeliver(t *testing.T) {
	t.Parallel()

	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSettings()
	settings.ReconnectDelay = 50 * time.Millisecond
	transport := New(ctx, wsURL(srv), "anon-key", settings, nil)
	defer transport.Close()

	// Буфер с запасом: join может быть отправлен и из очереди, и из rejoin.
	events := make(chan domain.ChangeEvent, 8)
	closer, err := transport.OpenChannel(ctx, domain.ChannelDescriptor{
		ChannelID: "ch-1",
		Entity:    domain.EntityOrders,
		Event:     domain.EventAny,
	}, func(e domain.ChangeEvent) {
		events <- e
	})
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	defer closer.Close()

	select {
	case e := <-events:
		if e.Entity != domain.EntityOrders || e.New["id"] != "order-1" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}

	if !transport.Connected() {
		t.Fatal("transport should report an established connection")
	}
}

func TestTransportOpenChannelAfterClose(t *testing.T) {
	t.Parallel()

	transport := New(context.Background(), "ws://localhost:1", "", DefaultSettings(), nil)
	_ = transport.Close()

	_, err := transport.OpenChannel(context.Background(), domain.ChannelDescriptor{ChannelID: "ch-1"}, nil)
	if !errors.Is(err, domain.ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestTopicForIsUniquePerRegistration(t *testing.T) {
	t.Parallel()

	first := domain.ChannelDescriptor{ChannelID: "ch-1", Entity: domain.EntityOrders}
	second := domain.ChannelDescriptor{ChannelID: "ch-2", Entity: domain.EntityOrders}

	if topicFor(first) == topicFor(second) {
		t.Fatal("two registrations on the same entity must get distinct topics")
	}
}

func TestHandleFrameIgnoresMalformedChange(t *testing.T) {
	t.Parallel()

	transport := New(context.Background(), "ws://localhost:1", "", DefaultSettings(), nil)
	defer transport.Close()

	// Не должно паниковать и не должно трогать обработчики.
	transport.handleFrame(wireMessage{Topic: "changes:orders:ch-1", Event: "change", Payload: []byte("{broken")})
	transport.handleFrame(wireMessage{Topic: "phoenix", Event: "phx_reply"})
}
