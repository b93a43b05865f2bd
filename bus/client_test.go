package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

const testTimeout = 5 * time.Second

type testRelay struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newTestRelay() *testRelay {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conns := make(chan *websocket.Conn, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	return &testRelay{
		server: server,
		conns:  conns,
	}
}

func (self *testRelay) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testRelay) accept(t *testing.T) *websocket.Conn {
	select {
	case ws := <-self.conns:
		return ws
	case <-time.After(testTimeout):
		t.Fatal("no connection")
		return nil
	}
}

func (self *testRelay) Close() {
	self.server.Close()
}

// reads the next envelope, skipping pings
func readEnvelope(t *testing.T, ws *websocket.Conn) *Envelope {
	for {
		ws.SetReadDeadline(time.Now().Add(testTimeout))
		_, message, err := ws.ReadMessage()
		assert.Equal(t, err, nil)
		if err != nil {
			t.FailNow()
		}
		if len(message) == 0 {
			continue
		}
		envelope, err := DecodeEnvelope(message)
		assert.Equal(t, err, nil)
		return envelope
	}
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, event string, payload any) {
	message, err := EncodeEnvelope(event, payload)
	assert.Equal(t, err, nil)
	ws.SetWriteDeadline(time.Now().Add(testTimeout))
	err = ws.WriteMessage(websocket.TextMessage, message)
	assert.Equal(t, err, nil)
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.ReconnectInitialDelay = 10 * time.Millisecond
	settings.ReconnectMaxDelay = 50 * time.Millisecond
	settings.HandshakeTimeout = testTimeout
	return settings
}

func waitConnected(t *testing.T, connected chan bool, want bool) {
	for {
		select {
		case c := <-connected:
			if c == want {
				return
			}
		case <-time.After(testTimeout):
			t.Fatalf("connected never became %t", want)
		}
	}
}

func newConnectedChannel(client *Client) chan bool {
	connected := make(chan bool, 16)
	client.AddConnectionCallback(func(c bool) {
		connected <- c
	})
	return connected
}

func TestClientEmitAndReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay()
	defer relay.Close()

	client := NewClient(ctx, relay.url(), "", testClientSettings())
	defer client.Close()

	connected := newConnectedChannel(client)

	received := make(chan json.RawMessage, 1)
	client.On(EventNewComment, func(data json.RawMessage) {
		received <- data
	})

	assert.Equal(t, client.Connect(), nil)
	ws := relay.accept(t)
	defer ws.Close()
	waitConnected(t, connected, true)
	assert.Equal(t, client.IsConnected(), true)

	err := client.Emit(EventAddComment, map[string]string{"techpackId": "tp1"})
	assert.Equal(t, err, nil)

	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Event, EventAddComment)
	assert.Equal(t, string(envelope.Data), `{"techpackId":"tp1"}`)

	writeEnvelope(t, ws, EventNewComment, map[string]string{"techpackId": "tp1"})
	select {
	case data := <-received:
		assert.Equal(t, string(data), `{"techpackId":"tp1"}`)
	case <-time.After(testTimeout):
		t.Fatal("no event")
	}
}

func TestClientEmitNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(ctx, "ws://127.0.0.1:1/ws", "", testClientSettings())
	err := client.Emit(EventAddComment, nil)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)

	client.Close()
	err = client.Emit(EventAddComment, nil)
	assert.Equal(t, errors.Is(err, ErrClosed), true)
	assert.Equal(t, errors.Is(client.Connect(), ErrClosed), true)
}

func TestClientRejoinAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay()
	defer relay.Close()

	client := NewClient(ctx, relay.url(), "", testClientSettings())
	defer client.Close()

	connected := newConnectedChannel(client)

	received := make(chan string, 4)
	client.On(EventNewComment, func(data json.RawMessage) {
		received <- string(data)
	})

	// joined before connecting, deferred to the connection
	err := client.JoinRoom(NewRoom(DomainTechPack, "tp1"))
	assert.Equal(t, err, nil)

	client.Connect()
	ws := relay.accept(t)
	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Event, "join-techpack")
	assert.Equal(t, string(envelope.Data), `"tp1"`)
	waitConnected(t, connected, true)

	// drop the connection from the relay side
	ws.Close()
	waitConnected(t, connected, false)

	ws2 := relay.accept(t)
	defer ws2.Close()
	envelope = readEnvelope(t, ws2)
	assert.Equal(t, envelope.Event, "join-techpack")
	assert.Equal(t, string(envelope.Data), `"tp1"`)
	waitConnected(t, connected, true)

	// handlers survive the reconnect
	writeEnvelope(t, ws2, EventNewComment, "after")
	select {
	case data := <-received:
		assert.Equal(t, data, `"after"`)
	case <-time.After(testTimeout):
		t.Fatal("no event after reconnect")
	}

	err = client.LeaveRoom(NewRoom(DomainTechPack, "tp1"))
	assert.Equal(t, err, nil)
	envelope = readEnvelope(t, ws2)
	assert.Equal(t, envelope.Event, "leave-techpack")
	assert.Equal(t, len(client.Rooms()), 0)
}

func TestClientOffAndOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay()
	defer relay.Close()

	client := NewClient(ctx, relay.url(), "", testClientSettings())
	defer client.Close()

	connected := newConnectedChannel(client)

	removedCount := 0
	removedId := client.On("a", func(data json.RawMessage) {
		removedCount += 1
	})
	client.Off("a", removedId)

	n := 100
	order := []int{}
	done := make(chan struct{})
	client.On("a", func(data json.RawMessage) {
		var i int
		json.Unmarshal(data, &i)
		order = append(order, i)
		if len(order) == n {
			close(done)
		}
	})
	// a panicking handler does not stop delivery
	client.On("a", func(data json.RawMessage) {
		panic("bad handler")
	})

	client.Connect()
	ws := relay.accept(t)
	defer ws.Close()
	waitConnected(t, connected, true)

	for i := 0; i < n; i += 1 {
		writeEnvelope(t, ws, "a", i)
	}

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("missing events")
	}

	expected := []int{}
	for i := 0; i < n; i += 1 {
		expected = append(expected, i)
	}
	assert.Equal(t, order, expected)
	assert.Equal(t, removedCount, 0)
}

func TestClientGivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay()
	url := relay.url()
	relay.Close()

	settings := testClientSettings()
	settings.ReconnectMaxAttempts = 2
	client := NewClient(ctx, url, "", settings)
	defer client.Close()

	client.Connect()

	deadline := time.Now().Add(testTimeout)
	for {
		client.stateLock.Lock()
		running := client.running
		client.stateLock.Unlock()
		if !running {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("reconnect never gave up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, client.IsConnected(), false)
}

func TestClientJoinWhileConnecting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newTestRelay()
	defer relay.Close()

	// joins land before, during and after the connection is set up
	for i := 0; i < 20; i += 1 {
		client := NewClient(ctx, relay.url(), "", testClientSettings())
		room := NewRoom(DomainTechPack, "tp1")

		joined := make(chan error, 1)
		go func() {
			time.Sleep(time.Duration(i) * 200 * time.Microsecond)
			joined <- client.JoinRoom(room)
		}()
		client.Connect()

		ws := relay.accept(t)
		envelope := readEnvelope(t, ws)
		assert.Equal(t, envelope.Event, room.JoinEvent())
		var id string
		json.Unmarshal(envelope.Data, &id)
		assert.Equal(t, id, "tp1")
		assert.Equal(t, <-joined, nil)

		client.Close()
		ws.Close()
	}
}
