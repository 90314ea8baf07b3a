package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake gateway
// ============================================================================

// gateway accepts websocket sessions, records every envelope published by the
// client, and can push events back over the most recent session.
type gateway struct {
	mu    sync.Mutex
	conns []*websocket.Conn
	recv  chan Envelope
}

func newGateway() *gateway {
	return &gateway{recv: make(chan Envelope, 32)}
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			g.recv <- env
		}
	}
}

// push sends an event to the client over the latest session.
func (g *gateway) push(t *testing.T, event string, payload any) {
	t.Helper()
	g.mu.Lock()
	conn := g.conns[len(g.conns)-1]
	g.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	data, _ := json.Marshal(Envelope{Event: event, Payload: raw})
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("push write: %v", err)
	}
}

func (g *gateway) expect(t *testing.T, event string) Envelope {
	t.Helper()
	select {
	case env := <-g.recv:
		if env.Event != event {
			t.Fatalf("expected %s, got %s", event, env.Event)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
		return Envelope{}
	}
}

func (g *gateway) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case env := <-g.recv:
		t.Fatalf("unexpected envelope: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

// heartbeatLoopCount counts live heartbeat goroutines across the process.
func heartbeatLoopCount() int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Count(string(buf[:n]), ").heartbeatLoop(")
}

func newRealtimeFixture(t *testing.T, config *RealtimeConfig) (*Realtime, *gateway) {
	t.Helper()
	gw := newGateway()
	client := newTestClient(t, gw)
	return client.Realtime(config), gw
}

// ============================================================================
// URL derivation
// ============================================================================

func TestWSUrl(t *testing.T) {
	t.Run("https becomes wss with token", func(t *testing.T) {
		rt := NewClient("tok", WithBaseURL("https://api.example.test")).Realtime(nil)
		if got := rt.WSUrl(); got != "wss://api.example.test/ws?token=tok" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("http becomes ws", func(t *testing.T) {
		rt := NewClient("", WithBaseURL("http://localhost:4000")).Realtime(nil)
		if got := rt.WSUrl(); got != "ws://localhost:4000/ws" {
			t.Errorf("got %q", got)
		}
	})
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	t.Run("join handshake keys the session to the user", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		defer rt.Disconnect()

		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if rt.State() != StateConnected {
			t.Errorf("state = %s", rt.State())
		}

		env := gw.expect(t, EventJoin)
		var userID string
		if err := json.Unmarshal(env.Payload, &userID); err != nil || userID != "user-1" {
			t.Errorf("join payload = %s (%v)", env.Payload, err)
		}
		if env.RequestID == "" {
			t.Error("expected requestId")
		}
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		defer rt.Disconnect()

		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)

		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("second Connect: %v", err)
		}
		gw.expectNothing(t)
	})

	t.Run("disconnect emits and clears state", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)

		var gotReason string
		done := make(chan struct{})
		rt.OnDisconnected(func(reason string) {
			gotReason = reason
			close(done)
		})

		if err := rt.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		<-done
		if gotReason != "client disconnect" {
			t.Errorf("reason = %q", gotReason)
		}
		if rt.State() != StateDisconnected {
			t.Errorf("state = %s", rt.State())
		}
	})

	t.Run("dial failure returns error", func(t *testing.T) {
		rt := NewClient("tok", WithBaseURL("http://127.0.0.1:1")).Realtime(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rt.Connect(ctx, "user-1"); err == nil {
			t.Fatal("expected dial error")
		}
		if rt.State() != StateDisconnected {
			t.Errorf("state = %s", rt.State())
		}
	})
}

// ============================================================================
// Rooms and publishing
// ============================================================================

func TestRealtimePublish(t *testing.T) {
	t.Run("join chat is idempotent", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		defer rt.Disconnect()
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)

		if err := rt.JoinChat(context.Background(), "chat-1"); err != nil {
			t.Fatalf("JoinChat: %v", err)
		}
		env := gw.expect(t, EventJoinChat)
		var chatID string
		if json.Unmarshal(env.Payload, &chatID) != nil || chatID != "chat-1" {
			t.Errorf("join_chat payload = %s", env.Payload)
		}

		if err := rt.JoinChat(context.Background(), "chat-1"); err != nil {
			t.Fatalf("second JoinChat: %v", err)
		}
		gw.expectNothing(t)
	})

	t.Run("send message envelope", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		defer rt.Disconnect()
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)

		if err := rt.SendMessage(context.Background(), "chat-1", "user-1", "hello"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		env := gw.expect(t, EventSendMessage)
		var p SendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.ChatID != "chat-1" || p.SenderID != "user-1" || p.Content != "hello" {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("send while disconnected is a silent no-op", func(t *testing.T) {
		rt, _ := newRealtimeFixture(t, nil)
		if err := rt.SendMessage(context.Background(), "chat-1", "user-1", "lost"); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if rt.State() != StateDisconnected {
			t.Errorf("state = %s", rt.State())
		}
	})

	t.Run("all joined rooms replay after reconnect", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)
		rt.JoinChat(context.Background(), "chat-1")
		rt.JoinChat(context.Background(), "chat-2")
		gw.expect(t, EventJoinChat)
		gw.expect(t, EventJoinChat)

		if err := rt.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("reconnect: %v", err)
		}
		defer rt.Disconnect()
		gw.expect(t, EventJoin)

		// Room order is not defined; every room must come back.
		replayed := map[string]bool{}
		for i := 0; i < 2; i++ {
			env := gw.expect(t, EventJoinChat)
			var chatID string
			if json.Unmarshal(env.Payload, &chatID) != nil {
				t.Fatalf("bad payload: %s", env.Payload)
			}
			replayed[chatID] = true
		}
		if !replayed["chat-1"] || !replayed["chat-2"] {
			t.Errorf("replayed rooms: %v", replayed)
		}
	})

	t.Run("joined rooms replay after reconnect", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, nil)
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)
		rt.JoinChat(context.Background(), "chat-1")
		gw.expect(t, EventJoinChat)

		if err := rt.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("reconnect: %v", err)
		}
		defer rt.Disconnect()

		gw.expect(t, EventJoin)
		env := gw.expect(t, EventJoinChat)
		var chatID string
		if json.Unmarshal(env.Payload, &chatID) != nil || chatID != "chat-1" {
			t.Errorf("replayed room = %s", env.Payload)
		}
	})
}

// ============================================================================
// Dispatch
// ============================================================================

func TestRealtimeDispatch(t *testing.T) {
	connect := func(t *testing.T) (*Realtime, *gateway) {
		rt, gw := newRealtimeFixture(t, nil)
		t.Cleanup(func() { rt.Disconnect() })
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)
		return rt, gw
	}

	t.Run("receive_message", func(t *testing.T) {
		rt, gw := connect(t)
		got := make(chan Message, 1)
		rt.OnMessage(func(m Message) { got <- m })

		gw.push(t, EventReceiveMessage, testMsg("m1", "chat-1", 0))
		select {
		case m := <-got:
			if m.ID != "m1" || m.ChatID != "chat-1" {
				t.Errorf("got %+v", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("message never dispatched")
		}
	})

	t.Run("chat_updated", func(t *testing.T) {
		rt, gw := connect(t)
		got := make(chan ChatUpdatedPayload, 1)
		rt.OnChatUpdated(func(p ChatUpdatedPayload) { got <- p })

		gw.push(t, EventChatUpdated, ChatUpdatedPayload{ChatID: "chat-9"})
		select {
		case p := <-got:
			if p.ChatID != "chat-9" {
				t.Errorf("got %+v", p)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event never dispatched")
		}
	})

	t.Run("new_group_chat", func(t *testing.T) {
		rt, gw := connect(t)
		got := make(chan Conversation, 1)
		rt.OnNewGroupChat(func(c Conversation) { got <- c })

		gw.push(t, EventNewGroupChat, Conversation{ID: "group-7", IsGroup: true})
		select {
		case c := <-got:
			if c.ID != "group-7" || !c.IsGroup {
				t.Errorf("got %+v", c)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event never dispatched")
		}
	})

	t.Run("generic handler sees raw payload", func(t *testing.T) {
		rt, gw := connect(t)
		got := make(chan json.RawMessage, 1)
		rt.On("typing", func(event string, payload json.RawMessage) { got <- payload })

		gw.push(t, "typing", map[string]string{"chatId": "chat-1"})
		select {
		case raw := <-got:
			var p map[string]string
			if json.Unmarshal(raw, &p) != nil || p["chatId"] != "chat-1" {
				t.Errorf("got %s", raw)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event never dispatched")
		}
	})

	t.Run("handler may register another handler", func(t *testing.T) {
		rt, gw := connect(t)
		second := make(chan Message, 1)
		done := make(chan struct{})
		var once sync.Once
		rt.OnMessage(func(m Message) {
			// Registering from inside a dispatch must not deadlock.
			once.Do(func() {
				rt.OnMessage(func(m Message) { second <- m })
				close(done)
			})
		})

		gw.push(t, EventReceiveMessage, testMsg("m1", "chat-1", 0))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch deadlocked on handler registration")
		}

		gw.push(t, EventReceiveMessage, testMsg("m2", "chat-1", time.Minute))
		select {
		case m := <-second:
			if m.ID != "m2" {
				t.Errorf("got %+v", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("late-registered handler never called")
		}
	})

	t.Run("malformed frames are skipped", func(t *testing.T) {
		rt, gw := connect(t)
		got := make(chan Message, 1)
		rt.OnMessage(func(m Message) { got <- m })

		gw.mu.Lock()
		conn := gw.conns[len(gw.conns)-1]
		gw.mu.Unlock()
		if err := conn.Write(context.Background(), websocket.MessageText, []byte("not json")); err != nil {
			t.Fatalf("write: %v", err)
		}
		gw.push(t, EventReceiveMessage, testMsg("m1", "chat-1", 0))

		select {
		case m := <-got:
			if m.ID != "m1" {
				t.Errorf("got %+v", m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("read loop stalled on malformed frame")
		}
	})
}

// ============================================================================
// Reconnect policy
// ============================================================================

func TestReconnector(t *testing.T) {
	cfg := &RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	}

	t.Run("backoff grows and caps", func(t *testing.T) {
		r := newReconnector(cfg)
		prev := time.Duration(0)
		for i := 0; i < 3; i++ {
			d := r.nextDelay()
			if d < prev {
				t.Errorf("delay shrank: %v after %v", d, prev)
			}
			if d > cfg.ReconnectMaxDelay {
				t.Errorf("delay %v exceeds cap", d)
			}
			prev = d
		}
	})

	t.Run("attempt budget", func(t *testing.T) {
		r := newReconnector(cfg)
		for i := 0; i < 3; i++ {
			if !r.shouldReconnect() {
				t.Fatalf("attempt %d should be allowed", i)
			}
			r.nextDelay()
		}
		if r.shouldReconnect() {
			t.Error("budget exceeded")
		}
	})

	t.Run("unlimited attempts when zero", func(t *testing.T) {
		r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
		for i := 0; i < 50; i++ {
			r.nextDelay()
		}
		if !r.shouldReconnect() {
			t.Error("zero max should never exhaust")
		}
	})

	t.Run("stable connection resets the schedule", func(t *testing.T) {
		r := newReconnector(cfg)
		r.nextDelay()
		r.nextDelay()
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		d := r.nextDelay()
		if d > cfg.ReconnectBaseDelay+cfg.ReconnectBaseDelay/2 {
			t.Errorf("expected reset to base delay, got %v", d)
		}
	})

	t.Run("reconnects do not accumulate heartbeat loops", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, &RealtimeConfig{
			AutoReconnect:      true,
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			HeartbeatInterval:  time.Hour,
		})
		defer rt.Disconnect()
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)

		for i := 0; i < 5; i++ {
			gw.mu.Lock()
			conn := gw.conns[len(gw.conns)-1]
			gw.mu.Unlock()
			conn.Close(websocket.StatusGoingAway, "server restart")
			gw.expect(t, EventJoin)
		}

		waitFor(t, 2*time.Second, func() bool { return rt.State() == StateConnected })
		// Superseded connections must release their loops; with the ticker at
		// an hour only cancellation can end them.
		waitFor(t, 2*time.Second, func() bool { return heartbeatLoopCount() == 1 })
	})

	t.Run("auto reconnect re-establishes the session", func(t *testing.T) {
		rt, gw := newRealtimeFixture(t, &RealtimeConfig{
			AutoReconnect:      true,
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
		})
		defer rt.Disconnect()
		if err := rt.Connect(context.Background(), "user-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		gw.expect(t, EventJoin)
		rt.JoinChat(context.Background(), "chat-1")
		gw.expect(t, EventJoinChat)

		// Kill the server side; the client should come back on its own with
		// the handshake and room replay.
		gw.mu.Lock()
		conn := gw.conns[len(gw.conns)-1]
		gw.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server restart")

		gw.expect(t, EventJoin)
		gw.expect(t, EventJoinChat)
		waitFor(t, 2*time.Second, func() bool { return rt.State() == StateConnected })
	})
}
