package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

// wsServer is a scripted counterpart: it acks registrations, answers
// pings unless muted, and can drop connections to force reconnects.
type wsServer struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	mu        sync.Mutex
	conns     []*websocket.Conn
	registers atomic.Int32
	mutePongs atomic.Bool
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			switch env.Event {
			case EventRegister:
				s.registers.Add(1)
				s.send(conn, EventRegistered, map[string]string{"status": "ok"})
			case EventPing:
				if s.mutePongs.Load() {
					continue
				}
				var p PingPayload
				_ = json.Unmarshal(env.Data, &p)
				s.send(conn, EventPong, PongPayload{Timestamp: p.Timestamp})
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) send(conn *websocket.Conn, event string, payload any) {
	b, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteJSON(Envelope{Event: event, Data: b})
}

func (s *wsServer) broadcast(event string, payload any) {
	b, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteJSON(Envelope{Event: event, Data: b})
	}
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func newTestChannel(s *wsServer) *Channel {
	return New(Config{
		Endpoint:          s.wsURL(),
		InitialDelay:      20 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		DialTimeout:       time.Second,
		HeartbeatInterval: 25 * time.Millisecond,
		HeartbeatGrace:    10 * time.Millisecond,
		Logger:            logging.Component(nil, "channel"),
	})
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegistersOnEveryReconnect(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	NewRegistrar(models.Identity{SubjectID: "d1", SubjectType: models.RoleDriver, Name: "Asha"}, logging.Component(nil, "presence")).Attach(ch)
	ch.Open()
	defer ch.Close()

	waitFor(t, 2*time.Second, func() bool { return s.registers.Load() == 1 })
	waitFor(t, 2*time.Second, func() bool { return ch.State() == StateConnected })

	s.dropAll()
	waitFor(t, 2*time.Second, func() bool { return s.registers.Load() == 2 })
}

func TestEmitWhileDisconnected(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	// never opened: must refuse to send rather than buffer
	if err := ch.Emit(EventLocationUpdate, LocationUpdate{Latitude: 1}); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
	if err := ch.SendChat("R1", "hello"); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestHeartbeatRecordsLatency(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	ch.Open()
	defer ch.Close()

	waitFor(t, 2*time.Second, func() bool { return ch.State() == StateConnected })
	// at least one ping/pong round trip
	time.Sleep(80 * time.Millisecond)
	if ch.ConnError() != "" {
		t.Fatalf("healthy connection flagged: %q", ch.ConnError())
	}
}

func TestMissedAckFlagsDegraded(t *testing.T) {
	s := newWSServer(t)
	s.mutePongs.Store(true)
	ch := newTestChannel(s)
	ch.Open()
	defer ch.Close()

	waitFor(t, 2*time.Second, func() bool { return ch.State() == StateConnected })
	waitFor(t, 2*time.Second, func() bool { return ch.ConnError() != "" })
	// advisory only: the connection itself stays up
	if ch.State() != StateConnected {
		t.Fatalf("degraded flag must not drop the connection, state=%s", ch.State())
	}
}

func TestHeartbeatSurvivesWriteFailures(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	// never opened: every probe write fails, but the prober must keep
	// running so the overdue-ack check can still flag the connection
	ch.hb.start()
	defer ch.hb.stop()

	waitFor(t, 2*time.Second, func() bool { return ch.ConnError() != "" })
}

func TestStateReadsNotBlockedBySlowWrite(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	ch.Open()
	defer ch.Close()
	waitFor(t, 2*time.Second, func() bool { return ch.State() == StateConnected })

	// hold the write path's lock the way a stalled socket write would
	ch.writeMu.Lock()
	done := make(chan struct{})
	go func() {
		_ = ch.State()
		_ = ch.ConnError()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		ch.writeMu.Unlock()
		t.Fatal("state reads blocked behind an in-flight write")
	}
	ch.writeMu.Unlock()
}

func TestRideScopedHandlersTearDown(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	ch.Open()
	defer ch.Close()
	waitFor(t, 2*time.Second, func() bool { return ch.State() == StateConnected })

	var got atomic.Int32
	ch.OnChatMessage("R1", func(models.ChatMessage) { got.Add(1) })

	s.broadcast(EventChatMessage, models.ChatMessage{RideID: "R1", Body: "hi"})
	waitFor(t, 2*time.Second, func() bool { return got.Load() == 1 })

	// a message for another ride is ignored by the scoped listener
	s.broadcast(EventChatMessage, models.ChatMessage{RideID: "R2", Body: "hi"})
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("listener leaked across rides: %d", got.Load())
	}

	ch.TeardownRide("R1")
	s.broadcast(EventChatMessage, models.ChatMessage{RideID: "R1", Body: "late"})
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("handler survived teardown: %d", got.Load())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newWSServer(t)
	ch := newTestChannel(s)
	ch.Open()
	waitFor(t, 2*time.Second, func() bool { return ch.State() == StateConnected })
	ch.Close()
	ch.Close()
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", ch.State())
	}
}
