package channel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/observability"
)

// ErrNotConnected is returned by Emit when the socket is not up.
// Callers must not assume delivery; the update will arrive through the
// poller instead.
var ErrNotConnected = errors.New("channel: not connected")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const writeWait = 10 * time.Second

// Handler receives the raw payload of one named event.
type Handler func(data json.RawMessage)

// Config holds the channel's endpoint and retry policy. The retry
// count is unbounded; only the delay between attempts is tuned.
type Config struct {
	Endpoint          string
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	Logger            *slog.Logger
}

type scopedRef struct {
	event string
	id    int
}

// Channel is the persistent bidirectional event connection. It owns
// the connect/reconnect lifecycle, the heartbeat, and raw event
// dispatch. One channel per running app instance.
type Channel struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	connErr string
	closed  bool
	closeCh chan struct{}

	// writeMu serializes socket writes so a slow write never holds up
	// state reads or the reconnect loop
	writeMu sync.Mutex

	handlerMu    sync.Mutex
	nextID       int
	handlers     map[string]map[int]Handler
	rideScoped   map[string][]scopedRef
	connectHooks []func()

	hb *heartbeat
	wg sync.WaitGroup
}

func New(cfg Config) *Channel {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component(nil, "channel")
	}
	c := &Channel{
		cfg:        cfg,
		log:        cfg.Logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		state:      StateDisconnected,
		closeCh:    make(chan struct{}),
		handlers:   make(map[string]map[int]Handler),
		rideScoped: make(map[string][]scopedRef),
	}
	c.hb = newHeartbeat(c, cfg.HeartbeatInterval, cfg.HeartbeatGrace)
	c.On(EventPong, c.hb.onPong)
	return c
}

// Open starts the connect/reconnect loop in the background. The retry
// loop runs until Close; individual failures never stop it.
func (c *Channel) Open() {
	c.wg.Add(1)
	go c.run()
}

// Close tears down the socket and every timer the channel owns. Safe
// to call once; the channel cannot be reopened afterwards — build a
// new one instead.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.hb.stop()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
}

func (c *Channel) run() {
	defer c.wg.Done()
	delay := c.cfg.InitialDelay
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, _, err := c.dialer.Dial(c.cfg.Endpoint, nil)
		if err != nil {
			c.recordError("connect failed: " + err.Error())
			observability.ReconnectsTotal.Inc()
			select {
			case <-c.closeCh:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.MaxDelay {
				delay = c.cfg.MaxDelay
			}
			continue
		}
		delay = c.cfg.InitialDelay

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.connErr = ""
		c.mu.Unlock()
		c.log.Info("channel connected", "endpoint", c.cfg.Endpoint)

		c.hb.start()
		// Registration and other connect hooks fire on every
		// transition into connected; the server does not persist
		// presence across socket instances.
		c.fireConnectHooks()

		c.readLoop(conn)

		c.hb.stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closeCh:
			default:
				c.recordError("connection lost: " + err.Error())
			}
			_ = conn.Close()
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env Envelope) {
	c.handlerMu.Lock()
	regs := c.handlers[env.Event]
	hs := make([]Handler, 0, len(regs))
	for _, h := range regs {
		hs = append(hs, h)
	}
	c.handlerMu.Unlock()
	for _, h := range hs {
		h(env.Data)
	}
}

// Emit sends a named event if and only if the channel is connected;
// otherwise it returns ErrNotConnected and nothing goes out.
func (c *Channel) Emit(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Event: event, Data: b}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		c.log.Debug("emit skipped while disconnected", "event", event)
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		c.recordError("send failed: " + err.Error())
		return err
	}
	return nil
}

// SendLocation emits the outbound position report. Samples produced
// while disconnected are dropped rather than queued; a stale position
// is worse than none.
func (c *Channel) SendLocation(loc LocationUpdate) error {
	if err := c.Emit(EventLocationUpdate, loc); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	return nil
}

// On registers a handler for a named event and returns its
// registration id.
func (c *Channel) On(event string, h Handler) int {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h
	return id
}

// Off removes a handler registration.
func (c *Channel) Off(event string, id int) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	delete(c.handlers[event], id)
}

// OnConnect registers a hook fired on every transition into connected,
// including reconnections.
func (c *Channel) OnConnect(fn func()) {
	c.handlerMu.Lock()
	c.connectHooks = append(c.connectHooks, fn)
	c.handlerMu.Unlock()
}

func (c *Channel) fireConnectHooks() {
	c.handlerMu.Lock()
	hooks := make([]func(), len(c.connectHooks))
	copy(hooks, c.connectHooks)
	c.handlerMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// OnRide registers a ride-scoped handler. All handlers for a ride are
// removed together by TeardownRide, so screens cannot leak listeners
// across rides.
func (c *Channel) OnRide(rideID, event string, h Handler) {
	id := c.On(event, h)
	c.handlerMu.Lock()
	c.rideScoped[rideID] = append(c.rideScoped[rideID], scopedRef{event: event, id: id})
	c.handlerMu.Unlock()
}

// TeardownRide removes every handler registered through OnRide for the
// ride. Called on terminal status and on screen unmount.
func (c *Channel) TeardownRide(rideID string) {
	c.handlerMu.Lock()
	refs := c.rideScoped[rideID]
	delete(c.rideScoped, rideID)
	for _, ref := range refs {
		delete(c.handlers[ref.event], ref.id)
	}
	c.handlerMu.Unlock()
}

// JoinRideRoom subscribes to the ride's server-side room for chat and
// ride-specific events.
func (c *Channel) JoinRideRoom(rideID string) error {
	return c.Emit(EventJoinRideRoom, RoomPayload{RideID: rideID})
}

// LeaveRideRoom leaves the room and tears down the ride's handlers.
func (c *Channel) LeaveRideRoom(rideID string) error {
	err := c.Emit(EventLeaveRideRoom, RoomPayload{RideID: rideID})
	c.TeardownRide(rideID)
	return err
}

// SendChat emits a chat message into the ride room.
func (c *Channel) SendChat(rideID, body string) error {
	return c.Emit(EventChatSend, ChatSendPayload{RideID: rideID, Body: body})
}

// FetchChat asks the server to replay chat history for the ride.
func (c *Channel) FetchChat(rideID string, since int64) error {
	return c.Emit(EventChatFetch, ChatFetchPayload{RideID: rideID, Since: since})
}

// OnChatMessage registers a ride-scoped chat listener.
func (c *Channel) OnChatMessage(rideID string, fn func(models.ChatMessage)) {
	c.OnRide(rideID, EventChatMessage, func(raw json.RawMessage) {
		var msg models.ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("bad chat payload", "error", err)
			return
		}
		if msg.RideID != rideID {
			return
		}
		fn(msg)
	})
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnError returns the visible connection-error string, empty while
// healthy. Transport failures surface here instead of propagating to
// callers.
func (c *Channel) ConnError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

// Latency returns the last measured heartbeat round trip.
func (c *Channel) Latency() time.Duration {
	return c.hb.latency()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) recordError(msg string) {
	c.mu.Lock()
	c.connErr = msg
	c.mu.Unlock()
	c.log.Warn("channel error", "error", msg)
}
