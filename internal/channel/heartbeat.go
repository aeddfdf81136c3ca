package channel

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-sync/internal/observability"
)

// heartbeat emits a periodic liveness probe while the channel is
// connected and tracks the most recent acknowledgment. A missed ack
// window flags the connection degraded; it never forces a reconnect —
// that stays with the channel's own retry policy.
type heartbeat struct {
	ch       *Channel
	interval time.Duration
	grace    time.Duration

	mu     sync.Mutex
	stopCh chan struct{}

	lastAckNano atomic.Int64
	rttNano     atomic.Int64
}

func newHeartbeat(ch *Channel, interval, grace time.Duration) *heartbeat {
	return &heartbeat{ch: ch, interval: interval, grace: grace}
}

// start begins probing. Called on every transition into connected.
func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh != nil {
		return
	}
	h.lastAckNano.Store(time.Now().UnixNano())
	stop := make(chan struct{})
	h.stopCh = stop
	go h.run(stop)
}

// stop clears the probe ticker. Called on every disconnect so timers
// never accumulate across reconnects.
func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh == nil {
		return
	}
	close(h.stopCh)
	h.stopCh = nil
}

func (h *heartbeat) run(stop chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sinceAck := time.Since(time.Unix(0, h.lastAckNano.Load()))
			if sinceAck > h.interval+h.grace {
				h.ch.recordError("heartbeat ack overdue")
			}
			probe := PingPayload{Timestamp: time.Now().UnixMilli()}
			if err := h.ch.Emit(EventPing, probe); err != nil {
				// keep probing; a transient write failure still counts
				// against the ack window, and a real disconnect stops
				// us via the reconnect loop
				h.ch.log.Debug("heartbeat probe failed", "error", err)
			}
		}
	}
}

func (h *heartbeat) onPong(raw json.RawMessage) {
	var p PongPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	now := time.Now()
	rtt := now.Sub(time.UnixMilli(p.Timestamp))
	if rtt >= 0 {
		h.rttNano.Store(int64(rtt))
		observability.HeartbeatRTT.Set(rtt.Seconds())
	}
	h.lastAckNano.Store(now.UnixNano())
}

func (h *heartbeat) latency() time.Duration {
	return time.Duration(h.rttNano.Load())
}
