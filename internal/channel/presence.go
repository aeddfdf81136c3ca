package channel

import (
	"encoding/json"
	"log/slog"

	"github.com/example/ride-sync/internal/models"
)

// Registrar re-sends the local identity after every successful
// (re)connection. The server does not persist registration across
// socket instances, and registering twice with the same identity is a
// server-side no-op, so the client re-sends unconditionally.
type Registrar struct {
	identity models.Identity
	log      *slog.Logger
}

func NewRegistrar(identity models.Identity, log *slog.Logger) *Registrar {
	return &Registrar{identity: identity, log: log}
}

// Attach hooks the registrar into the channel's connect lifecycle.
func (r *Registrar) Attach(ch *Channel) {
	ch.OnConnect(func() {
		if err := ch.Emit(EventRegister, r.identity); err != nil {
			r.log.Warn("presence registration failed", "subject_id", r.identity.SubjectID, "error", err)
		}
	})
	ch.On(EventRegistered, func(json.RawMessage) {
		r.log.Debug("presence registration acknowledged", "subject_id", r.identity.SubjectID)
	})
}

// Identity returns the registered triple; immutable for the channel's
// lifetime.
func (r *Registrar) Identity() models.Identity { return r.identity }
