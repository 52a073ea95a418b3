package relay

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/observability"
	"github.com/thedanheller/remote-brain/internal/protocol"
	"github.com/thedanheller/remote-brain/internal/provider"
)

// Status is the snapshot delivered to the relay's observer on every gate
// acquisition, release, or provider-unreachable escalation.
type Status struct {
	Busy                bool
	ActiveRequestID     string
	Peers               int
	ProviderUnreachable bool
	Detail              string
}

// Observer receives status snapshots. Delivery is best-effort and
// coalesceable; observers must not block.
type Observer func(Status)

// Config wires a Relay.
type Config struct {
	HostName string
	Model    string
	Provider provider.Provider
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Observer Observer
}

// Relay owns the gate and the set of attached peer sessions. It does not
// own the transport; a supervisor forwards connection events.
type Relay struct {
	hostName string
	model    string
	provider provider.Provider
	gate     *Gate
	logger   *zap.Logger
	metrics  *observability.Metrics
	observer Observer

	mu       sync.Mutex
	sessions map[net.Conn]*Session
}

// New constructs a relay around a provider.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		hostName: cfg.HostName,
		model:    cfg.Model,
		provider: cfg.Provider,
		gate:     &Gate{},
		logger:   logger,
		metrics:  cfg.Metrics,
		observer: cfg.Observer,
		sessions: make(map[net.Conn]*Session),
	}
}

// Attach creates a peer session around a socket and starts driving it.
func (r *Relay) Attach(conn net.Conn) *Session {
	s := newSession(conn, r)

	r.mu.Lock()
	r.sessions[conn] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActivePeers(count)
	r.logger.Info("peer attached", zap.String("peer", conn.RemoteAddr().String()), zap.Int("peers", count))

	go s.run()
	return s
}

// Detach forwards a transport-level disconnect to the matching session.
func (r *Relay) Detach(conn net.Conn) {
	r.mu.Lock()
	s := r.sessions[conn]
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// detach removes a closed session from the registry (called by the session
// itself; the back-reference is non-owning).
func (r *Relay) detach(s *Session) {
	r.mu.Lock()
	if r.sessions[s.conn] == s {
		delete(r.sessions, s.conn)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActivePeers(count)
	r.logger.Info("peer detached", zap.String("peer", s.conn.RemoteAddr().String()), zap.Int("peers", count))
	r.notifyStatus()
}

// SessionCount reports how many peers are attached.
func (r *Relay) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IsBusy reports whether the gate is held.
func (r *Relay) IsBusy() bool {
	_, busy := r.gate.Active()
	return busy
}

// ActiveRequestID returns the gate holder, if any.
func (r *Relay) ActiveRequestID() (string, bool) {
	return r.gate.Active()
}

// AbortActive aborts whoever holds the gate. Administrative use.
func (r *Relay) AbortActive() {
	id, ok := r.gate.Active()
	if !ok {
		return
	}

	r.mu.Lock()
	var owner *Session
	for _, s := range r.sessions {
		if active, held := s.ActiveRequestID(); held && active == id {
			owner = s
			break
		}
	}
	r.mu.Unlock()

	if owner != nil {
		owner.handleAbort(id)
		return
	}

	// no session owns it (disorderly teardown); clean up directly
	_ = r.provider.Abort(id)
	r.gate.Release(id)
	r.notifyStatus()
}

// Sessions snapshots the attached sessions.
func (r *Relay) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// ForceReleaseGate empties the gate. Supervised shutdown only.
func (r *Relay) ForceReleaseGate() {
	r.gate.ForceRelease()
}

func (r *Relay) statusNow() protocol.Status {
	if r.IsBusy() {
		return protocol.StatusBusy
	}
	return protocol.StatusReady
}

func (r *Relay) notifyStatus() {
	id, busy := r.gate.Active()
	r.metrics.SetGateBusy(busy)
	if r.observer == nil {
		return
	}
	r.observer(Status{
		Busy:            busy,
		ActiveRequestID: id,
		Peers:           r.SessionCount(),
	})
}

// escalateUnreachable surfaces a provider-unreachable condition to the
// observer. Later chat_start attempts are not blocked here; they fail in
// the provider layer for as long as the engine stays unreachable.
func (r *Relay) escalateUnreachable(detail string) {
	r.logger.Error("inference provider unreachable", zap.String("detail", detail))
	if r.observer == nil {
		return
	}
	id, busy := r.gate.Active()
	r.observer(Status{
		Busy:                busy,
		ActiveRequestID:     id,
		Peers:               r.SessionCount(),
		ProviderUnreachable: true,
		Detail:              detail,
	})
}
