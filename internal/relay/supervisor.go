package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thedanheller/remote-brain/internal/observability"
	"github.com/thedanheller/remote-brain/internal/protocol"
)

// refuseWriteTimeout bounds the courtesy error frame written to a peer
// refused at the cap.
const refuseWriteTimeout = 5 * time.Second

// Supervisor accepts peer sockets for a relay, enforcing the peer cap, and
// owns orderly shutdown.
type Supervisor struct {
	relay    *Relay
	maxPeers int
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	listener net.Listener

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewSupervisor wires a supervisor around a relay.
func NewSupervisor(r *Relay, maxPeers int, logger *zap.Logger, metrics *observability.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		relay:    r,
		maxPeers: maxPeers,
		logger:   logger,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Serve accepts peers from the listener until shutdown or a fatal accept
// error. Sockets beyond the cap receive one CONNECT_FAILED frame and are
// closed without attaching.
func (sv *Supervisor) Serve(l net.Listener) error {
	sv.mu.Lock()
	sv.listener = l
	sv.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-sv.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if sv.relay.SessionCount() >= sv.maxPeers {
			sv.refuse(conn)
			continue
		}
		sv.relay.Attach(conn)
	}
}

// refuse turns away a peer at the cap: one error frame, then close. The
// socket never reaches the relay and never counts against the cap.
func (sv *Supervisor) refuse(conn net.Conn) {
	sv.logger.Info("refusing peer, cap reached", zap.String("peer", conn.RemoteAddr().String()), zap.Int("cap", sv.maxPeers))
	sv.metrics.RecordTransportError("peer_cap")

	frame, err := protocol.Marshal(protocol.NewError(protocol.CodeConnectFailed, "Max clients reached", ""))
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(refuseWriteTimeout))
		_, _ = conn.Write(frame)
	}
	_ = conn.Close()
}

// Shutdown aborts the active generation, tears down every session, and
// releases the topic by closing the listener. Idempotent and safe while
// another shutdown is in progress: later callers wait for the first.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.shutdownOnce.Do(func() {
		go func() {
			defer close(sv.done)

			sv.relay.AbortActive()

			sv.mu.Lock()
			l := sv.listener
			sv.mu.Unlock()
			if l != nil {
				_ = l.Close()
			}

			sessions := sv.relay.Sessions()

			g := new(errgroup.Group)
			for _, s := range sessions {
				s := s
				g.Go(func() error {
					s.Close()
					<-s.Done()
					return nil
				})
			}
			_ = g.Wait()

			sv.relay.ForceReleaseGate()
			sv.logger.Info("supervisor shut down")
		}()
	})

	select {
	case <-sv.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
