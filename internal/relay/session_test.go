package relay

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/protocol"
	"github.com/thedanheller/remote-brain/internal/provider"
	"github.com/thedanheller/remote-brain/internal/provider/mock"
)

const frameWait = 2 * time.Second

// testPeer plays the client side of a session over one half of a pipe.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	msgs chan protocol.Message
}

func newTestPeer(t *testing.T, conn net.Conn) *testPeer {
	t.Helper()
	p := &testPeer{t: t, conn: conn, msgs: make(chan protocol.Message, 64)}
	go p.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

func (p *testPeer) readLoop() {
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			frames, _ := dec.Write(buf[:n])
			for _, raw := range frames {
				msg, verr := protocol.Validate(raw)
				if verr != nil {
					continue
				}
				p.msgs <- msg
			}
		}
		if err != nil {
			close(p.msgs)
			return
		}
	}
}

func (p *testPeer) send(msg protocol.Message) {
	p.t.Helper()
	frame, err := protocol.Marshal(msg)
	require.NoError(p.t, err)
	_, err = p.conn.Write(frame)
	require.NoError(p.t, err)
}

func (p *testPeer) sendRaw(raw string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(raw))
	require.NoError(p.t, err)
}

func (p *testPeer) next() protocol.Message {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		require.True(p.t, ok, "peer stream closed")
		return msg
	case <-time.After(frameWait):
		p.t.Fatal("timed out waiting for frame")
		return protocol.Message{}
	}
}

func (p *testPeer) expectNone(d time.Duration) {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		if ok {
			p.t.Fatalf("unexpected frame %s", msg.Type)
		}
	case <-time.After(d):
	}
}

func newTestRelay(t *testing.T, prov provider.Provider) *Relay {
	t.Helper()
	return New(Config{
		HostName: "studio",
		Model:    "llama3",
		Provider: prov,
		Logger:   zap.NewNop(),
	})
}

func attachPeer(t *testing.T, r *Relay) *testPeer {
	t.Helper()
	hostSide, peerSide := net.Pipe()
	peer := newTestPeer(t, peerSide)
	r.Attach(hostSide)
	return peer
}

func requireServerInfo(t *testing.T, peer *testPeer, status protocol.Status) {
	t.Helper()
	msg := peer.next()
	require.Equal(t, protocol.TypeServerInfo, msg.Type)
	require.Equal(t, protocol.ServerInfoPayload{HostName: "studio", Model: "llama3", Status: status}, msg.Payload)
}

func TestSessionHappyPath(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"Hello", " there"}}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)

	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewChatStart("r1", "Hi"))

	msg := peer.next()
	require.Equal(t, protocol.TypeChatChunk, msg.Type)
	require.Equal(t, "r1", msg.RequestID)
	require.Equal(t, protocol.ChatChunkPayload{Text: "Hello"}, msg.Payload)

	msg = peer.next()
	require.Equal(t, protocol.ChatChunkPayload{Text: " there"}, msg.Payload)

	msg = peer.next()
	require.Equal(t, protocol.TypeChatEnd, msg.Type)
	require.Equal(t, "r1", msg.RequestID)
	require.Equal(t, protocol.ChatEndPayload{FinishReason: protocol.FinishStop}, msg.Payload)

	require.Eventually(t, func() bool { return !r.IsBusy() }, frameWait, 10*time.Millisecond)
}

func TestSessionBusyRejection(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"first"}, Stall: true}
	r := newTestRelay(t, prov)
	peer1 := attachPeer(t, r)
	requireServerInfo(t, peer1, protocol.StatusReady)

	peer1.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer1.next().Type)

	// a second peer attaching mid-generation sees busy in server_info
	peer2 := attachPeer(t, r)
	requireServerInfo(t, peer2, protocol.StatusBusy)

	peer2.send(protocol.NewChatStart("r2", "me too"))
	msg := peer2.next()
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, "r2", msg.RequestID)
	require.Equal(t, protocol.CodeModelBusy, msg.Payload.(protocol.ErrorPayload).Code)

	// r1 keeps streaming, unaffected
	peer1.send(protocol.NewAbort("r1"))
	msg = peer1.next()
	require.Equal(t, protocol.TypeChatEnd, msg.Type)
	require.Equal(t, protocol.ChatEndPayload{FinishReason: protocol.FinishAbort}, msg.Payload)
}

func TestSessionAbortMidStreamReleasesGate(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"one"}, Stall: true}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer.next().Type)

	peer.send(protocol.NewAbort("r1"))
	msg := peer.next()
	require.Equal(t, protocol.TypeChatEnd, msg.Type)
	require.Equal(t, "r1", msg.RequestID)
	require.Equal(t, protocol.ChatEndPayload{FinishReason: protocol.FinishAbort}, msg.Payload)
	require.Equal(t, []string{"r1"}, prov.AbortedIDs())

	require.Eventually(t, func() bool { return !r.IsBusy() }, frameWait, 10*time.Millisecond)

	// the gate is free for the next request
	peer.send(protocol.NewChatStart("r3", "again"))
	msg = peer.next()
	require.Equal(t, protocol.TypeChatChunk, msg.Type)
	require.Equal(t, "r3", msg.RequestID)
}

func TestSessionStaleAbortIgnored(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"done"}}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewAbort("never-ran"))
	peer.expectNone(100 * time.Millisecond)

	// the session still works afterwards
	peer.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer.next().Type)
	require.Equal(t, protocol.TypeChatEnd, peer.next().Type)
}

func TestSessionOversizePromptNeverTouchesGate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	prov := &mock.Provider{GenerateFn: func(ctx context.Context, req provider.GenerateRequest, sink provider.Sink) error {
		calls.Add(1)
		sink.OnEnd()
		return nil
	}}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewChatStart("r1", strings.Repeat("a", protocol.MaxPromptBytes+1)))

	msg := peer.next()
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, "r1", msg.RequestID)
	require.Equal(t, protocol.CodeBadMessage, msg.Payload.(protocol.ErrorPayload).Code)
	require.False(t, r.IsBusy())
	require.Zero(t, calls.Load())
}

func TestSessionProviderErrorReleasesGate(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{
		Chunks:       []string{"partial"},
		ErrorCode:    protocol.CodeTimeoutNoResponse,
		ErrorMessage: "no data from ollama for 30s",
	}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer.next().Type)

	msg := peer.next()
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, "r1", msg.RequestID)
	require.Equal(t, protocol.CodeTimeoutNoResponse, msg.Payload.(protocol.ErrorPayload).Code)

	require.Eventually(t, func() bool { return !r.IsBusy() }, frameWait, 10*time.Millisecond)
}

func TestSessionDisconnectMidGenerationCleansUp(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"one"}, Stall: true}
	r := newTestRelay(t, prov)

	hostSide, peerSide := net.Pipe()
	peer := newTestPeer(t, peerSide)
	r.Attach(hostSide)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer.next().Type)

	require.NoError(t, peerSide.Close())

	require.Eventually(t, func() bool { return !r.IsBusy() }, frameWait, 10*time.Millisecond)
	require.Eventually(t, func() bool { return r.SessionCount() == 0 }, frameWait, 10*time.Millisecond)
	require.Contains(t, prov.AbortedIDs(), "r1")
}

func TestSessionBadMessageKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"ok"}}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.sendRaw(`{"type":"handshake","request_id":"r9"}` + "\n")
	msg := peer.next()
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, "r9", msg.RequestID)
	require.Equal(t, protocol.CodeBadMessage, msg.Payload.(protocol.ErrorPayload).Code)

	peer.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer.next().Type)
	require.Equal(t, protocol.TypeChatEnd, peer.next().Type)
}

func TestSessionDuplicateRequestIDWhileBusy(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: []string{"one"}, Stall: true}
	r := newTestRelay(t, prov)
	peer := attachPeer(t, r)
	requireServerInfo(t, peer, protocol.StatusReady)

	peer.send(protocol.NewChatStart("r1", "go"))
	require.Equal(t, protocol.TypeChatChunk, peer.next().Type)

	// duplicates are not specially detected; the gate is simply busy
	peer.send(protocol.NewChatStart("r1", "again"))
	msg := peer.next()
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, protocol.CodeModelBusy, msg.Payload.(protocol.ErrorPayload).Code)
}
