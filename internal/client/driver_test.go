package client

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thedanheller/remote-brain/internal/protocol"
)

const eventWait = 2 * time.Second

// testHost plays the host side of a session over one half of a pipe.
type testHost struct {
	t    *testing.T
	conn net.Conn
	msgs chan protocol.Message
}

func newTestHost(t *testing.T, conn net.Conn) *testHost {
	t.Helper()
	h := &testHost{t: t, conn: conn, msgs: make(chan protocol.Message, 64)}
	go h.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return h
}

func (h *testHost) readLoop() {
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			frames, _ := dec.Write(buf[:n])
			for _, raw := range frames {
				msg, verr := protocol.Validate(raw)
				if verr != nil {
					continue
				}
				h.msgs <- msg
			}
		}
		if err != nil {
			close(h.msgs)
			return
		}
	}
}

func (h *testHost) send(msg protocol.Message) {
	h.t.Helper()
	frame, err := protocol.Marshal(msg)
	require.NoError(h.t, err)
	_, err = h.conn.Write(frame)
	require.NoError(h.t, err)
}

func (h *testHost) next() protocol.Message {
	h.t.Helper()
	select {
	case msg, ok := <-h.msgs:
		require.True(h.t, ok, "host stream closed")
		return msg
	case <-time.After(eventWait):
		h.t.Fatal("timed out waiting for frame from driver")
		return protocol.Message{}
	}
}

func newTestDriver(t *testing.T) (*Driver, *testHost) {
	t.Helper()
	clientSide, hostSide := net.Pipe()
	host := newTestHost(t, hostSide)
	drv := New(clientSide, zap.NewNop())
	t.Cleanup(drv.Close)
	return drv, host
}

func nextEvent(t *testing.T, drv *Driver) Event {
	t.Helper()
	select {
	case ev, ok := <-drv.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, drv *Driver, d time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-drv.Events():
		if ok {
			t.Fatalf("unexpected event kind %d", ev.Kind)
		}
	case <-time.After(d):
	}
}

func TestDriverSurfacesHostInfo(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)
	host.send(protocol.NewServerInfo("studio", "llama3", protocol.StatusReady))

	ev := nextEvent(t, drv)
	require.Equal(t, EventHostInfo, ev.Kind)
	require.Equal(t, protocol.ServerInfoPayload{HostName: "studio", Model: "llama3", Status: protocol.StatusReady}, ev.Host)
}

func TestDriverRejectsLocally(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)

	_, err := drv.SendChatStart("   ")
	require.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = drv.SendChatStart(strings.Repeat("a", protocol.MaxPromptBytes+1))
	require.ErrorIs(t, err, ErrPromptTooLarge)

	id, err := drv.SendChatStart("hello")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, protocol.TypeChatStart, host.next().Type)

	_, err = drv.SendChatStart("another")
	require.ErrorIs(t, err, ErrRequestActive)
}

func TestDriverStreamsChunksToTerminal(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)

	requestID, err := drv.SendChatStart("Hi")
	require.NoError(t, err)

	msg := host.next()
	require.Equal(t, protocol.TypeChatStart, msg.Type)
	require.Equal(t, requestID, msg.RequestID)
	require.Equal(t, protocol.ChatStartPayload{Prompt: "Hi"}, msg.Payload)

	host.send(protocol.NewChatChunk(requestID, "Hello"))
	host.send(protocol.NewChatChunk(requestID, " there"))
	host.send(protocol.NewChatEnd(requestID, protocol.FinishStop))

	ev := nextEvent(t, drv)
	require.Equal(t, EventChunk, ev.Kind)
	require.Equal(t, "Hello", ev.Text)

	ev = nextEvent(t, drv)
	require.Equal(t, " there", ev.Text)

	ev = nextEvent(t, drv)
	require.Equal(t, EventTerminal, ev.Kind)
	require.Equal(t, protocol.FinishStop, ev.FinishReason)

	_, active := drv.Active()
	require.False(t, active)
}

func TestDriverSurfacesErrorTerminal(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)

	requestID, err := drv.SendChatStart("Hi")
	require.NoError(t, err)
	host.next()

	host.send(protocol.NewError(protocol.CodeModelBusy, "another generation is in progress", requestID))

	ev := nextEvent(t, drv)
	require.Equal(t, EventTerminal, ev.Kind)
	require.Equal(t, protocol.CodeModelBusy, ev.Code)

	_, active := drv.Active()
	require.False(t, active)
}

func TestDriverTimeoutSurfacesSyntheticTerminal(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)
	drv.chunkTimeout = 100 * time.Millisecond

	requestID, err := drv.SendChatStart("Hi")
	require.NoError(t, err)
	host.next()

	ev := nextEvent(t, drv)
	require.Equal(t, EventTerminal, ev.Kind)
	require.Equal(t, requestID, ev.RequestID)
	require.Equal(t, protocol.CodeTimeoutNoResponse, ev.Code)

	// the transport is not severed; a new request goes out fine
	_, err = drv.SendChatStart("again")
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChatStart, host.next().Type)
}

func TestDriverTimerResetsOnChunks(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)
	drv.chunkTimeout = 500 * time.Millisecond

	requestID, err := drv.SendChatStart("Hi")
	require.NoError(t, err)
	host.next()

	// individual gaps stay under the timeout even though the total exceeds it
	for i := 0; i < 3; i++ {
		time.Sleep(200 * time.Millisecond)
		host.send(protocol.NewChatChunk(requestID, "x"))
		require.Equal(t, EventChunk, nextEvent(t, drv).Kind)
	}
	host.send(protocol.NewChatEnd(requestID, protocol.FinishStop))

	ev := nextEvent(t, drv)
	require.Equal(t, EventTerminal, ev.Kind)
	require.Equal(t, protocol.FinishStop, ev.FinishReason)
}

func TestDriverAbortClearsLocallyAndLaterTerminalIsBenign(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)

	requestID, err := drv.SendChatStart("Hi")
	require.NoError(t, err)
	host.next()

	require.NoError(t, drv.SendAbort())

	msg := host.next()
	require.Equal(t, protocol.TypeAbort, msg.Type)
	require.Equal(t, requestID, msg.RequestID)

	_, active := drv.Active()
	require.False(t, active)

	// the host's abort confirmation arrives after we already moved on
	host.send(protocol.NewChatEnd(requestID, protocol.FinishAbort))
	expectNoEvent(t, drv, 200*time.Millisecond)

	_, err = drv.SendChatStart("next")
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChatStart, host.next().Type)
}

func TestDriverHostDisconnect(t *testing.T) {
	t.Parallel()

	drv, host := newTestDriver(t)
	require.NoError(t, host.conn.Close())

	ev := nextEvent(t, drv)
	require.Equal(t, EventClosed, ev.Kind)
	require.Equal(t, protocol.CodeHostDisconnected, ev.Code)

	_, ok := <-drv.Events()
	require.False(t, ok)
}

func TestDriverAbortWithoutActiveIsNoOp(t *testing.T) {
	t.Parallel()

	drv, _ := newTestDriver(t)
	require.NoError(t, drv.SendAbort())
}
