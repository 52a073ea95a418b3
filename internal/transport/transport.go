package transport

import (
	"context"
	"net"
)

// Transport provisions peer sockets for a topic. Announce joins the topic
// as host and yields a listener whose Close releases the topic; Dial joins
// as client and returns an established peer socket. Both sides speak the
// newline-framed protocol over the returned connections; session
// encryption is the transport's concern.
type Transport interface {
	Announce(ctx context.Context, topic Topic) (net.Listener, error)
	Dial(ctx context.Context, topic Topic) (net.Conn, error)
}
