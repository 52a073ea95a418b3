package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// handshakeTimeout bounds how long an accepted socket may take to prove
// topic possession before it is dropped.
const handshakeTimeout = 5 * time.Second

// TCP is a development stand-in for the overlay: plain TCP where the dialer
// proves topic possession by sending the raw 32 topic bytes before any
// protocol frame. It provides rendezvous semantics, not encryption.
type TCP struct {
	ListenAddr string
	DialAddr   string
	Logger     *zap.Logger
}

// Announce listens on ListenAddr and filters connections by topic.
func (t *TCP) Announce(ctx context.Context, topic Topic) (net.Listener, error) {
	var lc net.ListenConfig
	inner, err := lc.Listen(ctx, "tcp", t.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("announce topic: %w", err)
	}

	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &topicListener{inner: inner, topic: topic, logger: logger}, nil
}

// Dial connects to DialAddr and sends the topic bytes as proof of
// possession.
func (t *TCP) Dial(ctx context.Context, topic Topic) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.DialAddr)
	if err != nil {
		return nil, fmt.Errorf("dial host: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(topic[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send topic: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// topicListener yields only connections that presented the right topic.
type topicListener struct {
	inner  net.Listener
	topic  Topic
	logger *zap.Logger
}

func (l *topicListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			return nil, err
		}

		if err := l.verify(conn); err != nil {
			l.logger.Debug("rejecting peer without topic proof", zap.Error(err))
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func (l *topicListener) verify(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var presented [TopicSize]byte
	if _, err := io.ReadFull(conn, presented[:]); err != nil {
		return fmt.Errorf("read topic: %w", err)
	}
	if subtle.ConstantTimeCompare(presented[:], l.topic[:]) != 1 {
		return fmt.Errorf("topic mismatch")
	}
	return nil
}

func (l *topicListener) Close() error {
	return l.inner.Close()
}

func (l *topicListener) Addr() net.Addr {
	return l.inner.Addr()
}
