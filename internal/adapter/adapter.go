// Package adapter defines the transport surface connectors speak through
// and the websocket implementation of it. Connectors never import a
// websocket library directly; tests substitute an in-memory Conn.
package adapter

import (
	"context"
	"net/http"
	"time"
)

// DefaultOpenTimeout bounds Dial when the caller's context carries no
// earlier deadline.
const DefaultOpenTimeout = 15 * time.Second

// Events binds the transport callbacks for one session. Callbacks run on
// the transport's read goroutine; handlers must not block.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
	OnPong    func()
}

// Conn is one open transport session.
type Conn interface {
	// Send writes a single text frame.
	Send(ctx context.Context, frame []byte) error
	// Ping round-trips a keep-alive; OnPong fires on success.
	Ping(ctx context.Context) error
	IsOpen() bool
	Close(reason string) error
}

// Dialer opens transport sessions.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header, ev Events) (Conn, error)
}
