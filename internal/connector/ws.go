package connector

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/streambridge/internal/adapter"
	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

const (
	defaultKeepAlive = 30 * time.Second
	// maxMissedPongs closes the session as a transport error.
	maxMissedPongs = 2
)

// rawFrame is one parsed inbound event.
type rawFrame struct {
	kind    string
	payload map[string]any
}

// frameAction is the outcome of decoding one inbound frame.
type frameAction struct {
	raws []rawFrame
	// pong marks an application-level keep-alive reply.
	pong bool
	// authFailed carries the upstream rejection reason; non-empty is fatal.
	authFailed string
	// err is a parse failure; the session keeps reading.
	err error
}

type sendFunc func(frame []byte) error

// wsHooks customize the shared websocket session per platform.
type wsHooks struct {
	// endpoint resolves the url and headers for this attempt.
	endpoint func(ctx context.Context) (string, http.Header, error)
	// handshake runs after open; frames it sends authenticate/subscribe.
	// nil means the session is Ready at open.
	handshake func(ctx context.Context, send sendFunc) error
	// frame decodes one inbound frame.
	frame func(data []byte) frameAction
	// pingFrame returns an application-level ping; nil uses protocol pings.
	pingFrame func() []byte
}

// wsConnector runs one websocket session per Connect call.
type wsConnector struct {
	base
	dialer    adapter.Dialer
	hooks     wsHooks
	keepAlive time.Duration

	sessMu sync.Mutex
	sess   *wsSession
}

type wsSession struct {
	conn       adapter.Conn
	cancel     context.CancelFunc
	done       chan struct{}
	doneOnce   sync.Once
	result     atomic.Pointer[sessionEnd]
	missedPong atomic.Int32
}

type sessionEnd struct{ err error }

func (s *wsSession) finish(err error) {
	s.doneOnce.Do(func() {
		s.result.Store(&sessionEnd{err: err})
		close(s.done)
	})
}

func newWSConnector(name string, platform core.Platform, log logx.Logger, clk clock.Clock,
	dialer adapter.Dialer, sink RawSink, signal Signal, hooks wsHooks) *wsConnector {
	return &wsConnector{
		base:      newBase(name, platform, log, clk, sink, signal),
		dialer:    dialer,
		hooks:     hooks,
		keepAlive: defaultKeepAlive,
	}
}

// Connect runs one session until it ends. The returned error is classified
// for the backoff controller; nil means a local Disconnect.
func (c *wsConnector) Connect() error {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &wsSession{cancel: cancel, done: make(chan struct{})}

	c.sessMu.Lock()
	if c.sess != nil {
		c.sessMu.Unlock()
		cancel()
		return cerr.Operational("connect while session active", nil)
	}
	c.sess = sess
	c.sessMu.Unlock()

	defer func() {
		cancel()
		c.sessMu.Lock()
		c.sess = nil
		c.sessMu.Unlock()
	}()

	c.setState(core.StateConnecting, "connect")
	url, header, err := c.hooks.endpoint(ctx)
	if err != nil {
		c.setState(core.StateClosed, "endpoint")
		return cerr.Transient("resolve endpoint", err)
	}

	conn, err := c.dialer.Dial(ctx, url, header, adapter.Events{
		OnMessage: func(data []byte) { c.onFrame(sess, data) },
		OnClose: func(code int, reason string) {
			sess.finish(classifyClose(code, reason))
		},
		OnError: func(err error) {
			if cerr.IsTransientNetwork(err) {
				c.log.Warn("connector: transient transport error",
					logx.String("conn", c.name), logx.Err(err))
				return
			}
			sess.finish(cerr.Transient("transport", err))
		},
		OnPong: func() { sess.missedPong.Store(0) },
	})
	if err != nil {
		c.setState(core.StateClosed, "dial failed")
		return cerr.Transient("dial", err)
	}
	sess.conn = conn
	c.setState(core.StateOpen, "transport open")

	if c.hooks.handshake != nil {
		send := func(frame []byte) error { return conn.Send(ctx, frame) }
		if err := c.hooks.handshake(ctx, send); err != nil {
			conn.Close("handshake failed")
			c.setState(core.StateClosing, "handshake")
			c.setState(core.StateClosed, "handshake")
			return cerr.Transient("handshake", err)
		}
	}
	c.setState(core.StateReady, "session ready")

	c.runKeepAlive(ctx, sess)

	<-sess.done
	conn.Close("session over")
	end := sess.result.Load()

	c.setState(core.StateClosing, "session over")
	c.setState(core.StateClosed, "session over")
	if end == nil {
		return nil
	}
	if cerr.IsAuthFailure(end.err) && c.signal != nil {
		c.signal(TopicAuthFailed, c.name, end.err)
	}
	return end.err
}

// runKeepAlive pings every interval while the session lives; two missed
// pongs in a row end the session with a transport error.
func (c *wsConnector) runKeepAlive(ctx context.Context, sess *wsSession) {
	if c.keepAlive <= 0 {
		return
	}
	ticker := c.clk.NewTicker(c.keepAlive)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-sess.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
			if sess.missedPong.Load() >= maxMissedPongs {
				sess.finish(cerr.Transient("keep-alive: pong timeout", nil))
				return
			}
			sess.missedPong.Add(1)
			if err := c.ping(ctx, sess); err != nil {
				c.log.Warn("connector: ping failed",
					logx.String("conn", c.name), logx.Err(err))
			}
		}
	}()
}

func (c *wsConnector) ping(ctx context.Context, sess *wsSession) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if c.hooks.pingFrame != nil {
		return sess.conn.Send(pingCtx, c.hooks.pingFrame())
	}
	return sess.conn.Ping(pingCtx)
}

func (c *wsConnector) onFrame(sess *wsSession, data []byte) {
	action := c.hooks.frame(data)
	if action.pong {
		sess.missedPong.Store(0)
	}
	if action.err != nil {
		c.log.Warn("connector: frame parse error",
			logx.String("conn", c.name), logx.Err(action.err))
		c.emitRaw("error", map[string]any{"error": action.err.Error()})
	}
	if action.authFailed != "" {
		sess.finish(cerr.AuthFailed("upstream rejected auth: "+action.authFailed, nil))
		return
	}
	for _, raw := range action.raws {
		c.emitRaw(raw.kind, raw.payload)
	}
}

// Disconnect ends the current session, if any. The Connect call returns nil.
func (c *wsConnector) Disconnect(reason string) {
	c.sessMu.Lock()
	sess := c.sess
	c.sessMu.Unlock()
	if sess == nil {
		return
	}
	c.log.Info("connector: disconnect",
		logx.String("conn", c.name), logx.String("reason", reason))
	sess.finish(nil)
	sess.cancel()
}

// classifyClose maps a close code to the retry policy. Normal closure is
// still retried; only auth rejections are fatal and those arrive as frames.
func classifyClose(code int, reason string) error {
	switch code {
	case 1000:
		return cerr.Transient("closed: "+reason, nil)
	case 4001, 4003:
		return cerr.AuthFailed("closed: "+reason, nil)
	default:
		return cerr.Transient("closed: "+reason, nil)
	}
}
