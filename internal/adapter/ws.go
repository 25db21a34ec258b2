package adapter

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"

	"github.com/you/streambridge/internal/logx"
)

// WSDialer dials websocket sessions. The zero value is not usable; use
// NewWSDialer.
type WSDialer struct {
	log         logx.Logger
	client      *http.Client
	openTimeout time.Duration
	readLimit   int64
}

// NewWSDialer builds a dialer. client may be nil.
func NewWSDialer(log logx.Logger, client *http.Client) *WSDialer {
	return &WSDialer{
		log:         log,
		client:      client,
		openTimeout: DefaultOpenTimeout,
		readLimit:   1 << 20,
	}
}

// Dial opens the session and starts the read pump. The open timeout applies
// unless ctx carries an earlier deadline.
func (d *WSDialer) Dial(ctx context.Context, url string, header http.Header, ev Events) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.openTimeout)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: d.client,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ws dial %s", url)
	}
	c.SetReadLimit(d.readLimit)

	wc := &wsConn{c: c, ev: ev}
	wc.open.Store(true)
	if ev.OnOpen != nil {
		ev.OnOpen()
	}
	go wc.readPump(context.WithoutCancel(ctx))
	return wc, nil
}

type wsConn struct {
	c    *websocket.Conn
	ev   Events
	open atomic.Bool
}

func (w *wsConn) readPump(ctx context.Context) {
	for {
		_, data, err := w.c.Read(ctx)
		if err != nil {
			wasOpen := w.open.Swap(false)
			if !wasOpen {
				return
			}
			status := websocket.CloseStatus(err)
			if status != -1 {
				if w.ev.OnClose != nil {
					w.ev.OnClose(int(status), err.Error())
				}
				return
			}
			if w.ev.OnError != nil {
				w.ev.OnError(err)
			}
			if w.ev.OnClose != nil {
				w.ev.OnClose(-1, err.Error())
			}
			return
		}
		if w.ev.OnMessage != nil {
			w.ev.OnMessage(data)
		}
	}
}

func (w *wsConn) Send(ctx context.Context, frame []byte) error {
	if !w.open.Load() {
		return errors.New("ws: send on closed connection")
	}
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Ping(ctx context.Context) error {
	if !w.open.Load() {
		return errors.New("ws: ping on closed connection")
	}
	if err := w.c.Ping(ctx); err != nil {
		return err
	}
	if w.ev.OnPong != nil {
		w.ev.OnPong()
	}
	return nil
}

func (w *wsConn) IsOpen() bool { return w.open.Load() }

func (w *wsConn) Close(reason string) error {
	if !w.open.Swap(false) {
		return nil
	}
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
