package connector

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/you/streambridge/internal/adapter"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// SEOptions configure the auxiliary follow-notification feed.
type SEOptions struct {
	URL string
	// ChannelID builds the subscribe topic channel.follow.<id>.
	ChannelID string
	Tokens    *TokenSource
}

// NewSE builds the follow-feed connector. The wire protocol is JSON frames:
// auth, subscribe, ping/pong outbound; event and auth results inbound. A
// rejected auth closes the connection without retry.
func NewSE(log logx.Logger, clk clock.Clock, dialer adapter.Dialer,
	opts SEOptions, sink RawSink, signal Signal) Connector {
	hooks := wsHooks{
		endpoint: func(context.Context) (string, http.Header, error) {
			if opts.URL == "" {
				return "", nil, errors.New("se: url not configured")
			}
			return opts.URL, nil, nil
		},
		handshake: func(ctx context.Context, send sendFunc) error {
			token := ""
			if opts.Tokens != nil {
				token = opts.Tokens.Token()
			}
			auth, err := json.Marshal(map[string]any{"type": "auth", "token": token})
			if err != nil {
				return err
			}
			if err := send(auth); err != nil {
				return errors.Wrap(err, "se: send auth")
			}
			sub, err := json.Marshal(map[string]any{
				"type":  "subscribe",
				"topic": "channel.follow." + opts.ChannelID,
			})
			if err != nil {
				return err
			}
			if err := send(sub); err != nil {
				return errors.Wrap(err, "se: send subscribe")
			}
			return nil
		},
		frame:     decodeSEFrame,
		pingFrame: func() []byte { return []byte(`{"type":"ping"}`) },
	}
	return newWSConnector("se", core.PlatformSE, log, clk, dialer, sink, signal, hooks)
}

func decodeSEFrame(data []byte) frameAction {
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		return frameAction{err: errors.Wrap(err, "se: decode frame")}
	}
	typ, _ := envelope["type"].(string)
	switch typ {
	case "pong", "ping":
		return frameAction{pong: true}
	case "auth":
		if success, ok := envelope["success"].(bool); ok && !success {
			reason, _ := envelope["error"].(string)
			if reason == "" {
				reason = "auth rejected"
			}
			return frameAction{authFailed: reason}
		}
		return frameAction{}
	case "event":
		return frameAction{raws: []rawFrame{{kind: "event", payload: envelope}}}
	}
	return frameAction{}
}
