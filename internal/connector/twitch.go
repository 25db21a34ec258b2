package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/you/streambridge/internal/adapter"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// TwitchOptions configure the EventSub websocket session.
type TwitchOptions struct {
	// URL defaults to the public EventSub endpoint.
	URL string
	// Channel scopes the subscriptions; carried as a query parameter.
	Channel string
	Tokens  *TokenSource
}

const defaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

// eventSubKinds maps subscription types to normalizer kinds.
var eventSubKinds = map[string]string{
	"channel.chat.message": "chat",
	"channel.follow":       "follow",
	"channel.subscribe":    "subscription",
	"channel.cheer":        "cheer",
}

// NewTwitch builds the EventSub connector. Welcome and keepalive frames
// drive session health; notification frames carry the events.
func NewTwitch(log logx.Logger, clk clock.Clock, dialer adapter.Dialer,
	opts TwitchOptions, sink RawSink, signal Signal) Connector {
	hooks := wsHooks{
		endpoint: func(context.Context) (string, http.Header, error) {
			raw := opts.URL
			if raw == "" {
				raw = defaultEventSubURL
			}
			u, err := url.Parse(raw)
			if err != nil {
				return "", nil, errors.Wrap(err, "twitch: eventsub url")
			}
			if opts.Channel != "" {
				q := u.Query()
				q.Set("channel", opts.Channel)
				u.RawQuery = q.Encode()
			}
			header := http.Header{}
			if opts.Tokens != nil {
				if token := opts.Tokens.Token(); token != "" {
					header.Set("Authorization", "Bearer "+token)
				}
			}
			return u.String(), header, nil
		},
		frame: decodeEventSubFrame,
	}
	return newWSConnector("twitch", core.PlatformTwitch, log, clk, dialer, sink, signal, hooks)
}

func decodeEventSubFrame(data []byte) frameAction {
	var envelope struct {
		Metadata struct {
			MessageType string `json:"message_type"`
		} `json:"metadata"`
		Payload struct {
			Subscription struct {
				Type string `json:"type"`
			} `json:"subscription"`
			Event map[string]any `json:"event"`
			Session struct {
				Status string `json:"status"`
			} `json:"session"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return frameAction{err: errors.Wrap(err, "twitch: decode frame")}
	}

	switch envelope.Metadata.MessageType {
	case "session_welcome", "session_keepalive":
		return frameAction{pong: true}
	case "revocation":
		if envelope.Payload.Subscription.Type != "" {
			return frameAction{authFailed: "subscription revoked: " + envelope.Payload.Subscription.Type}
		}
		return frameAction{authFailed: "subscription revoked"}
	case "notification":
		kind, ok := eventSubKinds[envelope.Payload.Subscription.Type]
		if !ok || envelope.Payload.Event == nil {
			return frameAction{}
		}
		return frameAction{raws: []rawFrame{{kind: kind, payload: envelope.Payload.Event}}}
	}
	return frameAction{}
}
