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

// TikTokOptions configure the Webcast bridge session.
type TikTokOptions struct {
	// BridgeURL is the Webcast websocket bridge; the room id is appended as
	// a query parameter.
	BridgeURL string
	RoomID    string
}

// tiktokKinds are the Webcast message types the normalizer understands.
var tiktokKinds = map[string]string{
	"WebcastGiftMessage":        "gift",
	"WebcastChatMessage":        "chat",
	"WebcastSocialMessage":      "follow",
	"WebcastMemberMessage":      "member",
	"WebcastRoomUserSeqMessage": "roomUser",
	"gift":                      "gift",
	"chat":                      "chat",
	"follow":                    "follow",
	"member":                    "member",
	"roomUser":                  "roomUser",
}

// NewTikTok builds the Webcast connector. Frames arrive as JSON envelopes
// {type, data}; unknown types are ignored.
func NewTikTok(log logx.Logger, clk clock.Clock, dialer adapter.Dialer,
	opts TikTokOptions, sink RawSink, signal Signal) Connector {
	hooks := wsHooks{
		endpoint: func(context.Context) (string, http.Header, error) {
			if opts.BridgeURL == "" || opts.RoomID == "" {
				return "", nil, errors.New("tiktok: bridge url and room required")
			}
			u, err := url.Parse(opts.BridgeURL)
			if err != nil {
				return "", nil, errors.Wrap(err, "tiktok: bridge url")
			}
			q := u.Query()
			q.Set("room", opts.RoomID)
			u.RawQuery = q.Encode()
			return u.String(), nil, nil
		},
		frame: decodeTikTokFrame,
	}
	return newWSConnector("tiktok", core.PlatformTikTok, log, clk, dialer, sink, signal, hooks)
}

func decodeTikTokFrame(data []byte) frameAction {
	var envelope struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return frameAction{err: errors.Wrap(err, "tiktok: decode frame")}
	}
	if envelope.Type == "pong" {
		return frameAction{pong: true}
	}
	kind, ok := tiktokKinds[envelope.Type]
	if !ok || envelope.Data == nil {
		return frameAction{}
	}
	return frameAction{raws: []rawFrame{{kind: kind, payload: envelope.Data}}}
}
