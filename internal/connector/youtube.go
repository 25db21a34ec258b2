package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
	"github.com/you/streambridge/internal/resolver"
)

// YouTubeOptions configure the LiveChat poller.
type YouTubeOptions struct {
	// LiveURL is either a full watch/live url or an @handle resolved via
	// the channel resolver.
	LiveURL  string
	Resolver *resolver.Resolver
	Client   *http.Client
}

// YouTube polls the Innertube live chat endpoint. There is no push
// transport; each Connect call bootstraps a continuation token from the
// watch page and then long-polls. Backlog actions from the watch page are
// never emitted, only actions from polls after open.
type YouTube struct {
	base
	opts YouTubeOptions
	http *http.Client

	stopMu sync.Mutex
	stop   chan struct{}
}

// NewYouTube builds the poller.
func NewYouTube(log logx.Logger, clk clock.Clock, opts YouTubeOptions, sink RawSink, signal Signal) *YouTube {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &YouTube{
		base: newBase("youtube", core.PlatformYouTube, log, clk, sink, signal),
		opts: opts,
		http: client,
	}
}

// Connect runs the poll loop until Disconnect or a failure that needs a
// scheduled retry.
func (c *YouTube) Connect() error {
	stop := make(chan struct{})
	c.stopMu.Lock()
	if c.stop != nil {
		c.stopMu.Unlock()
		return cerr.Operational("connect while session active", nil)
	}
	c.stop = stop
	c.stopMu.Unlock()
	defer func() {
		c.stopMu.Lock()
		c.stop = nil
		c.stopMu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	c.setState(core.StateConnecting, "connect")
	liveURL, err := c.resolveLiveURL(ctx)
	if err != nil {
		c.setState(core.StateClosed, "resolve target")
		return cerr.Transient("resolve live url", err)
	}

	apiKey, clientVersion, continuation, err := c.bootstrap(ctx, liveURL)
	if err != nil {
		c.setState(core.StateClosed, "bootstrap failed")
		return cerr.Transient("bootstrap", err)
	}
	c.setState(core.StateOpen, "bootstrap ok")
	c.setState(core.StateReady, "polling")

	for {
		if ctx.Err() != nil {
			c.closeDown("disconnect")
			return nil
		}

		payloads, nextContinuation, timeout, status, err := c.poll(ctx, apiKey, clientVersion, continuation)
		if err != nil {
			if ctx.Err() != nil {
				c.closeDown("disconnect")
				return nil
			}
			if status != 0 && cerr.APIStatusFatal(status) {
				c.closeDown(fmt.Sprintf("api status %d", status))
				return cerr.Transient(fmt.Sprintf("poll status %d", status), err)
			}
			if cerr.IsTransientNetwork(err) {
				c.log.Warn("youtube: transient poll error", logx.Err(err))
				if !c.wait(ctx, stop, 1500*time.Millisecond) {
					c.closeDown("disconnect")
					return nil
				}
				continue
			}
			c.closeDown("poll failed")
			return cerr.Transient("poll", err)
		}

		for _, payload := range payloads {
			c.emitRaw("chat-update", payload)
		}

		continuation = nextContinuation
		if continuation == "" {
			c.closeDown("stream ended")
			return cerr.Transient("continuation lost", nil)
		}
		if timeout <= 0 {
			timeout = 1500
		}
		if !c.wait(ctx, stop, time.Duration(timeout)*time.Millisecond) {
			c.closeDown("disconnect")
			return nil
		}
	}
}

// Disconnect ends the poll loop; Connect returns nil.
func (c *YouTube) Disconnect(reason string) {
	c.stopMu.Lock()
	stop := c.stop
	c.stop = nil
	c.stopMu.Unlock()
	if stop == nil {
		return
	}
	c.log.Info("youtube: disconnect", logx.String("reason", reason))
	close(stop)
}

func (c *YouTube) closeDown(reason string) {
	c.setState(core.StateClosing, reason)
	c.setState(core.StateClosed, reason)
}

func (c *YouTube) wait(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	fired := make(chan struct{})
	t := c.clk.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-fired:
		return true
	}
}

// resolveLiveURL turns an @handle target into a channel live url.
func (c *YouTube) resolveLiveURL(ctx context.Context) (string, error) {
	target := strings.TrimSpace(c.opts.LiveURL)
	if target == "" {
		return "", errors.New("youtube: live url not configured")
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	if c.opts.Resolver == nil {
		return "", errors.Errorf("youtube: handle %q needs the channel resolver", target)
	}
	id, err := c.opts.Resolver.Resolve(ctx, target)
	if err != nil {
		return "", err
	}
	return "https://www.youtube.com/channel/" + id + "/live", nil
}

func (c *YouTube) bootstrap(ctx context.Context, liveURL string) (apiKey, clientVersion, continuation string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, liveURL, nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; streambridge/1.0)")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", "", errors.Errorf("youtube: watch page status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return "", "", "", err
	}
	text := string(body)

	apiKey = extractMarked(text, `"INNERTUBE_API_KEY":"`)
	clientVersion = extractMarked(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if apiKey == "" || clientVersion == "" {
		return "", "", "", errors.New("youtube: api key or client version not found")
	}

	var initJSON string
	for _, marker := range []string{
		`ytInitialData"] = `,
		`ytInitialData" = `,
		`ytInitialData":`,
		`ytInitialData = `,
	} {
		if initJSON = extractJSONObject(text, marker); initJSON != "" {
			break
		}
	}
	if initJSON == "" {
		return "", "", "", errors.New("youtube: initial data not found")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return "", "", "", errors.Wrap(err, "youtube: parse initial data")
	}
	continuation = findInitialContinuation(data)
	if continuation == "" {
		return "", "", "", errors.New("youtube: continuation not found")
	}
	return apiKey, clientVersion, continuation, nil
}

func (c *YouTube) poll(ctx context.Context, apiKey, clientVersion, continuation string) ([]map[string]any, string, int, int, error) {
	endpoint := "https://www.youtube.com/youtubei/v1/live_chat/get_live_chat?key=" + url.QueryEscape(apiKey)
	body, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": clientVersion,
				"hl":            "en",
			},
		},
		"continuation": continuation,
	})
	if err != nil {
		return nil, continuation, 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, continuation, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; streambridge/1.0)")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, continuation, 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, continuation, 0, resp.StatusCode,
			errors.Errorf("youtube: poll status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, continuation, 0, 0, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, continuation, 0, 0, errors.Wrap(err, "youtube: decode poll response")
	}

	next, timeout := extractContinuation(payload)
	return extractChatPayloads(payload), next, timeout, resp.StatusCode, nil
}

// extractChatPayloads walks the poll response actions and builds the flat
// chat-update shape the normalizer accepts.
func extractChatPayloads(payload map[string]any) []map[string]any {
	var out []map[string]any
	for _, action := range gatherActions(payload) {
		item := digMap(action, "addChatItemAction", "item")
		if item == nil {
			if appendAction := digMap(action, "appendContinuationItemsAction"); appendAction != nil {
				if items, ok := appendAction["continuationItems"].([]any); ok {
					for _, elem := range items {
						if m, ok := elem.(map[string]any); ok {
							if p := rendererPayload(m); p != nil {
								out = append(out, p)
							}
						}
					}
				}
			}
			continue
		}
		if p := rendererPayload(item); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// rendererPayload handles the renderer variants live chat produces.
func rendererPayload(item map[string]any) map[string]any {
	if r, ok := item["liveChatTextMessageRenderer"].(map[string]any); ok {
		return chatPayload(r, nil, "")
	}
	if r, ok := item["liveChatPaidMessageRenderer"].(map[string]any); ok {
		amount, currency := parsePurchaseAmount(textField(r, "purchaseAmountText"))
		return chatPayload(r, map[string]any{"amount": amount, "currency": currency}, "superchat")
	}
	if r, ok := item["liveChatPaidStickerRenderer"].(map[string]any); ok {
		amount, currency := parsePurchaseAmount(textField(r, "purchaseAmountText"))
		return chatPayload(r, map[string]any{"amount": amount, "currency": currency}, "supersticker")
	}
	if r, ok := item["liveChatMembershipItemRenderer"].(map[string]any); ok {
		p := chatPayload(r, nil, "")
		if p != nil {
			p["isMembership"] = true
		}
		return p
	}
	return nil
}

func chatPayload(r map[string]any, paid map[string]any, paidKey string) map[string]any {
	author := map[string]any{
		"id":   stringField(r, "authorExternalChannelId"),
		"name": textField(r, "authorName"),
	}
	p := map[string]any{
		"id":     stringField(r, "id"),
		"author": author,
		"text":   textField(r, "message"),
	}
	if ts := stringField(r, "timestampUsec"); ts != "" {
		p["timestamp_usec"] = ts
	}
	if paid != nil && paidKey != "" {
		p[paidKey] = paid
	}
	return p
}

var currencySymbols = map[string]string{
	"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY", "₩": "KRW", "₹": "INR",
}

// parsePurchaseAmount splits strings like "$10.00" or "CA$5.00" into amount
// and currency. Unparseable input yields zero amount and empty currency so
// the normalizer flags the gift.
func parsePurchaseAmount(text string) (float64, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ""
	}
	start := strings.IndexFunc(text, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return 0, ""
	}
	prefix := strings.TrimSpace(text[:start])
	number := strings.ReplaceAll(text[start:], ",", "")
	amount, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, ""
	}
	currency := ""
	if code, ok := currencySymbols[prefix]; ok {
		currency = code
	} else if prefix != "" {
		currency = strings.TrimSuffix(prefix, "$")
		if currency == "" {
			currency = "USD"
		}
	}
	return amount, currency
}

// ---- watch page and poll response helpers ----

func extractMarked(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], `"`)
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func extractJSONObject(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\r' || text[start] == '\t') {
		start++
	}
	if start >= len(text) || text[start] != '{' {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func gatherActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func extractContinuation(payload map[string]any) (string, int) {
	cont := ""
	timeout := 0
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if cont == "" {
				if s, ok := val["continuation"].(string); ok && s != "" {
					cont = s
				}
				if cmd := digMap(val, "continuationEndpoint", "continuationCommand"); cmd != nil {
					if s, ok := cmd["token"].(string); ok && s != "" {
						cont = s
					}
				}
			}
			if timeout == 0 {
				if tm, ok := val["timeoutMs"].(float64); ok && tm > 0 {
					timeout = int(tm)
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(payload)
	return cont, timeout
}

func findInitialContinuation(data map[string]any) string {
	type queueItem struct {
		value      any
		inLiveChat bool
	}
	queue := []queueItem{{value: data}}
	for len(queue) > 0 {
		var item queueItem
		item, queue = queue[0], queue[1:]
		switch v := item.value.(type) {
		case map[string]any:
			current := item.inLiveChat || mapHasLiveChatKey(v)
			if current {
				if cont := continuationFromNode(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: current || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, queueItem{value: child, inLiveChat: item.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func mapHasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func continuationFromNode(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			if m, ok := elem.(map[string]any); ok {
				for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
					if next := digMap(m, key); next != nil {
						if s, ok := next["continuation"].(string); ok && s != "" {
							return s
						}
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func textField(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok && s != "" {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, run := range runs {
		if part, ok := run.(map[string]any); ok {
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}
