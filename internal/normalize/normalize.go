// Package normalize converts raw platform payloads into canonical events.
// Every function here is a deterministic transformation of its input; the
// only ambient value used is the raw event's ingest timestamp.
package normalize

import (
	"strings"
	"time"

	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/core"
)

// Result pairs the normalized event with a drop reason. Exactly one of
// Event/Drop is set; Err may accompany a drop.
type Result struct {
	Event *core.Event
	Drop  string
	Err   *cerr.Error
}

func dropped(reason string) Result { return Result{Drop: reason} }

func failed(reason string, err *cerr.Error) Result { return Result{Drop: reason, Err: err} }

// Normalize dispatches on the raw event's platform.
func Normalize(raw core.RawEvent) Result {
	switch raw.Platform {
	case core.PlatformYouTube:
		return normalizeYouTube(raw)
	case core.PlatformTikTok:
		return normalizeTikTok(raw)
	case core.PlatformTwitch:
		return normalizeTwitch(raw)
	case core.PlatformSE:
		return normalizeSE(raw)
	}
	return failed("unknown platform", cerr.Validation("", "unknown platform "+string(raw.Platform)))
}

// Timestamp extracts the origin timestamp using the fixed per-platform
// field order. It returns the zero time when nothing parses.
func Timestamp(platform core.Platform, payload map[string]any) time.Time {
	switch platform {
	case core.PlatformYouTube:
		// timestamp_usec (µs) → timestamp (ms) → ISO string
		if us, ok := intField(payload, "timestamp_usec"); ok && us > 0 {
			return time.Unix(0, us*int64(time.Microsecond)).UTC()
		}
		if ms, ok := intField(payload, "timestamp"); ok && ms > 0 {
			return time.Unix(0, ms*int64(time.Millisecond)).UTC()
		}
		if iso, ok := payload["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, iso); err == nil {
				return t.UTC()
			}
		}
	case core.PlatformTikTok:
		// common.createTime → common.clientSendTime → timestamp as ISO
		if common := digMap(payload, "common"); common != nil {
			if ms, ok := intField(common, "createTime"); ok && ms > 0 {
				return time.Unix(0, ms*int64(time.Millisecond)).UTC()
			}
			if ms, ok := intField(common, "clientSendTime"); ok && ms > 0 {
				return time.Unix(0, ms*int64(time.Millisecond)).UTC()
			}
		}
		if iso, ok := payload["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, iso); err == nil {
				return t.UTC()
			}
		}
	case core.PlatformTwitch:
		// timestamp as ms or ISO
		if ms, ok := intField(payload, "timestamp"); ok && ms > 0 {
			return time.Unix(0, ms*int64(time.Millisecond)).UTC()
		}
		if iso, ok := payload["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, iso); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// NormalizeUsername strips a leading @ and surrounding whitespace and
// rejects placeholder names. Empty result means the event is dropped.
func NormalizeUsername(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	if name == "" || strings.EqualFold(name, "N/A") {
		return ""
	}
	return name
}

// SanitizeMessage strips HTML tags. The caller drops the event when the
// result is whitespace-only.
func SanitizeMessage(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
				continue
			}
			b.WriteByte(text[i])
		default:
			if depth == 0 {
				b.WriteByte(text[i])
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func baseEvent(raw core.RawEvent, typ core.EventType, user core.User, origin time.Time, messageID string) core.Event {
	return core.Event{
		ID:         core.Fingerprint(raw.Platform, user.ID, typ, messageID, origin),
		Platform:   raw.Platform,
		Type:       typ,
		OriginTS:   origin,
		IngestTS:   raw.IngestTS,
		User:       user,
		ConnOpenTS: raw.OpenTS,
	}
}

// ---- payload walking helpers ----

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
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		// numeric strings appear in innertube payloads
		var n int64
		var neg bool
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if s[0] == '-' {
			neg = true
			s = s[1:]
		}
		for i := 0; i < len(s); i++ {
			if s[i] < '0' || s[i] > '9' {
				return 0, false
			}
			n = n*10 + int64(s[i]-'0')
		}
		if neg {
			n = -n
		}
		return n, true
	}
	return 0, false
}

func floatField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}
