package normalize

import (
	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/core"
)

// normalizeTwitch handles EventSub notification payloads. Kinds: "chat",
// "follow", "subscription", "cheer".
func normalizeTwitch(raw core.RawEvent) Result {
	payload := raw.Payload
	if payload == nil {
		return failed("empty payload", cerr.Parse("twitch: nil payload", nil))
	}

	user, ok := twitchUser(payload)
	if !ok {
		return dropped("missing user")
	}
	origin := Timestamp(core.PlatformTwitch, payload)

	switch raw.Kind {
	case "chat":
		if origin.IsZero() {
			return dropped("no timestamp")
		}
		text := stringField(payload, "message")
		if msg := digMap(payload, "message"); msg != nil {
			text = stringField(msg, "text")
		}
		sanitized := SanitizeMessage(text)
		if sanitized == "" {
			return dropped("empty message")
		}
		ev := baseEvent(raw, core.EventChat, user, origin, stringField(payload, "message_id"))
		ev.Message = text
		ev.SanitizedMessage = sanitized
		return Result{Event: &ev}

	case "follow":
		if origin.IsZero() {
			origin = raw.IngestTS
		}
		ev := baseEvent(raw, core.EventFollow, user, origin, stringField(payload, "message_id"))
		return Result{Event: &ev}

	case "subscription":
		if origin.IsZero() {
			return dropped("no timestamp")
		}
		ev := baseEvent(raw, core.EventMembership, user, origin, stringField(payload, "message_id"))
		if months, ok := intField(payload, "cumulative_months"); ok {
			ev.Months = int(months)
		}
		if tier, ok := intField(payload, "tier"); ok {
			// tiers arrive as 1000/2000/3000
			ev.Level = int(tier / 1000)
		}
		return Result{Event: &ev}

	case "cheer":
		if origin.IsZero() {
			origin = raw.IngestTS
		}
		bits, ok := intField(payload, "bits")
		if !ok || bits <= 0 {
			return Result{Drop: "invalid bits", Err: cerr.Validation(string(core.EventGift), "cheer without bits")}
		}
		ev := baseEvent(raw, core.EventGift, user, origin, stringField(payload, "message_id"))
		ev.GiftType = "Bits"
		ev.UnitAmount = float64(bits)
		ev.Count = 1
		ev.Amount = float64(bits)
		ev.Currency = "bits"
		ev.Message = stringField(payload, "message")
		ev.SanitizedMessage = SanitizeMessage(ev.Message)
		return Result{Event: &ev}
	}
	return dropped("unhandled kind " + raw.Kind)
}

func twitchUser(payload map[string]any) (core.User, bool) {
	id := stringField(payload, "user_id")
	name := NormalizeUsername(stringField(payload, "user_name"))
	if name == "" {
		name = NormalizeUsername(stringField(payload, "user_login"))
	}
	if id == "" || name == "" {
		return core.User{}, false
	}
	return core.User{ID: id, DisplayName: name}, true
}

// normalizeSE handles the auxiliary follow feed:
// {type:"event", data:{platform, displayName, userId}}. Follow events carry
// no origin timestamp; ingest time is used and the stale filter skips them.
func normalizeSE(raw core.RawEvent) Result {
	data := digMap(raw.Payload, "data")
	if data == nil {
		return failed("missing data", cerr.Parse("se: event without data", nil))
	}
	plat := core.Platform(stringField(data, "platform"))
	if plat != core.PlatformYouTube && plat != core.PlatformTwitch {
		return dropped("unsupported follow platform")
	}
	id := stringField(data, "userId")
	name := NormalizeUsername(stringField(data, "displayName"))
	if id == "" || name == "" {
		return dropped("missing user")
	}
	ev := core.Event{
		ID:       core.Fingerprint(plat, id, core.EventFollow, "", raw.IngestTS),
		Platform: plat,
		Type:     core.EventFollow,
		OriginTS: raw.IngestTS,
		IngestTS: raw.IngestTS,
		User:     core.User{ID: id, DisplayName: name},
	}
	return Result{Event: &ev}
}
