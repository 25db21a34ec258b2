package normalize

import (
	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/core"
)

// normalizeTikTok handles Webcast frames. Kinds: "gift", "chat", "follow",
// "member", "roomUser" (viewer count).
func normalizeTikTok(raw core.RawEvent) Result {
	payload := raw.Payload
	if payload == nil {
		return failed("empty payload", cerr.Parse("tiktok: nil payload", nil))
	}

	switch raw.Kind {
	case "gift":
		return tiktokGift(raw)
	case "chat":
		return tiktokChat(raw)
	case "follow":
		return tiktokFollow(raw)
	case "member":
		return tiktokMember(raw)
	case "roomUser":
		return tiktokViewers(raw)
	}
	return dropped("unhandled kind " + raw.Kind)
}

// tiktokGift: the canonical count is repeatCount only. comboCount and
// giftCount are known to disagree with the final streak total and are
// rejected as sources. Amount = diamondCount * repeatCount.
func tiktokGift(raw core.RawEvent) Result {
	payload := raw.Payload
	user, ok := tiktokUser(payload)
	if !ok {
		return dropped("missing user")
	}
	origin := Timestamp(core.PlatformTikTok, payload)
	if origin.IsZero() {
		origin = raw.IngestTS
	}

	giftName := stringField(digMap(payload, "gift"), "name")
	if giftName == "" {
		giftName = stringField(payload, "giftName")
	}
	if giftName == "" {
		return Result{Drop: "missing gift type", Err: cerr.Validation(string(core.EventGift), "gift without name")}
	}

	repeat, okRepeat := intField(payload, "repeatCount")
	if !okRepeat || repeat <= 0 {
		return Result{Drop: "invalid repeat count", Err: cerr.Validation(string(core.EventGift), "repeatCount missing or zero")}
	}
	diamonds, _ := intField(payload, "diamondCount")
	if diamonds == 0 {
		diamonds, _ = intField(digMap(payload, "gift"), "diamond_count")
	}

	ev := baseEvent(raw, core.EventGift, user, origin, stringField(payload, "msgId"))
	ev.GiftType = giftName
	ev.UnitAmount = float64(diamonds)
	ev.Count = int(repeat)
	ev.Amount = float64(diamonds * repeat)
	ev.Currency = "diamonds"
	ev.RepeatEnd = boolField(payload, "repeatEnd")
	ev.Cumulative = true
	ev.WindowID = stringField(payload, "comboId")
	return Result{Event: &ev}
}

func tiktokChat(raw core.RawEvent) Result {
	payload := raw.Payload
	user, ok := tiktokUser(payload)
	if !ok {
		return dropped("missing user")
	}
	origin := Timestamp(core.PlatformTikTok, payload)
	if origin.IsZero() {
		return dropped("no timestamp")
	}
	text := stringField(payload, "comment")
	if text == "" {
		text = stringField(payload, "text")
	}
	sanitized := SanitizeMessage(text)
	if sanitized == "" {
		return dropped("empty message")
	}
	ev := baseEvent(raw, core.EventChat, user, origin, stringField(payload, "msgId"))
	ev.Message = text
	ev.SanitizedMessage = sanitized
	return Result{Event: &ev}
}

func tiktokFollow(raw core.RawEvent) Result {
	payload := raw.Payload
	user, ok := tiktokUser(payload)
	if !ok {
		return dropped("missing user")
	}
	origin := Timestamp(core.PlatformTikTok, payload)
	if origin.IsZero() {
		origin = raw.IngestTS
	}
	ev := baseEvent(raw, core.EventFollow, user, origin, stringField(payload, "msgId"))
	return Result{Event: &ev}
}

func tiktokMember(raw core.RawEvent) Result {
	payload := raw.Payload
	user, ok := tiktokUser(payload)
	if !ok {
		return dropped("missing user")
	}
	origin := Timestamp(core.PlatformTikTok, payload)
	if origin.IsZero() {
		return dropped("no timestamp")
	}
	ev := baseEvent(raw, core.EventMembership, user, origin, stringField(payload, "msgId"))
	if months, ok := intField(payload, "months"); ok {
		ev.Months = int(months)
	}
	return Result{Event: &ev}
}

func tiktokViewers(raw core.RawEvent) Result {
	payload := raw.Payload
	viewers, ok := intField(payload, "viewerCount")
	if !ok {
		return dropped("missing viewer count")
	}
	ev := core.Event{
		ID:       core.Fingerprint(raw.Platform, "", core.EventViewerCount, "", raw.IngestTS),
		Platform: raw.Platform,
		Type:     core.EventViewerCount,
		OriginTS: raw.IngestTS,
		IngestTS: raw.IngestTS,
		User:     core.User{ID: "room", DisplayName: "room"},
		Viewers:  int(viewers),
	}
	return Result{Event: &ev}
}

func tiktokUser(payload map[string]any) (core.User, bool) {
	u := digMap(payload, "user")
	if u == nil {
		return core.User{}, false
	}
	id := stringField(u, "userId")
	if id == "" {
		id = stringField(u, "uniqueId")
	}
	name := NormalizeUsername(stringField(u, "nickname"))
	if name == "" {
		name = NormalizeUsername(stringField(u, "uniqueId"))
	}
	if id == "" || name == "" {
		return core.User{}, false
	}
	return core.User{ID: id, DisplayName: name}, true
}
