package normalize

import (
	"time"

	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/core"
)

// normalizeYouTube handles LiveChat chat-update frames. Two raw shapes are
// accepted: the flat {author, text, timestamp_usec|timestamp} form and the
// richer {item:{author, message:{text}, type, timestamp_usec, id}} form.
func normalizeYouTube(raw core.RawEvent) Result {
	payload := raw.Payload
	if payload == nil {
		return failed("empty payload", cerr.Parse("youtube: nil payload", nil))
	}

	// Flatten the richer shape onto the common field names.
	if item := digMap(payload, "item"); item != nil {
		flat := map[string]any{}
		for k, v := range item {
			flat[k] = v
		}
		if msg := digMap(item, "message"); msg != nil {
			flat["text"] = stringField(msg, "text")
		}
		// paid/membership markers may sit on the envelope instead
		for _, k := range []string{"superchat", "supersticker", "isMembership"} {
			if _, ok := payload[k]; ok {
				flat[k] = payload[k]
			}
		}
		payload = flat
	}

	user, ok := youtubeUser(payload)
	if !ok {
		return dropped("missing author")
	}

	origin := Timestamp(core.PlatformYouTube, payload)
	if origin.IsZero() {
		return dropped("no timestamp")
	}

	messageID := stringField(payload, "id")
	text := stringField(payload, "text")

	if sc := digMap(payload, "superchat"); sc != nil {
		return youtubePaid(raw, user, origin, messageID, text, sc, "Super Chat")
	}
	if ss := digMap(payload, "supersticker"); ss != nil {
		return youtubePaid(raw, user, origin, messageID, text, ss, "Super Sticker")
	}

	if boolField(payload, "isMembership") {
		ev := baseEvent(raw, core.EventMembership, user, origin, messageID)
		if months, ok := intField(payload, "months"); ok {
			ev.Months = int(months)
		}
		if level, ok := intField(payload, "level"); ok {
			ev.Level = int(level)
		}
		return Result{Event: &ev}
	}

	sanitized := SanitizeMessage(text)
	if sanitized == "" {
		return dropped("empty message")
	}
	ev := baseEvent(raw, core.EventChat, user, origin, messageID)
	ev.Message = text
	ev.SanitizedMessage = sanitized
	return Result{Event: &ev}
}

// youtubePaid builds a Super Chat / Super Sticker gift. Missing amount or
// currency is a typed validation error; the event is still surfaced flagged
// IsError so downstream can show it without counting it toward goals.
func youtubePaid(raw core.RawEvent, user core.User, origin time.Time, messageID, text string, paid map[string]any, giftType string) Result {
	ev := baseEvent(raw, core.EventGift, user, origin, messageID)
	ev.GiftType = giftType
	ev.Count = 1
	ev.Message = text
	ev.SanitizedMessage = SanitizeMessage(text)

	amount, okAmount := floatField(paid, "amount")
	currency := stringField(paid, "currency")
	if !okAmount || currency == "" {
		ev.IsError = true
		ev.Reason = "missing amount or currency"
		return Result{
			Event: &ev,
			Err:   cerr.Validation(string(core.EventGift), "superchat missing amount or currency"),
		}
	}
	ev.UnitAmount = amount
	ev.Amount = amount
	ev.Currency = currency
	return Result{Event: &ev}
}

// youtubeUser accepts {author:{id|channelId, name}} and requires both a
// non-empty id and a non-empty normalized display name.
func youtubeUser(payload map[string]any) (core.User, bool) {
	author := digMap(payload, "author")
	if author == nil {
		return core.User{}, false
	}
	id := stringField(author, "id")
	if id == "" {
		id = stringField(author, "channelId")
	}
	name := NormalizeUsername(stringField(author, "name"))
	if id == "" || name == "" {
		return core.User{}, false
	}
	return core.User{
		ID:          id,
		DisplayName: name,
		Moderator:   boolField(author, "isModerator"),
		Owner:       boolField(author, "isOwner"),
		Subscriber:  boolField(author, "isSponsor"),
	}, true
}
