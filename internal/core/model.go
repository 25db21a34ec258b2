package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Platform identifies an upstream event source.
type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformTikTok  Platform = "tiktok"
	PlatformTwitch  Platform = "twitch"
	PlatformSE      Platform = "se"
)

// Valid reports whether p is one of the closed platform set.
func (p Platform) Valid() bool {
	switch p {
	case PlatformYouTube, PlatformTikTok, PlatformTwitch, PlatformSE:
		return true
	}
	return false
}

// EventType tags the canonical event variant.
type EventType string

const (
	EventChat        EventType = "chat"
	EventGift        EventType = "gift"
	EventFollow      EventType = "follow"
	EventMembership  EventType = "membership"
	EventSuperChat   EventType = "superchat"
	EventViewerCount EventType = "viewer"
	EventConnection  EventType = "connection"
	EventError       EventType = "error"
)

// ConnState is the connector lifecycle state.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateReady      ConnState = "ready"
	StateClosing    ConnState = "closing"
	StateClosed     ConnState = "closed"
)

// User is the event author. DisplayName must be non-empty for an event to
// survive normalization.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Moderator   bool   `json:"moderator,omitempty"`
	Subscriber  bool   `json:"subscriber,omitempty"`
	Owner       bool   `json:"owner,omitempty"`
}

// Event is the platform-agnostic record every pipeline stage exchanges.
// Downstream consumers must treat a published Event as read-only.
type Event struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Platform      Platform  `json:"platform"`
	Type          EventType `json:"type"`
	OriginTS      time.Time `json:"origin_ts"`
	IngestTS      time.Time `json:"ingest_ts"`
	User          User      `json:"user"`

	// Chat
	Message          string `json:"message,omitempty"`
	SanitizedMessage string `json:"sanitized_message,omitempty"`

	// Gift / SuperChat
	GiftType   string  `json:"gift_type,omitempty"`
	UnitAmount float64 `json:"unit_amount,omitempty"`
	Count      int     `json:"count,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Aggregated bool    `json:"aggregated,omitempty"`
	WindowID   string  `json:"window_id,omitempty"`
	RepeatEnd  bool    `json:"-"`
	// Cumulative marks gifts whose Count/Amount are streak-cumulative
	// snapshots (TikTok repeatCount) rather than per-event increments.
	Cumulative bool    `json:"-"`
	PaidTier   int     `json:"paid_tier,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`

	// Membership
	Months int `json:"months,omitempty"`
	Level  int `json:"level,omitempty"`

	// ViewerCount
	Viewers int `json:"viewers,omitempty"`

	// Connection / Error
	State  ConnState `json:"state,omitempty"`
	Reason string    `json:"reason,omitempty"`

	// ConnOpenTS is the owning connection's open timestamp, stamped during
	// normalization for the stale-message filter.
	ConnOpenTS time.Time `json:"-"`
}

// Total is what goal trackers consume; Amount already folds unit*count in.
func (e Event) Total() float64 { return e.Amount }

// Fingerprint derives the stable event id used for deduplication and goal
// idempotence: (platform, user-id, event-type, message-id, origin-timestamp).
func Fingerprint(platform Platform, userID string, typ EventType, messageID string, origin time.Time) string {
	digest := sha256.Sum256([]byte(
		string(platform) + "\x1f" + userID + "\x1f" + string(typ) + "\x1f" + messageID + "\x1f" + origin.UTC().Format(time.RFC3339Nano),
	))
	return hex.EncodeToString(digest[:16])
}

// RawEvent is what connectors emit before normalization.
type RawEvent struct {
	Platform Platform       `json:"platform"`
	Kind     string         `json:"kind"` // platform-native frame kind, e.g. "chat-update"
	Payload  map[string]any `json:"payload"`
	IngestTS time.Time      `json:"ingest_ts"`
	// OpenTS is the owning connection's open timestamp, used for stale drops.
	OpenTS time.Time `json:"-"`
}
