package router

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/streambridge/internal/aggregate"
	"github.com/you/streambridge/internal/bus"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/gate"
	"github.com/you/streambridge/internal/logx"
	"github.com/you/streambridge/internal/metrics"
)

type memorySink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *memorySink) Deliver(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func (s *memorySink) at(i int) Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notes[i]
}

type pipeline struct {
	clk   *clock.Fake
	bus   *bus.Bus
	sink  *memorySink
	goals *Goals
	r     *Router
}

func newPipeline(t *testing.T, aggEnabled bool, spam *SpamGuard) *pipeline {
	t.Helper()
	clk := clock.NewFake()
	b := bus.New(logx.Nop(), clk, bus.DefaultMaxListeners)
	g := gate.New(logx.Nop(), clk, gate.Options{
		MessagesEnabled:   true,
		FilterOldMessages: true,
		DefaultCooldown:   5 * time.Second,
		GlobalCooldown:    2 * time.Second,
	}, func(name string, args ...any) { b.Emit(name, args...) })
	sink := &memorySink{}
	goals := NewGoals()
	r := New(logx.Nop(), clk, b, g, aggregate.Options{Enabled: aggEnabled},
		nil, nil, sink, goals, spam, Options{})
	return &pipeline{clk: clk, bus: b, sink: sink, goals: goals, r: r}
}

func tiktokGiftRaw(clk *clock.Fake, repeat int, repeatEnd bool) core.RawEvent {
	return core.RawEvent{
		Platform: core.PlatformTikTok,
		Kind:     "gift",
		Payload: map[string]any{
			"msgId":        "g-1",
			"user":         map[string]any{"userId": "u1", "nickname": "sender"},
			"gift":         map[string]any{"name": "Rose"},
			"diamondCount": float64(1),
			"repeatCount":  float64(repeat),
			"repeatEnd":    repeatEnd,
			"common":       map[string]any{"createTime": float64(clk.Now().UnixMilli())},
		},
		IngestTS: clk.Now(),
		OpenTS:   clk.Now().Add(-time.Minute),
	}
}

func chatRaw(clk *clock.Fake, user, text string) core.RawEvent {
	return core.RawEvent{
		Platform: core.PlatformTwitch,
		Kind:     "chat",
		Payload: map[string]any{
			"user_id":    user,
			"user_name":  user,
			"message":    map[string]any{"text": text},
			"message_id": "m-" + user + text,
			"timestamp":  float64(clk.Now().UnixMilli()),
		},
		IngestTS: clk.Now(),
		OpenTS:   clk.Now().Add(-time.Minute),
	}
}

func TestAdmittedChatReachesSinkAndBus(t *testing.T) {
	p := newPipeline(t, false, nil)
	var published []core.Event
	p.bus.Subscribe(TopicEvent, func(args ...any) error {
		published = append(published, args[0].(core.Event))
		return nil
	})

	p.r.HandleRaw(chatRaw(p.clk, "alice", "hello chat"))

	if p.sink.count() != 1 {
		t.Fatalf("delivered %d notifications", p.sink.count())
	}
	note := p.sink.at(0)
	if note.Platform != core.PlatformTwitch || note.Type != core.EventChat {
		t.Fatalf("notification=%+v", note)
	}
	if note.Data.SanitizedMessage != "hello chat" {
		t.Fatalf("data=%+v", note.Data)
	}
	if len(published) != 1 || published[0].ID != note.Data.ID {
		t.Fatalf("bus published %v", published)
	}
}

func TestUnparseableRawIsDroppedQuietly(t *testing.T) {
	p := newPipeline(t, false, nil)

	p.r.HandleRaw(core.RawEvent{
		Platform: core.PlatformTwitch,
		Kind:     "chat",
		Payload:  map[string]any{"message": "no user attached"},
		IngestTS: p.clk.Now(),
	})

	if p.sink.count() != 0 {
		t.Fatalf("dropped event was delivered")
	}
}

func TestGiftStreakAggregatesEndToEnd(t *testing.T) {
	p := newPipeline(t, true, nil)

	p.r.HandleRaw(tiktokGiftRaw(p.clk, 1, false))
	p.r.HandleRaw(tiktokGiftRaw(p.clk, 2, false))
	if p.sink.count() != 0 {
		t.Fatal("streak flushed before combo end")
	}
	p.r.HandleRaw(tiktokGiftRaw(p.clk, 5, true))

	if p.sink.count() != 1 {
		t.Fatalf("delivered %d notifications, want 1", p.sink.count())
	}
	gift := p.sink.at(0).Data
	if gift.Count != 5 || gift.Amount != 5 || !gift.Aggregated {
		t.Fatalf("gift=%+v", gift)
	}
	if got := p.goals.Totals()[core.PlatformTikTok]; got != 5 {
		t.Fatalf("goal total=%v, want 5", got)
	}
}

func TestDuplicateGiftDeliveryCountsGoalOnce(t *testing.T) {
	p := newPipeline(t, true, nil)

	// the same frame delivered twice carries the same fingerprint
	p.r.HandleRaw(tiktokGiftRaw(p.clk, 5, true))
	p.r.HandleRaw(tiktokGiftRaw(p.clk, 5, true))

	if got := p.goals.Totals()[core.PlatformTikTok]; got != 5 {
		t.Fatalf("goal total after duplicate delivery=%v, want 5", got)
	}
}

func TestDistinctGiftsBothCount(t *testing.T) {
	p := newPipeline(t, true, nil)

	p.r.HandleRaw(tiktokGiftRaw(p.clk, 5, true))
	p.clk.Advance(time.Second)
	second := tiktokGiftRaw(p.clk, 3, true)
	second.Payload["msgId"] = "g-2"
	p.r.HandleRaw(second)

	if got := p.goals.Totals()[core.PlatformTikTok]; got != 8 {
		t.Fatalf("goal total=%v, want 8", got)
	}
}

func TestMetricsCountFlushesAndGoals(t *testing.T) {
	clk := clock.NewFake()
	b := bus.New(logx.Nop(), clk, bus.DefaultMaxListeners)
	g := gate.New(logx.Nop(), clk, gate.Options{MessagesEnabled: true}, nil)
	met := metrics.New()
	goals := NewGoals()
	r := New(logx.Nop(), clk, b, g, aggregate.Options{Enabled: true},
		met, nil, nil, goals, nil, Options{})

	r.HandleRaw(tiktokGiftRaw(clk, 5, true))
	r.HandleRaw(tiktokGiftRaw(clk, 5, true))

	rec := httptest.NewRecorder()
	met.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "bridge_gift_flushes_total 2") {
		t.Fatalf("flush counter missing:\n%s", body)
	}
	if !strings.Contains(body, `bridge_goal_increments_total{platform="tiktok"} 1`) {
		t.Fatalf("goal increment counter wrong:\n%s", body)
	}
}

func TestFlushDeliversOpenBuckets(t *testing.T) {
	p := newPipeline(t, true, nil)

	p.r.HandleRaw(tiktokGiftRaw(p.clk, 3, false))
	if p.sink.count() != 0 {
		t.Fatal("bucket flushed early")
	}
	p.r.Flush()

	if p.sink.count() != 1 {
		t.Fatalf("flush delivered %d notifications", p.sink.count())
	}
	if got := p.sink.at(0).Data.Count; got != 3 {
		t.Fatalf("count=%d", got)
	}
}

func TestErrorGiftIsDeliveredButNotCounted(t *testing.T) {
	p := newPipeline(t, true, nil)

	p.r.HandleRaw(core.RawEvent{
		Platform: core.PlatformYouTube,
		Kind:     "chat",
		Payload: map[string]any{
			"id":             "sc-1",
			"author":         map[string]any{"id": "UCabc", "name": "fan"},
			"timestamp_usec": float64(p.clk.Now().UnixMicro()),
			"superchat":      map[string]any{"currency": "USD"},
		},
		IngestTS: p.clk.Now(),
	})

	if p.sink.count() != 1 {
		t.Fatalf("flagged gift not delivered: %d", p.sink.count())
	}
	if !p.sink.at(0).Data.IsError {
		t.Fatal("gift not flagged")
	}
	if total := p.goals.Totals()[core.PlatformYouTube]; total != 0 {
		t.Fatalf("error gift counted toward goal: %v", total)
	}
}

func TestCooldownRejectionPublishesBlockedTopic(t *testing.T) {
	p := newPipeline(t, false, nil)
	var blockedReasons []string
	p.bus.Subscribe(TopicCooldownBlocked, func(args ...any) error {
		blockedReasons = append(blockedReasons, args[1].(string))
		return nil
	})

	p.r.HandleRaw(chatRaw(p.clk, "alice", "!discord"))
	p.clk.Advance(time.Second)
	p.r.HandleRaw(chatRaw(p.clk, "alice", "!discord"))

	if p.sink.count() != 1 {
		t.Fatalf("delivered %d notifications, want 1", p.sink.count())
	}
	if len(blockedReasons) != 1 || blockedReasons[0] != "user cooldown" {
		t.Fatalf("blocked=%v", blockedReasons)
	}
}

func TestSpamGuardSuppressesNotificationsNotGoals(t *testing.T) {
	clk := clock.NewFake()
	guard := NewSpamGuard(logx.Nop(), clk, SpamOptions{
		Enabled:                    true,
		LowValueThreshold:          10,
		DetectionWindow:            30 * time.Second,
		MaxIndividualNotifications: 3,
	})
	p := newPipeline(t, false, guard)
	// share one clock so the guard and pipeline agree on now
	guard.clk = p.clk

	for i := 0; i < 5; i++ {
		p.r.Offer(core.Event{
			Platform: core.PlatformTwitch,
			Type:     core.EventGift,
			User:     core.User{ID: "u1", DisplayName: "u1"},
			GiftType: "Bits",
			Count:    1,
			Amount:   1,
		})
	}

	if p.sink.count() != 3 {
		t.Fatalf("delivered %d notifications, want 3", p.sink.count())
	}
	if total := p.goals.Totals()[core.PlatformTwitch]; total != 5 {
		t.Fatalf("goal total=%v, want 5 (suppressed gifts still count)", total)
	}
}

func TestHighValueGiftsNeverSuppressed(t *testing.T) {
	clk := clock.NewFake()
	guard := NewSpamGuard(logx.Nop(), clk, SpamOptions{
		Enabled:           true,
		LowValueThreshold: 10,
	})

	big := core.Event{
		Platform: core.PlatformTwitch,
		Type:     core.EventGift,
		User:     core.User{ID: "whale"},
		Amount:   500,
	}
	for i := 0; i < 10; i++ {
		if guard.Suppress(big) {
			t.Fatal("high-value gift suppressed")
		}
	}
}

func TestSpamWindowExpires(t *testing.T) {
	clk := clock.NewFake()
	guard := NewSpamGuard(logx.Nop(), clk, SpamOptions{
		Enabled:                    true,
		LowValueThreshold:          10,
		DetectionWindow:            30 * time.Second,
		MaxIndividualNotifications: 2,
	})

	small := core.Event{
		Platform: core.PlatformTikTok,
		Type:     core.EventGift,
		User:     core.User{ID: "u1"},
		Amount:   1,
	}
	if guard.Suppress(small) || guard.Suppress(small) {
		t.Fatal("suppressed under the limit")
	}
	if !guard.Suppress(small) {
		t.Fatal("third burst gift not suppressed")
	}

	clk.Advance(31 * time.Second)
	if guard.Suppress(small) {
		t.Fatal("suppressed after the window expired")
	}
}
