package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresTimersInDeadlineOrder(t *testing.T) {
	f := NewFake()
	var order []string
	f.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	f.AfterFunc(1*time.Second, func() { order = append(order, "early") })
	f.AfterFunc(2*time.Second, func() { order = append(order, "middle") })

	f.Advance(5 * time.Second)

	want := []string{"early", "middle", "late"}
	if len(order) != 3 {
		t.Fatalf("fired %d timers: %v", len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v, want %v", order, want)
		}
	}
}

func TestFakeTimerFiresAtItsDeadline(t *testing.T) {
	f := NewFake()
	var firedAt time.Time
	f.AfterFunc(90*time.Second, func() { firedAt = f.Now() })

	start := f.Now()
	f.Advance(2 * time.Minute)

	if got, want := firedAt, start.Add(90*time.Second); !got.Equal(want) {
		t.Fatalf("fired at %v, want %v", got, want)
	}
	if got, want := f.Now(), start.Add(2*time.Minute); !got.Equal(want) {
		t.Fatalf("now=%v, want %v", got, want)
	}
}

func TestFakeStoppedTimerDoesNotFire(t *testing.T) {
	f := NewFake()
	var fired bool
	tm := f.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("first Stop should report true")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	f.Advance(5 * time.Second)

	if fired {
		t.Fatal("stopped timer fired")
	}
	if n := f.PendingTimers(); n != 0 {
		t.Fatalf("pending timers=%d", n)
	}
}

func TestFakeSameDeadlineFiresInScheduleOrder(t *testing.T) {
	f := NewFake()
	var order []string
	f.AfterFunc(time.Second, func() { order = append(order, "a") })
	f.AfterFunc(time.Second, func() { order = append(order, "b") })

	f.Advance(time.Second)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order=%v", order)
	}
}

func TestFakeTimerScheduledDuringCallbackFires(t *testing.T) {
	f := NewFake()
	var chained bool
	f.AfterFunc(time.Second, func() {
		f.AfterFunc(time.Second, func() { chained = true })
	})

	f.Advance(3 * time.Second)

	if !chained {
		t.Fatal("chained timer did not fire")
	}
}

func TestFakeSetJumpsAndFires(t *testing.T) {
	f := NewFake()
	var fired bool
	f.AfterFunc(time.Hour, func() { fired = true })

	f.Set(f.Now().Add(30 * time.Minute))
	if fired {
		t.Fatal("timer fired early")
	}
	f.Set(f.Now().Add(31 * time.Minute))
	if !fired {
		t.Fatal("timer did not fire after Set past deadline")
	}
}

func TestFakeTickerDeliversTicks(t *testing.T) {
	f := NewFake()
	tk := f.NewTicker(10 * time.Second)
	defer tk.Stop()

	f.Advance(10 * time.Second)
	select {
	case ts := <-tk.C():
		if !ts.Equal(f.Now()) {
			t.Fatalf("tick at %v, now %v", ts, f.Now())
		}
	default:
		t.Fatal("no tick delivered")
	}

	tk.Stop()
	f.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("tick after Stop")
	default:
	}
}

func TestFakeNextDeadlinesSorted(t *testing.T) {
	f := NewFake()
	f.AfterFunc(3*time.Second, func() {})
	f.AfterFunc(1*time.Second, func() {})

	deadlines := f.NextDeadlines()
	if len(deadlines) != 2 {
		t.Fatalf("got %d deadlines", len(deadlines))
	}
	if !deadlines[0].Before(deadlines[1]) {
		t.Fatalf("deadlines not sorted: %v", deadlines)
	}
}
