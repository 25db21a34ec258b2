package core

import (
	"testing"
	"time"
)

func TestFingerprintStableAcrossDeliveries(t *testing.T) {
	origin := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Fingerprint(PlatformTwitch, "u1", EventChat, "m1", origin)
	b := Fingerprint(PlatformTwitch, "u1", EventChat, "m1", origin)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("fingerprint length %d", len(a))
	}
	// the same instant in a different zone is the same event
	paris := origin.In(time.FixedZone("CEST", 2*3600))
	if Fingerprint(PlatformTwitch, "u1", EventChat, "m1", paris) != a {
		t.Fatal("zone change altered the fingerprint")
	}
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	origin := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	base := Fingerprint(PlatformTwitch, "u1", EventChat, "m1", origin)
	variants := []string{
		Fingerprint(PlatformYouTube, "u1", EventChat, "m1", origin),
		Fingerprint(PlatformTwitch, "u2", EventChat, "m1", origin),
		Fingerprint(PlatformTwitch, "u1", EventGift, "m1", origin),
		Fingerprint(PlatformTwitch, "u1", EventChat, "m2", origin),
		Fingerprint(PlatformTwitch, "u1", EventChat, "m1", origin.Add(time.Millisecond)),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base", i)
		}
	}
}

func TestPlatformValid(t *testing.T) {
	for _, p := range []Platform{PlatformYouTube, PlatformTikTok, PlatformTwitch, PlatformSE} {
		if !p.Valid() {
			t.Errorf("%s invalid", p)
		}
	}
	if Platform("kick").Valid() || Platform("").Valid() {
		t.Fatal("unknown platform accepted")
	}
}
