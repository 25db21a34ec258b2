package cerr

import (
	"testing"

	"github.com/pkg/errors"
)

func TestClassification(t *testing.T) {
	transient := Transient("ws read", errors.New("broken pipe"))
	if IsFatal(transient) || IsAuthFailure(transient) {
		t.Fatal("transient classified as fatal")
	}
	if !IsTransientNetwork(transient) {
		t.Fatal("transient not recognized")
	}

	auth := AuthFailed("token rejected", nil)
	if !IsAuthFailure(auth) || !IsFatal(auth) {
		t.Fatal("auth rejection not fatal")
	}
	if IsTransientNetwork(auth) {
		t.Fatal("auth rejection classified transient")
	}

	fatal := Fatal("unsupported protocol", nil)
	if !IsFatal(fatal) || IsAuthFailure(fatal) {
		t.Fatal("fatal-other misclassified")
	}

	// non-connection categories are never fatal
	if IsFatal(Parse("bad frame", errors.New("eof"))) {
		t.Fatal("parse error classified fatal")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	wrapped := errors.Wrap(AuthFailed("revoked", nil), "connect")
	if !IsAuthFailure(wrapped) {
		t.Fatal("wrapping hid the auth failure")
	}
	if CategoryOf(wrapped) != CategoryConnection {
		t.Fatalf("category=%s", CategoryOf(wrapped))
	}
	if CategoryOf(errors.New("plain")) != CategoryOperational {
		t.Fatal("plain error not defaulted to operational")
	}
}

func TestIsTransientNetworkByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"read tcp: connection reset by peer", true},
		{"dial: i/o timeout", true},
		{"poll status 503 Service Unavailable", true},
		{"poll status 403 Forbidden", false},
		{"no such host maybe", false},
	}
	for _, tc := range cases {
		if got := IsTransientNetwork(errors.New(tc.msg)); got != tc.want {
			t.Errorf("IsTransientNetwork(%q)=%v, want %v", tc.msg, got, tc.want)
		}
	}
	if IsTransientNetwork(nil) {
		t.Fatal("nil error classified transient")
	}
}

func TestHTTPStatusPolicies(t *testing.T) {
	for _, status := range []int{400, 403, 429} {
		if !APIStatusFatal(status) {
			t.Errorf("status %d should close the connection", status)
		}
	}
	for _, status := range []int{200, 404, 500, 503} {
		if APIStatusFatal(status) {
			t.Errorf("status %d should not close the connection", status)
		}
	}
	if !AuthStatus(401) || !AuthStatus(403) || AuthStatus(400) {
		t.Fatal("auth status policy wrong")
	}
}

func TestErrorString(t *testing.T) {
	e := Validation("gift", "missing gift name")
	if got := e.Error(); got != "validation: missing gift name" {
		t.Fatalf("got %q", got)
	}
	wrapped := Transient("dial", errors.New("refused"))
	if got := wrapped.Error(); got != "connection: dial: refused" {
		t.Fatalf("got %q", got)
	}
}
