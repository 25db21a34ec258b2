package connector

import "testing"

func TestDecodeSEFrame(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		check func(t *testing.T, a frameAction)
	}{
		{
			"pong",
			`{"type":"pong"}`,
			func(t *testing.T, a frameAction) {
				if !a.pong || len(a.raws) != 0 {
					t.Fatalf("action=%+v", a)
				}
			},
		},
		{
			"server ping counts as liveness",
			`{"type":"ping"}`,
			func(t *testing.T, a frameAction) {
				if !a.pong {
					t.Fatalf("action=%+v", a)
				}
			},
		},
		{
			"auth success",
			`{"type":"auth","success":true}`,
			func(t *testing.T, a frameAction) {
				if a.authFailed != "" || a.err != nil {
					t.Fatalf("action=%+v", a)
				}
			},
		},
		{
			"auth rejection",
			`{"type":"auth","success":false,"error":"token expired"}`,
			func(t *testing.T, a frameAction) {
				if a.authFailed != "token expired" {
					t.Fatalf("authFailed=%q", a.authFailed)
				}
			},
		},
		{
			"auth rejection without reason",
			`{"type":"auth","success":false}`,
			func(t *testing.T, a frameAction) {
				if a.authFailed != "auth rejected" {
					t.Fatalf("authFailed=%q", a.authFailed)
				}
			},
		},
		{
			"event",
			`{"type":"event","data":{"platform":"twitch","displayName":"x","userId":"1"}}`,
			func(t *testing.T, a frameAction) {
				if len(a.raws) != 1 || a.raws[0].kind != "event" {
					t.Fatalf("action=%+v", a)
				}
				if a.raws[0].payload["type"] != "event" {
					t.Fatal("envelope not preserved")
				}
			},
		},
		{
			"garbage",
			`{not json`,
			func(t *testing.T, a frameAction) {
				if a.err == nil {
					t.Fatal("parse error not reported")
				}
			},
		},
		{
			"unknown type ignored",
			`{"type":"presence"}`,
			func(t *testing.T, a frameAction) {
				if a.err != nil || a.pong || len(a.raws) != 0 {
					t.Fatalf("action=%+v", a)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, decodeSEFrame([]byte(tc.frame)))
		})
	}
}

func TestDecodeTikTokFrame(t *testing.T) {
	a := decodeTikTokFrame([]byte(`{"type":"WebcastGiftMessage","data":{"repeatCount":3}}`))
	if len(a.raws) != 1 || a.raws[0].kind != "gift" {
		t.Fatalf("action=%+v", a)
	}
	if _, ok := a.raws[0].payload["repeatCount"]; !ok {
		t.Fatal("payload lost")
	}

	// short names from newer bridge versions map the same
	a = decodeTikTokFrame([]byte(`{"type":"roomUser","data":{"viewerCount":12}}`))
	if len(a.raws) != 1 || a.raws[0].kind != "roomUser" {
		t.Fatalf("action=%+v", a)
	}

	a = decodeTikTokFrame([]byte(`{"type":"pong"}`))
	if !a.pong {
		t.Fatalf("action=%+v", a)
	}

	a = decodeTikTokFrame([]byte(`{"type":"WebcastLikeMessage","data":{}}`))
	if len(a.raws) != 0 || a.err != nil {
		t.Fatalf("unknown type not ignored: %+v", a)
	}

	a = decodeTikTokFrame([]byte(`nope`))
	if a.err == nil {
		t.Fatal("parse error not reported")
	}
}

func TestDecodeEventSubFrame(t *testing.T) {
	welcome := `{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"status":"connected"}}}`
	if a := decodeEventSubFrame([]byte(welcome)); !a.pong {
		t.Fatalf("welcome action=%+v", a)
	}

	keepalive := `{"metadata":{"message_type":"session_keepalive"},"payload":{}}`
	if a := decodeEventSubFrame([]byte(keepalive)); !a.pong {
		t.Fatalf("keepalive action=%+v", a)
	}

	revocation := `{"metadata":{"message_type":"revocation"},"payload":{"subscription":{"type":"channel.chat.message"}}}`
	a := decodeEventSubFrame([]byte(revocation))
	if a.authFailed == "" {
		t.Fatalf("revocation action=%+v", a)
	}

	notification := `{"metadata":{"message_type":"notification"},"payload":{"subscription":{"type":"channel.cheer"},"event":{"user_id":"1","bits":100}}}`
	a = decodeEventSubFrame([]byte(notification))
	if len(a.raws) != 1 || a.raws[0].kind != "cheer" {
		t.Fatalf("notification action=%+v", a)
	}

	unknown := `{"metadata":{"message_type":"notification"},"payload":{"subscription":{"type":"channel.poll.begin"},"event":{}}}`
	if a := decodeEventSubFrame([]byte(unknown)); len(a.raws) != 0 {
		t.Fatalf("unknown subscription produced raws: %+v", a)
	}

	if a := decodeEventSubFrame([]byte(`--`)); a.err == nil {
		t.Fatal("parse error not reported")
	}
}
