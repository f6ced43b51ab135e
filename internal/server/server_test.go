package server

import "testing"

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/auth/login", want: true},
		{path: "/auth/refresh", want: true},
		{path: "/auth/me", want: false},
		{path: "/webhooks/whatsapp/conn-1", want: true},
		{path: "/webhooks/", want: true},
		{path: "/bots", want: false},
		{path: "/ws/bots/bot-1", want: false},
	}

	for _, tc := range cases {
		if got := shouldSkipJWT(tc.path); got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
