package app

import "testing"

func TestWSURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr     string
		wantBase string
		wantWS   string
	}{
		{"127.0.0.1:8080", "http://127.0.0.1:8080", "ws://127.0.0.1:8080/ws"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080", "ws://127.0.0.1:8080/ws"},
		{":8081", "http://127.0.0.1:8081", "ws://127.0.0.1:8081/ws"},
		{"[::]:9090", "http://127.0.0.1:9090", "ws://127.0.0.1:9090/ws"},
		{"[2001:db8::1]:9090", "http://[2001:db8::1]:9090", "ws://[2001:db8::1]:9090/ws"},
		{"chat.internal", "http://chat.internal", "ws://chat.internal/ws"},
	}

	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.addr); got != tc.wantBase {
				t.Fatalf("runtimeBaseURL(%q)=%q want %q", tc.addr, got, tc.wantBase)
			}
			if got := WSURL(tc.addr); got != tc.wantWS {
				t.Fatalf("WSURL(%q)=%q want %q", tc.addr, got, tc.wantWS)
			}
		})
	}
}

func TestWSBaseURL_Schemes(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"https://chat.example.com": "wss://chat.example.com",
		"http://127.0.0.1:8080":    "ws://127.0.0.1:8080",
		"127.0.0.1:8080":           "ws://127.0.0.1:8080",
	} {
		if got := wsBaseURL(in); got != want {
			t.Fatalf("wsBaseURL(%q)=%q want %q", in, got, want)
		}
	}
}
