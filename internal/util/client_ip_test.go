package util

import (
	"net/http/httptest"
	"testing"
)

// trustedFromConfig mirrors how main.go builds the allowlist from the
// trustedProxies config list.
func trustedFromConfig(t *testing.T, entries []string) *TrustedProxies {
	t.Helper()
	trusted, err := NewTrustedProxies(entries)
	if err != nil {
		t.Fatalf("parse trusted proxies %v: %v", entries, err)
	}
	return trusted
}

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	// Default deployment: no trustedProxies configured, forwarded headers
	// are attacker-controlled and must be ignored for rate-limit keying.
	req := httptest.NewRequest("POST", "/api/auth/magic-link", nil)
	req.RemoteAddr = "203.0.113.9:52100"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Set("X-Real-IP", "198.51.100.2")

	if got := ClientIP(req, nil); got != "203.0.113.9" {
		t.Fatalf("ClientIP = %q, want the TCP peer 203.0.113.9", got)
	}
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	trusted := trustedFromConfig(t, []string{"10.0.0.0/8"})

	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{
			name:   "single forwarded hop",
			remote: "10.0.1.4:40000",
			xff:    "203.0.113.9",
			want:   "203.0.113.9",
		},
		{
			name:   "chain stops at first untrusted hop from the right",
			remote: "10.0.1.4:40000",
			xff:    "198.51.100.7, 203.0.113.9, 10.0.2.2",
			want:   "203.0.113.9",
		},
		{
			name:   "garbage forwarded entries fall through to x-real-ip",
			remote: "10.0.1.4:40000",
			xff:    "not-an-ip",
			realIP: "203.0.113.9",
			want:   "203.0.113.9",
		},
		{
			name:   "fully trusted chain yields the leftmost hop",
			remote: "10.0.1.4:40000",
			xff:    "10.0.3.3, 10.0.2.2",
			want:   "10.0.3.3",
		},
		{
			name:   "untrusted peer ignores headers even when configured",
			remote: "203.0.113.9:40000",
			xff:    "198.51.100.7",
			want:   "203.0.113.9",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/auth/magic-link", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req, trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxiesParsing(t *testing.T) {
	// Bare IPs and CIDRs mix freely, the way the config list allows.
	trusted := trustedFromConfig(t, []string{"10.0.0.0/8", "192.0.2.10", " "})
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.RemoteAddr = "192.0.2.10:9"
	req.Header.Set("X-Real-IP", "203.0.113.9")
	if got := ClientIP(req, trusted); got != "203.0.113.9" {
		t.Fatalf("bare-IP proxy entry not trusted: got %q", got)
	}

	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected error for malformed CIDR")
	}
	if _, err := NewTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatal("expected error for hostname entry")
	}
	empty, err := NewTrustedProxies(nil)
	if err != nil || empty != nil {
		t.Fatalf("empty list should mean trust-none: %v, %v", empty, err)
	}
}
