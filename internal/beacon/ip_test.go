package beacon

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeClientIP(t *testing.T) {
	ip, ok := NormalizeClientIP("2001:0db8:0000:0000:0000:0000:0000:0001")
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::1", ip)

	_, ok = NormalizeClientIP("")
	assert.False(t, ok)
	_, ok = NormalizeClientIP("300.1.1.1")
	assert.False(t, ok)
}

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		clientIP   string
		remoteAddr string
		want       string
	}{
		{"first public xff", "10.0.0.1, 203.0.113.5, 198.51.100.2", "", "10.0.0.9:1234", "203.0.113.5"},
		{"client ip header", "10.0.0.1", "198.51.100.7", "10.0.0.9:1234", "198.51.100.7"},
		{"remote addr", "", "", "198.51.100.8:5555", "198.51.100.8"},
		{"all private", "192.168.1.1", "127.0.0.1", "10.0.0.9:1234", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/collect", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.clientIP != "" {
				r.Header.Set("X-Client-IP", tc.clientIP)
			}
			assert.Equal(t, tc.want, ClientIPFromRequest(r))
		})
	}
}
