package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisitorIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "203.0.113.9:51234", want: "203.0.113.9"},
		{name: "ipv6 remote addr", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "forwarded for chain", headers: map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}, remote: "10.0.0.1:80", want: "198.51.100.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.8"}, remote: "10.0.0.1:80", want: "198.51.100.8"},
		{name: "forwarded header", headers: map[string]string{"Forwarded": `for="[2001:db8::2]";proto=https`}, remote: "10.0.0.1:80", want: "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, VisitorIP(r))
		})
	}
}
