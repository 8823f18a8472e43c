package netutil

import (
	"errors"
	"net"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		if got := IsPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestDialControl(t *testing.T) {
	guard := DialControl(false)
	if err := guard("tcp", "127.0.0.1:80", nil); err != nil {
		t.Errorf("loopback refused: %v", err)
	}
	if err := guard("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("public address refused: %v", err)
	}
	if err := guard("tcp", "10.0.0.5:80", nil); !errors.Is(err, ErrPrivateDestination) {
		t.Errorf("private address err = %v", err)
	}
	if err := DialControl(true)("tcp", "10.0.0.5:80", nil); err != nil {
		t.Errorf("allowPrivate still refused: %v", err)
	}
}
