package utils

import (
	"net"
	"testing"
)

func TestInitSkipsPCM(t *testing.T) {
	if err := Init("pcm", 16000, 1); err != nil {
		t.Fatalf("Init(pcm) error: %v", err)
	}
}

func TestGetLocalIP(t *testing.T) {
	ip := net.ParseIP(GetLocalIP())
	if ip == nil || ip.To4() == nil {
		t.Fatalf("GetLocalIP should return an IPv4 address, got %q", GetLocalIP())
	}
}
