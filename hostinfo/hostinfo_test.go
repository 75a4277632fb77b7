package hostinfo

import (
	"errors"
	"net"
	"net/netip"
	"testing"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		hostname   string
		err        error
		want       string
	}{
		{"configured wins", " Studio ", "box", nil, "Studio"},
		{"host name", "", "box", nil, "box"},
		{"local suffix", "", "Johns-MacBook.local.", nil, "Johns-MacBook"},
		{"host name error", "", "", errors.New("no name"), DefaultName},
		{"empty host name", "", "  ", nil, DefaultName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := displayName(tt.configured, func() (string, error) { return tt.hostname, tt.err })
			if got != tt.want {
				t.Errorf("displayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPv4From(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.IPv4(192, 168, 1, 20), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.IPv4(192, 168, 1, 20), Mask: net.CIDRMask(24, 32)},
		&net.IPAddr{IP: net.IPv4(10, 0, 0, 1)},
	}
	got := ipv4From(addrs)
	want := []netip.Addr{netip.MustParseAddr("192.168.1.20")}
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("ipv4From() = %v, want %v", got, want)
	}
}

func TestGet(t *testing.T) {
	info := Get("Configured")
	if info.DeviceName != "Configured" || info.OS == "" || info.Arch == "" {
		t.Errorf("Get() = %+v", info)
	}
}

func TestGetWithoutHostname(t *testing.T) {
	info := get("", func() (string, error) { return "", errors.New("no uts namespace") })
	if info.Hostname != "" {
		t.Errorf("Hostname = %q, want empty", info.Hostname)
	}
	if info.DeviceName != DefaultName {
		t.Errorf("DeviceName = %q, want %q", info.DeviceName, DefaultName)
	}
}
