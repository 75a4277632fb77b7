// Package hostinfo describes the local device: the display name it
// advertises and the addresses peers can reach it on.
package hostinfo

import (
	"net"
	"net/netip"
	"os"
	"runtime"
	"slices"
	"strings"
)

// DefaultName is used when neither a configured name nor a host name is
// available.
const DefaultName = "Default Name"

// Info holds the device description served by the control API.
type Info struct {
	DeviceName string   `json:"device_name"`
	Hostname   string   `json:"hostname"`
	Addresses  []string `json:"addresses"`
	OS         string   `json:"os"`
	Arch       string   `json:"arch"`
}

// Get returns the device description. configured overrides the host name
// as the display name.
func Get(configured string) Info {
	return get(configured, os.Hostname)
}

// get leaves Hostname empty when the host name cannot be read.
func get(configured string, hostname func() (string, error)) Info {
	host, err := hostname()
	if err != nil {
		host = ""
	}
	addrs := IPv4Addresses()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return Info{
		DeviceName: displayName(configured, hostname),
		Hostname:   host,
		Addresses:  out,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}

// DisplayName returns configured when set, otherwise the host name
// without any ".local" suffix, otherwise DefaultName.
func DisplayName(configured string) string {
	return displayName(configured, os.Hostname)
}

func displayName(configured string, hostname func() (string, error)) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	h, err := hostname()
	if err != nil {
		return DefaultName
	}
	h = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(h), "."), ".local")
	if h == "" {
		return DefaultName
	}
	return h
}

// IPv4Addresses lists the non-loopback IPv4 addresses of interfaces that
// are up, in interface order.
func IPv4Addresses() []netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, ipv4From(addrs)...)
	}
	return out
}

func ipv4From(addrs []net.Addr) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP.To4())
		if ok && !slices.Contains(out, ip) {
			out = append(out, ip)
		}
	}
	return out
}
