package discovery

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"sort"
	"strings"
)

// maxInstanceNameLength is the DNS label limit for the instance part.
const maxInstanceNameLength = 63

// GenerateInstanceName returns a random instance name of the form
// "coap-<12 hex digits>".
func GenerateInstanceName() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "coap-" + strings.ToUpper(hex.EncodeToString(buf[:])), nil
}

// ValidateInstanceName checks that name fits in a single DNS label.
func ValidateInstanceName(name string) error {
	if name == "" || len(name) > maxInstanceNameLength {
		return ErrInvalidInstanceName
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] == 0x7f {
			return ErrInvalidInstanceName
		}
	}
	return nil
}

// SortIPsByPreference sorts IP addresses by reachability.
// Priority order (highest to lowest):
//  1. Global unicast IPv6
//  2. Unique Local Addresses (fc00::/7)
//  3. IPv4
//  4. Link-local IPv6 (fe80::/10), which needs a zone the browser does not learn
//  5. Loopback, then anything else
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip16 := ip.To16()
	if ip16 == nil {
		return 99
	}

	if ip4 := ip16.To4(); ip4 != nil {
		if ip4.IsLoopback() {
			return 80
		}
		if ip4.IsLinkLocalUnicast() {
			return 40
		}
		return 20
	}

	switch {
	case isUniqueLocal(ip16):
		return 1
	case ip16.IsGlobalUnicast():
		return 0
	case ip16.IsLinkLocalUnicast():
		return 30
	case ip16.IsLoopback():
		return 80
	case ip16.IsMulticast():
		return 90
	}
	return 10
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address (fc00::/7).
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil || ip.To4() != nil {
		return false
	}
	return ip[0]&0xfe == 0xfc
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}
