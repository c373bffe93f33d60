// Package policy defines the immutable network policy a watcher run enforces:
// which containers are subject to it (marker label), which destination ranges
// are denied, and which DNS resolver traffic stays allowed.
package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Policy is the validated, immutable configuration for one watcher run.
type Policy struct {
	// Label marks containers subject to enforcement. It may be a bare key
	// ("lanfence.sandbox") or a key=value pair.
	Label string

	// DenyCIDRs are the destination ranges matching containers must not reach.
	DenyCIDRs []netip.Prefix

	// DNSAddr is the resolver matching containers may always reach.
	DNSAddr netip.Addr

	// DNSPorts are the resolver ports allowed for both udp and tcp.
	DNSPorts []uint16
}

// Protocols returns the transport protocols DNS allow entries cover. DNS uses
// udp for ordinary queries and falls back to tcp for large responses, so both
// are always allowed.
func (p Policy) Protocols() []string {
	return []string{"udp", "tcp"}
}

// Parse validates the raw configuration values and builds a Policy.
func Parse(label string, denyCIDRs []string, dnsAddr string, dnsPorts []uint16) (Policy, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return Policy{}, fmt.Errorf("marker label cannot be empty")
	}

	if len(denyCIDRs) == 0 {
		return Policy{}, fmt.Errorf("deny list cannot be empty")
	}

	prefixes := make([]netip.Prefix, 0, len(denyCIDRs))
	for _, raw := range denyCIDRs {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return Policy{}, fmt.Errorf("parse deny cidr %q: %w", trimmed, err)
		}
		if !prefix.Addr().Is4() {
			return Policy{}, fmt.Errorf("deny cidr %q: only IPv4 ranges are supported", trimmed)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	if len(prefixes) == 0 {
		return Policy{}, fmt.Errorf("deny list cannot be empty")
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(dnsAddr))
	if err != nil {
		return Policy{}, fmt.Errorf("parse dns address %q: %w", dnsAddr, err)
	}
	if !addr.Is4() {
		return Policy{}, fmt.Errorf("dns address %q: only IPv4 is supported", dnsAddr)
	}
	if !addr.IsGlobalUnicast() && !addr.IsPrivate() && !addr.IsLoopback() {
		return Policy{}, fmt.Errorf("dns address %q is not a unicast address", dnsAddr)
	}

	if len(dnsPorts) == 0 {
		return Policy{}, fmt.Errorf("at least one dns port is required")
	}
	ports := make([]uint16, 0, len(dnsPorts))
	seen := make(map[uint16]bool, len(dnsPorts))
	for _, port := range dnsPorts {
		if port == 0 {
			return Policy{}, fmt.Errorf("dns port cannot be zero")
		}
		if seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}

	return Policy{
		Label:     label,
		DenyCIDRs: prefixes,
		DNSAddr:   addr,
		DNSPorts:  ports,
	}, nil
}

// ParsePorts converts a comma-separated port list into the numeric form Parse
// expects.
func ParsePorts(raw string) ([]uint16, error) {
	var ports []uint16
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		port, err := strconv.ParseUint(trimmed, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("invalid dns port %q", trimmed)
		}
		ports = append(ports, uint16(port))
	}
	return ports, nil
}

// SplitList splits a comma-separated configuration value, dropping empty
// elements.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
