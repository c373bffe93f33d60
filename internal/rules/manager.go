// Package rules installs and removes the per-container packet-filter entries
// that enforce the network policy: DNS-allow entries ahead of CIDR-deny
// entries, keyed by the container's source IP.
//
// Ordering rule: allow entries are inserted at the head of the chain, deny
// entries are appended at the tail. The chain is first-match-wins, so every
// allow for an IP is evaluated before any deny for that IP regardless of how
// many containers' entries interleave.
package rules

import (
	"fmt"
	"log/slog"
	"strconv"
)

const filterTable = "filter"

// Manager applies and removes the RuleSet for one IP. Callers serialize
// Apply/Remove; the chain is shared host state and insert position matters.
type Manager struct {
	backend Backend
	chain   string
	dnsAddr string
	allow   []allowEntry
	deny    []string
	logger  *slog.Logger
}

type allowEntry struct {
	proto string
	port  string
}

// Config carries the policy-derived inputs for a Manager.
type Config struct {
	Chain     string
	DNSAddr   string
	DNSPorts  []uint16
	Protocols []string
	DenyCIDRs []string
}

// NewManager builds a Manager for the given chain and policy.
func NewManager(backend Backend, cfg Config, logger *slog.Logger) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Chain == "" {
		return nil, fmt.Errorf("chain name is required")
	}
	if cfg.DNSAddr == "" {
		return nil, fmt.Errorf("dns address is required")
	}
	if len(cfg.DNSPorts) == 0 {
		return nil, fmt.Errorf("at least one dns port is required")
	}
	if len(cfg.DenyCIDRs) == 0 {
		return nil, fmt.Errorf("deny list is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	protocols := cfg.Protocols
	if len(protocols) == 0 {
		protocols = []string{"udp", "tcp"}
	}

	var allow []allowEntry
	for _, proto := range protocols {
		for _, port := range cfg.DNSPorts {
			allow = append(allow, allowEntry{proto: proto, port: strconv.Itoa(int(port))})
		}
	}

	return &Manager{
		backend: backend,
		chain:   cfg.Chain,
		dnsAddr: cfg.DNSAddr,
		allow:   allow,
		deny:    append([]string(nil), cfg.DenyCIDRs...),
		logger:  logger,
	}, nil
}

// VerifyChain reports whether the configured chain exists in the filter table.
func (m *Manager) VerifyChain() (bool, error) {
	return m.backend.ChainExists(filterTable, m.chain)
}

// Apply installs the full RuleSet for ip: one allow entry per (protocol, DNS
// port) pair at the head of the chain, then one deny entry per CIDR at the
// tail. Entries that already exist are left in place.
func (m *Manager) Apply(ip string) error {
	for _, entry := range m.allowSpecs(ip) {
		exists, err := m.backend.Exists(filterTable, m.chain, entry...)
		if err != nil {
			return fmt.Errorf("check allow entry for %s: %w", ip, err)
		}
		if exists {
			m.logger.Debug("allow entry already present", slog.String("ip", ip), slog.Any("rule", entry))
			continue
		}
		if err := m.backend.Insert(filterTable, m.chain, 1, entry...); err != nil {
			return fmt.Errorf("insert allow entry for %s: %w", ip, err)
		}
		m.logger.Info("installed dns allow entry", slog.String("ip", ip), slog.String("chain", m.chain), slog.Any("rule", entry))
	}

	for _, entry := range m.denySpecs(ip) {
		exists, err := m.backend.Exists(filterTable, m.chain, entry...)
		if err != nil {
			return fmt.Errorf("check deny entry for %s: %w", ip, err)
		}
		if exists {
			m.logger.Debug("deny entry already present", slog.String("ip", ip), slog.Any("rule", entry))
			continue
		}
		if err := m.backend.Append(filterTable, m.chain, entry...); err != nil {
			return fmt.Errorf("append deny entry for %s: %w", ip, err)
		}
		m.logger.Info("installed deny entry", slog.String("ip", ip), slog.String("chain", m.chain), slog.Any("rule", entry))
	}

	return nil
}

// Remove deletes every entry Apply would have installed for ip. Entries that
// are already gone are success.
func (m *Manager) Remove(ip string) error {
	specs := append(m.allowSpecs(ip), m.denySpecs(ip)...)
	for _, entry := range specs {
		if err := m.backend.DeleteIfExists(filterTable, m.chain, entry...); err != nil {
			return fmt.Errorf("delete entry for %s: %w", ip, err)
		}
	}
	m.logger.Info("removed rule set", slog.String("ip", ip), slog.String("chain", m.chain), slog.Int("entries", len(specs)))
	return nil
}

func (m *Manager) allowSpecs(ip string) [][]string {
	specs := make([][]string, 0, len(m.allow))
	for _, entry := range m.allow {
		specs = append(specs, []string{
			"-s", ip,
			"-d", m.dnsAddr,
			"-p", entry.proto,
			"--dport", entry.port,
			"-j", "ACCEPT",
		})
	}
	return specs
}

func (m *Manager) denySpecs(ip string) [][]string {
	specs := make([][]string, 0, len(m.deny))
	for _, cidr := range m.deny {
		specs = append(specs, []string{
			"-s", ip,
			"-d", cidr,
			"-j", "REJECT",
			"--reject-with", "icmp-port-unreachable",
		})
	}
	return specs
}
