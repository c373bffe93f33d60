package rules

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

// Backend is the minimal packet-filter surface the manager needs. It is the
// set of idempotent primitives go-iptables provides; tests substitute a
// recording fake.
type Backend interface {
	Exists(table string, chain string, rulespec ...string) (bool, error)
	Insert(table string, chain string, pos int, rulespec ...string) error
	Append(table string, chain string, rulespec ...string) error
	DeleteIfExists(table string, chain string, rulespec ...string) error
	ChainExists(table string, chain string) (bool, error)
}

// NewBackend constructs a Backend talking to the host's IPv4 iptables.
func NewBackend() (Backend, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("initialize iptables: %w", err)
	}
	return ipt, nil
}
