package cmd

import (
	"fmt"
	"log/slog"

	"github.com/lanfence/lanfence/internal/config"
	"github.com/lanfence/lanfence/internal/policy"
	"github.com/lanfence/lanfence/internal/rules"
	"github.com/lanfence/lanfence/internal/state"
)

// buildEnforcementStack turns the raw configuration into the validated policy,
// the rule manager, and the state store shared by the watch and sweep
// commands.
func buildEnforcementStack(cfg config.Config, logger *slog.Logger) (policy.Policy, *rules.Manager, *state.Store, error) {
	ports, err := policy.ParsePorts(cfg.DNSPorts)
	if err != nil {
		return policy.Policy{}, nil, nil, err
	}

	pol, err := policy.Parse(cfg.Label, policy.SplitList(cfg.DenyCIDRs), cfg.DNSAddr, ports)
	if err != nil {
		return policy.Policy{}, nil, nil, fmt.Errorf("invalid policy: %w", err)
	}

	backend, err := rules.NewBackend()
	if err != nil {
		return policy.Policy{}, nil, nil, err
	}

	denyCIDRs := make([]string, 0, len(pol.DenyCIDRs))
	for _, prefix := range pol.DenyCIDRs {
		denyCIDRs = append(denyCIDRs, prefix.String())
	}

	manager, err := rules.NewManager(backend, rules.Config{
		Chain:     cfg.Chain,
		DNSAddr:   pol.DNSAddr.String(),
		DNSPorts:  pol.DNSPorts,
		Protocols: pol.Protocols(),
		DenyCIDRs: denyCIDRs,
	}, logger)
	if err != nil {
		return policy.Policy{}, nil, nil, fmt.Errorf("create rule manager: %w", err)
	}

	store, err := state.NewStore(cfg.StateDir, logger)
	if err != nil {
		return policy.Policy{}, nil, nil, err
	}

	return pol, manager, store, nil
}
