package decision

import (
	"fmt"
	"net/netip"
	"strings"

	"nids-responder/internal/schema"
)

// PolicyConfig holds operator overrides applied around the decision rules.
type PolicyConfig struct {
	Allowlist         []string `yaml:"allowlist"`
	Blocklist         []string `yaml:"blocklist"`
	AlwaysBlockLabels []string `yaml:"always_block_labels"`
}

// Policy names recorded on decisions.
const (
	PolicyHardBlock  = "hard_block"
	PolicyBlocklist  = "blocklist_override"
	PolicyAllowlist  = "allowlist_override"
	PolicyAttackType = "attack_type_override"
	PolicyThresholds = "thresholds"
	PolicyNoActivity = "no_activity"
)

// Policy is a compiled PolicyConfig. Entries may be single addresses or
// CIDR prefixes.
type Policy struct {
	allow  []netip.Prefix
	block  []netip.Prefix
	labels map[string]struct{}
}

// NewPolicy compiles cfg.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{labels: make(map[string]struct{})}

	var err error
	if p.allow, err = parsePrefixes(cfg.Allowlist); err != nil {
		return nil, fmt.Errorf("decision: allowlist: %w", err)
	}
	if p.block, err = parsePrefixes(cfg.Blocklist); err != nil {
		return nil, fmt.Errorf("decision: blocklist: %w", err)
	}
	for _, l := range cfg.AlwaysBlockLabels {
		if l = schema.NormalizeLabel(l); l != "" {
			p.labels[l] = struct{}{}
		}
	}
	return p, nil
}

// Allowed reports whether address is allowlisted.
func (p *Policy) Allowed(address string) bool {
	return p != nil && matchAny(p.allow, address)
}

// Blocklisted reports whether address is statically blocked.
func (p *Policy) Blocklisted(address string) bool {
	return p != nil && matchAny(p.block, address)
}

// AlwaysBlock returns the first label in labels that is always blocked.
func (p *Policy) AlwaysBlock(labels []string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, l := range labels {
		if _, ok := p.labels[schema.NormalizeLabel(l)]; ok {
			return l, true
		}
	}
	return "", false
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			pfx, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func matchAny(prefixes []netip.Prefix, address string) bool {
	if len(prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
