// Package enforcement maps decisions to simulated enforcement actions and
// notifies downstream systems of the actions it applies.
package enforcement

import (
	"fmt"

	"nids-responder/internal/decision"
)

// Action is the enforcement action taken for a verdict.
type Action string

const (
	ActionNoop          Action = "noop"
	ActionAlert         Action = "alert"
	ActionRateLimit     Action = "rate_limit"
	ActionFirewallBlock Action = "firewall_block"
)

// actionTable has one entry per verdict.
var actionTable = map[decision.Verdict]Action{
	decision.Allow:         ActionNoop,
	decision.Monitor:       ActionNoop,
	decision.Alert:         ActionAlert,
	decision.RateLimit:     ActionRateLimit,
	decision.Block:         ActionFirewallBlock,
	decision.BlockEscalate: ActionFirewallBlock,
}

// ActionFor returns the action for a verdict. Unknown verdicts map to noop.
func ActionFor(v decision.Verdict) Action {
	if a, ok := actionTable[v]; ok {
		return a
	}
	return ActionNoop
}

// Backend selects the firewall syntax used to render simulated commands.
type Backend string

const (
	BackendIptables Backend = "iptables"
	BackendNftables Backend = "nftables"
)

// Command renders the firewall command that would apply the action. Noop
// and alert actions have no command.
func (b Backend) Command(action Action, address, rateLimit string) string {
	switch b {
	case BackendNftables:
		switch action {
		case ActionFirewallBlock:
			return fmt.Sprintf("nft add rule inet filter input ip saddr %s drop", address)
		case ActionRateLimit:
			return fmt.Sprintf("nft add rule inet filter input ip saddr %s limit rate over %s drop", address, rateLimit)
		}
	default:
		switch action {
		case ActionFirewallBlock:
			return fmt.Sprintf("iptables -A INPUT -s %s -j DROP", address)
		case ActionRateLimit:
			return fmt.Sprintf("iptables -A INPUT -s %s -m limit --limit %s -j ACCEPT", address, rateLimit)
		}
	}
	return ""
}
