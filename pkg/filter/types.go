package filter

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of one evaluation. The values match the cgroup_skb program return codes.
type Verdict uint8

const (
	// Drop discards the packet.
	Drop Verdict = 0
	// Pass lets the packet proceed.
	Pass Verdict = 1
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "DROP"
	case Pass:
		return "PASS"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// Mode selects how table membership is interpreted. It is fixed when a Filter is built.
type Mode uint8

const (
	// ModeDenyList passes every interface except the listed ones.
	ModeDenyList Mode = 0
	// ModeAllowList passes only the listed interfaces.
	ModeAllowList Mode = 1
)

// ModeFromAllowList maps the boolean load-time flag to a Mode.
func ModeFromAllowList(allow bool) Mode {
	if allow {
		return ModeAllowList
	}
	return ModeDenyList
}

// IsAllowList reports whether m is the allow-list mode.
func (m Mode) IsAllowList() bool {
	return m == ModeAllowList
}

func (m Mode) String() string {
	switch m {
	case ModeDenyList:
		return "deny"
	case ModeAllowList:
		return "allow"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseMode parses "allow"/"allowlist"/"allow-list" and the deny equivalents.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "allowlist", "allow-list":
		return ModeAllowList, nil
	case "deny", "denylist", "deny-list":
		return ModeDenyList, nil
	default:
		return ModeDenyList, fmt.Errorf("invalid mode %q, expected allow or deny", s)
	}
}

// Direction names the traffic hook a packet was seen on.
type Direction uint8

const (
	Egress Direction = iota
	Ingress
)

func (d Direction) String() string {
	switch d {
	case Egress:
		return "egress"
	case Ingress:
		return "ingress"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}
