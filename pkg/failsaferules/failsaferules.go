package failsaferules

import "github.com/openshift/cgroup-ifaces-firewall/pkg/filter"

// FailSafeInterface is an interface that stays reachable in allow-list mode so a service confined to its
// cgroup does not lose local connectivity.
type FailSafeInterface struct {
	interfaceName string
	reason        string
}

var allowList = []FailSafeInterface{
	{
		"lo",
		"Loopback",
	},
}

// GetAllowList returns the interfaces kept in the table in allow-list mode.
func GetAllowList() []FailSafeInterface {
	return allowList
}

// ForMode returns the fail-safe interfaces that apply to the given mode. Deny-list mode never needs any,
// since an empty deny list already passes everything.
func ForMode(mode filter.Mode, enabled bool) []FailSafeInterface {
	if !enabled || !mode.IsAllowList() {
		return nil
	}
	return GetAllowList()
}

func (f FailSafeInterface) GetInterfaceName() string {
	return f.interfaceName
}

func (f FailSafeInterface) GetReason() string {
	return f.reason
}
