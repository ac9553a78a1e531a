// Package policy loads the YAML description of which interfaces the filter tracks.
package policy

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
	intfs "github.com/openshift/cgroup-ifaces-firewall/pkg/interfaces"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/utils"
)

// DefaultPattern selects the Calico workload and overlay interfaces.
const DefaultPattern = `^vxlan\.calico$|^cali`

// Policy selects the interfaces placed in the interface table and the mode the filter runs in.
type Policy struct {
	// Mode is "allow" or "deny".
	Mode string `json:"mode"`
	// Interfaces are exact interface names.
	Interfaces []string `json:"interfaces,omitempty"`
	// Patterns are regular expressions matched against interface names.
	Patterns []string `json:"patterns,omitempty"`
	// Indices are static interface indices or ranges such as "10-12".
	Indices []string `json:"indices,omitempty"`
	// FailSafe keeps loopback reachable in allow mode. Defaults to true.
	FailSafe *bool `json:"failSafe,omitempty"`
	// MaxEntries is the capacity of the interface table.
	MaxEntries uint32 `json:"maxEntries,omitempty"`
}

// Default denies traffic through Calico interfaces and passes everything else.
func Default() *Policy {
	p := &Policy{
		Mode:     filter.ModeDenyList.String(),
		Patterns: []string{DefaultPattern},
	}
	p.setDefaults()
	return p
}

// Load reads and validates a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read policy %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid policy %s", path)
	}
	return p, nil
}

// Parse decodes and validates a policy. Unknown fields are rejected.
func Parse(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, errors.Wrap(err, "could not decode policy")
	}
	p.setDefaults()
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) setDefaults() {
	if p.FailSafe == nil {
		enabled := true
		p.FailSafe = &enabled
	}
	if p.MaxEntries == 0 {
		p.MaxEntries = iftable.MaxEntries
	}
}

// FilterMode returns the parsed mode. The policy must have been validated.
func (p *Policy) FilterMode() filter.Mode {
	mode, _ := filter.ParseMode(p.Mode)
	return mode
}

// FailSafeEnabled reports whether fail-safe interfaces are kept in the table.
func (p *Policy) FailSafeEnabled() bool {
	return p.FailSafe == nil || *p.FailSafe
}

// Selector builds the interface selector described by the policy.
func (p *Policy) Selector() (*intfs.Selector, error) {
	indices, err := utils.ExpandIndices(p.Indices)
	if err != nil {
		return nil, err
	}
	return intfs.NewSelector(p.Interfaces, p.Patterns, indices)
}
