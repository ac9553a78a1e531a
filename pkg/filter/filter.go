// Package filter implements the per-packet decision of the cgroup interface firewall.
//
// A Filter answers PASS or DROP for a packet from the interface index it carries, the membership
// table and the mode it was built with. The same evaluation backs the egress and the ingress hook;
// the hooks only differ in when they are invoked. The kernel programs generated by pkg/ebpf encode
// exactly this decision.
package filter

import (
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

// Packet is the per-invocation context handed to a hook. InterfaceIndex returns false when the context
// is malformed or carries no interface.
type Packet interface {
	InterfaceIndex() (uint32, bool)
}

// SkBuff is the minimal packet context: the interface index relevant for the traffic direction.
type SkBuff struct {
	Ifindex uint32
}

// InterfaceIndex implements Packet. A nil context has no interface.
func (s *SkBuff) InterfaceIndex() (uint32, bool) {
	if s == nil {
		return 0, false
	}
	return s.Ifindex, true
}

// Decide looks ifindex up in table and maps the result through mode. table must not be nil.
func Decide(table iftable.Reader, mode Mode, ifindex uint32) Verdict {
	return verdictFor(mode, table.Contains(ifindex))
}

// verdictFor is the whole policy: allow-list passes members, deny-list passes non-members.
func verdictFor(mode Mode, found bool) Verdict {
	if found == mode.IsAllowList() {
		return Pass
	}
	return Drop
}

// Filter binds a membership table to a mode. It never mutates the table.
type Filter struct {
	table iftable.Reader
	mode  Mode
}

// New returns a Filter reading from table. The mode cannot change for the lifetime of the Filter. A nil
// table is evaluated as an empty one.
func New(table iftable.Reader, mode Mode) *Filter {
	if table == nil {
		table = emptyTable{}
	}
	return &Filter{table: table, mode: mode}
}

type emptyTable struct{}

func (emptyTable) Contains(uint32) bool { return false }

// Mode returns the mode the filter was built with.
func (f *Filter) Mode() Mode {
	return f.mode
}

// Egress evaluates an outbound packet.
func (f *Filter) Egress(pkt Packet) Verdict {
	return f.evaluate(pkt)
}

// Ingress evaluates an inbound packet.
func (f *Filter) Ingress(pkt Packet) Verdict {
	return f.evaluate(pkt)
}

// Hook returns the entry point for dir.
func (f *Filter) Hook(dir Direction) func(Packet) Verdict {
	if dir == Ingress {
		return f.Ingress
	}
	return f.Egress
}

func (f *Filter) evaluate(pkt Packet) Verdict {
	if pkt == nil {
		return verdictFor(f.mode, false)
	}
	ifindex, ok := pkt.InterfaceIndex()
	if !ok {
		return verdictFor(f.mode, false)
	}
	return Decide(f.table, f.mode, ifindex)
}
