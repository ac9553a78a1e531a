package ifacefwloader

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	apierrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

const (
	tableMapName       = "ifaces_map"
	modeMapName        = "ifaces_mode"
	egressProgramName  = "restrict_ifaces_egress"
	ingressProgramName = "restrict_ifaces_ingress"
	programLicense     = "Apache-2.0"

	// skbIfindexOffset is offsetof(struct __sk_buff, ifindex).
	skbIfindexOffset = 40
	missLabel        = "ifindex_miss"
)

// bpfObjects mirrors the layout bpf2go would generate for the collection below.
type bpfObjects struct {
	IfacesMap             *ebpf.Map     `ebpf:"ifaces_map"`
	IfacesMode            *ebpf.Map     `ebpf:"ifaces_mode"`
	RestrictIfacesEgress  *ebpf.Program `ebpf:"restrict_ifaces_egress"`
	RestrictIfacesIngress *ebpf.Program `ebpf:"restrict_ifaces_ingress"`
}

func (o *bpfObjects) Close() error {
	var errs []error
	for _, p := range []*ebpf.Program{o.RestrictIfacesEgress, o.RestrictIfacesIngress} {
		if p != nil {
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, m := range []*ebpf.Map{o.IfacesMap, o.IfacesMode} {
		if m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return apierrors.NewAggregate(errs)
}

// BuildInstructions generates the cgroup_skb decision program: look the packet's interface index up in
// ifaces_map and return 1 (pass) or 0 (drop) according to mode. The mode is an immediate, so it cannot
// change once the program is loaded.
func BuildInstructions(mode filter.Mode) asm.Instructions {
	hit, miss := int32(filter.Drop), int32(filter.Pass)
	if mode.IsAllowList() {
		hit, miss = int32(filter.Pass), int32(filter.Drop)
	}

	return asm.Instructions{
		// r6 = skb->ifindex; *(u32 *)(fp - 4) = r6
		asm.LoadMem(asm.R6, asm.R1, skbIfindexOffset, asm.Word),
		asm.StoreMem(asm.RFP, -4, asm.R6, asm.Word),
		// r0 = bpf_map_lookup_elem(&ifaces_map, fp - 4)
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, 0).WithReference(tableMapName),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, missLabel),
		asm.Mov.Imm(asm.R0, hit),
		asm.Return(),
		asm.Mov.Imm(asm.R0, miss).WithSymbol(missLabel),
		asm.Return(),
	}
}

func programSpec(name string, attach ebpf.AttachType, mode filter.Mode) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:         name,
		Type:         ebpf.CGroupSKB,
		AttachType:   attach,
		Instructions: BuildInstructions(mode),
		License:      programLicense,
	}
}

// newCollectionSpec describes both maps and the two direction programs. Both programs share one
// instruction stream; only the attach type differs.
func newCollectionSpec(mode filter.Mode, maxEntries uint32) *ebpf.CollectionSpec {
	if maxEntries == 0 {
		maxEntries = iftable.MaxEntries
	}
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			tableMapName: {
				Name:       tableMapName,
				Type:       ebpf.Hash,
				KeySize:    4,
				ValueSize:  1,
				MaxEntries: maxEntries,
				Pinning:    ebpf.PinByName,
			},
			modeMapName: {
				Name:       modeMapName,
				Type:       ebpf.Array,
				KeySize:    4,
				ValueSize:  1,
				MaxEntries: 1,
				Pinning:    ebpf.PinByName,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			egressProgramName:  programSpec(egressProgramName, ebpf.AttachCGroupInetEgress, mode),
			ingressProgramName: programSpec(ingressProgramName, ebpf.AttachCGroupInetIngress, mode),
		},
	}
}
