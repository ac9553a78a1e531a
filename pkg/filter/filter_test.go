package filter

import (
	"sync"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

func tableWith(indices ...uint32) *iftable.MemTable {
	tbl, err := iftable.NewMemTable(iftable.MaxEntries)
	Expect(err).NotTo(HaveOccurred())
	for _, idx := range indices {
		Expect(tbl.Insert(idx)).To(Succeed())
	}
	return tbl
}

// brokenPacket is a context that cannot provide an interface index.
type brokenPacket struct{}

func (brokenPacket) InterfaceIndex() (uint32, bool) { return 0, false }

var _ = Describe("Decide", func() {
	members := []uint32{2, 5}
	indices := []uint32{0, 1, 2, 3, 5, 7, 4096, 1 << 31, ^uint32(0)}

	It("passes exactly the table members in allow-list mode", func() {
		tbl := tableWith(members...)
		for _, idx := range indices {
			expected := Drop
			if tbl.Contains(idx) {
				expected = Pass
			}
			Expect(Decide(tbl, ModeAllowList, idx)).To(Equal(expected), "index %d", idx)
		}
	})

	It("passes exactly the non-members in deny-list mode", func() {
		tbl := tableWith(members...)
		for _, idx := range indices {
			expected := Pass
			if tbl.Contains(idx) {
				expected = Drop
			}
			Expect(Decide(tbl, ModeDenyList, idx)).To(Equal(expected), "index %d", idx)
		}
	})

	It("inverts every verdict when the mode is switched", func() {
		for _, tbl := range []*iftable.MemTable{tableWith(), tableWith(members...), tableWith(indices...)} {
			for _, idx := range indices {
				Expect(Decide(tbl, ModeAllowList, idx)).NotTo(Equal(Decide(tbl, ModeDenyList, idx)), "index %d", idx)
			}
		}
	})

	It("returns the same verdict for repeated lookups", func() {
		tbl := tableWith(members...)
		for _, mode := range []Mode{ModeAllowList, ModeDenyList} {
			for _, idx := range indices {
				first := Decide(tbl, mode, idx)
				for i := 0; i < 10; i++ {
					Expect(Decide(tbl, mode, idx)).To(Equal(first))
				}
			}
		}
	})

	It("does not mutate the table", func() {
		tbl := tableWith(members...)
		before, _ := tbl.List()
		for _, idx := range indices {
			Decide(tbl, ModeAllowList, idx)
			Decide(tbl, ModeDenyList, idx)
		}
		Expect(tbl.List()).To(Equal(before))
	})

	table.DescribeTable("scenarios",
		func(members []uint32, mode Mode, idx uint32, expected Verdict) {
			Expect(Decide(tableWith(members...), mode, idx)).To(Equal(expected))
		},
		table.Entry("empty table, allow-list, index 3", nil, ModeAllowList, uint32(3), Drop),
		table.Entry("{2,5}, allow-list, index 5", []uint32{2, 5}, ModeAllowList, uint32(5), Pass),
		table.Entry("{2,5}, allow-list, index 7", []uint32{2, 5}, ModeAllowList, uint32(7), Drop),
		table.Entry("{2,5}, deny-list, index 5", []uint32{2, 5}, ModeDenyList, uint32(5), Drop),
		table.Entry("{2,5}, deny-list, index 7", []uint32{2, 5}, ModeDenyList, uint32(7), Pass),
	)

	It("passes a removed index in deny-list mode", func() {
		tbl := tableWith(2, 5)
		Expect(Decide(tbl, ModeDenyList, 5)).To(Equal(Drop))
		Expect(tbl.Remove(5)).To(Succeed())
		Expect(Decide(tbl, ModeDenyList, 5)).To(Equal(Pass))
		Expect(Decide(tbl, ModeDenyList, 2)).To(Equal(Drop))
	})
})

var _ = Describe("Filter hooks", func() {
	It("agrees between egress and ingress for the same index and table", func() {
		tbl := tableWith(2, 5)
		for _, mode := range []Mode{ModeAllowList, ModeDenyList} {
			f := New(tbl, mode)
			for idx := uint32(0); idx < 10; idx++ {
				pkt := &SkBuff{Ifindex: idx}
				Expect(f.Egress(pkt)).To(Equal(f.Ingress(pkt)), "mode %s index %d", mode, idx)
				Expect(f.Hook(Egress)(pkt)).To(Equal(Decide(tbl, mode, idx)))
				Expect(f.Hook(Ingress)(pkt)).To(Equal(Decide(tbl, mode, idx)))
			}
		}
	})

	It("treats a malformed context as an index absent from the table", func() {
		tbl := tableWith(0, 2, 5)
		var nilSkb *SkBuff
		for _, pkt := range []Packet{nil, nilSkb, brokenPacket{}} {
			Expect(New(tbl, ModeAllowList).Egress(pkt)).To(Equal(Drop))
			Expect(New(tbl, ModeAllowList).Ingress(pkt)).To(Equal(Drop))
			Expect(New(tbl, ModeDenyList).Egress(pkt)).To(Equal(Pass))
			Expect(New(tbl, ModeDenyList).Ingress(pkt)).To(Equal(Pass))
		}
	})

	It("evaluates a missing table as an empty one", func() {
		for idx := uint32(0); idx < 10; idx++ {
			pkt := &SkBuff{Ifindex: idx}
			Expect(New(nil, ModeAllowList).Egress(pkt)).To(Equal(Drop))
			Expect(New(nil, ModeAllowList).Ingress(pkt)).To(Equal(Drop))
			Expect(New(nil, ModeDenyList).Egress(pkt)).To(Equal(Pass))
			Expect(New(nil, ModeDenyList).Ingress(pkt)).To(Equal(Pass))
		}
	})

	It("keeps its mode", func() {
		Expect(New(tableWith(), ModeFromAllowList(true)).Mode()).To(Equal(ModeAllowList))
		Expect(New(tableWith(), ModeFromAllowList(false)).Mode()).To(Equal(ModeDenyList))
	})

	It("evaluates concurrently while the table is being written", func() {
		tbl := tableWith(2)
		f := New(tbl, ModeAllowList)

		var wg sync.WaitGroup
		stop := make(chan struct{})
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					Expect(f.Egress(&SkBuff{Ifindex: 2})).To(Equal(Pass))
					v := f.Ingress(&SkBuff{Ifindex: 9})
					Expect(v == Pass || v == Drop).To(BeTrue())
				}
			}()
		}
		for i := 0; i < 500; i++ {
			Expect(tbl.Insert(9)).To(Succeed())
			Expect(tbl.Remove(9)).To(Succeed())
		}
		close(stop)
		wg.Wait()
	})
})

var _ = Describe("ParseMode", func() {
	table.DescribeTable("accepted spellings",
		func(in string, expected Mode) {
			Expect(ParseMode(in)).To(Equal(expected))
		},
		table.Entry("allow", "allow", ModeAllowList),
		table.Entry("allowlist", "AllowList", ModeAllowList),
		table.Entry("allow-list", " allow-list ", ModeAllowList),
		table.Entry("deny", "deny", ModeDenyList),
		table.Entry("denylist", "DENYLIST", ModeDenyList),
	)

	It("rejects anything else", func() {
		_, err := ParseMode("block-all")
		Expect(err).To(HaveOccurred())
	})

	It("round trips through String", func() {
		for _, m := range []Mode{ModeAllowList, ModeDenyList} {
			Expect(ParseMode(m.String())).To(Equal(m))
		}
	})
})
