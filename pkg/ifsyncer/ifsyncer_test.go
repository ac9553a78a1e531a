package ifsyncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr/funcr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/vishvananda/netlink"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
	intfs "github.com/openshift/cgroup-ifaces-firewall/pkg/interfaces"
)

func dummy(name string, index, master int) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index, MasterIndex: master}}
}

var _ = Describe("IfSyncer", func() {
	var (
		linksMu   sync.Mutex
		hostLinks []netlink.Link
		prevList  func() ([]netlink.Link, error)
		tbl       *iftable.MemTable
	)

	newSyncer := func(capacity int, mode filter.Mode, failSafe bool, names, patterns []string, indices []uint32) *ifSyncer {
		var err error
		tbl, err = iftable.NewMemTable(capacity)
		Expect(err).NotTo(HaveOccurred())
		sel, err := intfs.NewSelector(names, patterns, indices)
		Expect(err).NotTo(HaveOccurred())
		return newIfSyncer(zap.New(zap.UseDevMode(true)), tbl, Config{Selector: sel, Mode: mode, FailSafe: failSafe})
	}

	BeforeEach(func() {
		hostLinks = []netlink.Link{
			dummy("lo", 1, 0),
			dummy("eth0", 2, 0),
			dummy("cali0a1b", 5, 0),
			dummy("cali2c3d", 6, 0),
		}
		prevList = linkList
		linkList = func() ([]netlink.Link, error) {
			linksMu.Lock()
			defer linksMu.Unlock()
			return append([]netlink.Link(nil), hostLinks...), nil
		}
	})

	AfterEach(func() {
		linkList = prevList
	})

	It("inserts the selected links", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
		Expect(s.Sync(context.Background())).To(Succeed())
		Expect(tbl.List()).To(Equal([]uint32{5, 6}))
	})

	It("keeps loopback in allow-list mode when fail-safe is enabled", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeAllowList, true, []string{"eth0"}, nil, nil)
		Expect(s.Sync(context.Background())).To(Succeed())
		Expect(tbl.List()).To(Equal([]uint32{1, 2}))
	})

	It("logs why fail-safe interfaces are kept", func() {
		var lines []string
		log := funcr.New(func(prefix, args string) {
			lines = append(lines, args)
		}, funcr.Options{})
		sel, err := intfs.NewSelector([]string{"eth0"}, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		tbl, err = iftable.NewMemTable(iftable.MaxEntries)
		Expect(err).NotTo(HaveOccurred())

		newIfSyncer(log, tbl, Config{Selector: sel, Mode: filter.ModeDenyList, FailSafe: true})
		Expect(lines).To(BeEmpty())

		newIfSyncer(log, tbl, Config{Selector: sel, Mode: filter.ModeAllowList, FailSafe: true})
		Expect(lines).To(HaveLen(1))
		Expect(lines[0]).To(ContainSubstring(`"interface"="lo"`))
		Expect(lines[0]).To(ContainSubstring(`"reason"="Loopback"`))
	})

	It("does not add loopback when fail-safe is disabled", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeAllowList, false, []string{"eth0"}, nil, nil)
		Expect(s.Sync(context.Background())).To(Succeed())
		Expect(tbl.List()).To(Equal([]uint32{2}))
	})

	It("purges stale indices and keeps static ones", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, []uint32{42})
		Expect(tbl.Insert(9)).To(Succeed())
		Expect(s.Sync(context.Background())).To(Succeed())
		Expect(tbl.List()).To(Equal([]uint32{5, 6, 42}))

		hostLinks = hostLinks[:3]
		Expect(s.Sync(context.Background())).To(Succeed())
		Expect(tbl.List()).To(Equal([]uint32{5, 42}))
	})

	It("makes room for the current selection before inserting", func() {
		s := newSyncer(2, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
		Expect(tbl.Insert(100)).To(Succeed())
		Expect(tbl.Insert(101)).To(Succeed())
		Expect(s.Sync(context.Background())).To(Succeed())
		Expect(tbl.List()).To(Equal([]uint32{5, 6}))
	})

	It("reports a full table", func() {
		s := newSyncer(1, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
		err := s.Sync(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, iftable.ErrTableFull)).To(BeTrue())
		Expect(tbl.List()).To(Equal([]uint32{5}))
	})

	It("returns the link listing error", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
		linkList = func() ([]netlink.Link, error) { return nil, errors.New("netlink down") }
		Expect(s.Sync(context.Background())).To(MatchError(ContainSubstring("netlink down")))
	})

	It("does not sync with a cancelled context", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(s.Sync(ctx)).To(MatchError(context.Canceled))
		Expect(tbl.Len()).To(Equal(0))
	})

	Context("handling link events", func() {
		It("adds a new selected link and removes it when it goes away", func() {
			s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
			link := dummy("cali9f8e", 11, 0)
			Expect(s.HandleLink(link, true)).To(Succeed())
			Expect(tbl.Contains(11)).To(BeTrue())
			Expect(s.HandleLink(link, false)).To(Succeed())
			Expect(tbl.Contains(11)).To(BeFalse())
		})

		It("removes an index reused by a link that is not selected", func() {
			s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
			Expect(tbl.Insert(11)).To(Succeed())
			Expect(s.HandleLink(dummy("eth7", 11, 0), true)).To(Succeed())
			Expect(tbl.Contains(11)).To(BeFalse())
		})

		It("keeps static indices when their link goes away", func() {
			s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, nil, []uint32{11})
			Expect(s.HandleLink(dummy("eth7", 11, 0), true)).To(Succeed())
			Expect(s.HandleLink(dummy("eth7", 11, 0), false)).To(Succeed())
			Expect(tbl.Contains(11)).To(BeTrue())
		})

		It("resyncs when a bond member changes", func() {
			s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, []string{"bond0"}, nil, nil)
			bond := &netlink.Bond{LinkAttrs: netlink.LinkAttrs{Name: "bond0", Index: 20}}
			member := dummy("member0", 21, 20)
			hostLinks = append(hostLinks, bond, member)
			Expect(s.HandleLink(member, true)).To(Succeed())
			Expect(tbl.List()).To(Equal([]uint32{20, 21}))

			hostLinks = hostLinks[:len(hostLinks)-1]
			Expect(s.HandleLink(member, false)).To(Succeed())
			Expect(tbl.List()).To(Equal([]uint32{20}))
		})
	})

	It("resyncs periodically until the context is done", func() {
		s := newSyncer(iftable.MaxEntries, filter.ModeDenyList, true, nil, []string{"^cali"}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			s.Run(ctx, 10*time.Millisecond)
			close(done)
		}()
		Eventually(tbl.List).Should(Equal([]uint32{5, 6}))
		linksMu.Lock()
		hostLinks = []netlink.Link{dummy("cali0a1b", 5, 0)}
		linksMu.Unlock()
		Eventually(tbl.List).Should(Equal([]uint32{5}))
		cancel()
		Eventually(done).Should(BeClosed())
	})
})
