package ifsyncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/vishvananda/netlink"
	apierrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/failsaferules"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
	intfs "github.com/openshift/cgroup-ifaces-firewall/pkg/interfaces"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/metrics"
)

var (
	once     sync.Once
	instance IfSyncer
	linkList = netlink.LinkList
)

// IfSyncer is the single writer of the interface table. Full reconciliations and incremental link events
// both go through it, so table updates never interleave.
type IfSyncer interface {
	Sync(ctx context.Context) error
	HandleLink(link netlink.Link, present bool) error
	Run(ctx context.Context, period time.Duration)
}

// Config describes which interfaces belong in the table.
type Config struct {
	Selector *intfs.Selector
	Mode     filter.Mode
	FailSafe bool
}

// GetIfSyncer allocates and returns a single instance of ifSyncer. If such an instance does not yet exist,
// it sets up a new one. It will do so only once. Then, it returns the instance.
func GetIfSyncer(log logr.Logger, table iftable.Table, cfg Config, mock IfSyncer) IfSyncer {
	once.Do(func() {
		// For mock tests, one can provide a custom instance.
		if mock == nil {
			instance = newIfSyncer(log, table, cfg)
		} else {
			instance = mock
		}
	})
	return instance
}

// ifSyncer implements IfSyncer.
type ifSyncer struct {
	log      logr.Logger
	table    iftable.Table
	selector *intfs.Selector
	// fail-safe interface names and the reason they stay in the table
	failSafe map[string]string
	mu       sync.Mutex
}

func newIfSyncer(log logr.Logger, table iftable.Table, cfg Config) *ifSyncer {
	failSafe := make(map[string]string)
	for _, f := range failsaferules.ForMode(cfg.Mode, cfg.FailSafe) {
		failSafe[f.GetInterfaceName()] = f.GetReason()
		log.Info("Keeping fail-safe interface in the table", "interface", f.GetInterfaceName(), "reason", f.GetReason())
	}
	return &ifSyncer{
		log:      log,
		table:    table,
		selector: cfg.Selector,
		failSafe: failSafe,
	}
}

// Sync reconciles the table with the links present on the host. Stale indices are purged before missing
// ones are added, so a full table gets room for the current selection first.
func (e *ifSyncer) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return e.sync()
}

func (e *ifSyncer) sync() error {
	logger := e.log.WithName("syncInterfaceTable")

	links, err := linkList()
	if err != nil {
		return fmt.Errorf("listing links: %w", err)
	}
	desired := e.desiredIndices(links)

	current, err := e.table.List()
	if err != nil {
		return fmt.Errorf("listing interface table: %w", err)
	}
	stale := getStaleKeys(current, desired)
	missing := sets.List(desired.Difference(sets.New[uint32](current...)))
	logger.Info("Running sync operation", "desired", desired.Len(), "stale", len(stale), "missing", len(missing))

	var errs []error
	if err := e.purgeKeys(stale); err != nil {
		errs = append(errs, err)
	}
	if err := e.addKeys(missing); err != nil {
		errs = append(errs, err)
	}
	return apierrors.NewAggregate(errs)
}

// HandleLink applies a single link event. Links that are bonds or bond members trigger a full resync, since
// membership is only known from the complete link list.
func (e *ifSyncer) HandleLink(link netlink.Link, present bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	attrs := link.Attrs()
	if link.Type() == "bond" || attrs.MasterIndex != 0 {
		return e.sync()
	}

	index := uint32(attrs.Index)
	if present && (e.selector.Matches(attrs.Name, index) || e.isFailSafe(attrs.Name)) {
		e.log.Info("Adding interface", "name", attrs.Name, "index", index)
		return e.addKeys([]uint32{index})
	}
	if sets.New[uint32](e.selector.StaticIndices()...).Has(index) {
		return nil
	}
	if e.table.Contains(index) {
		e.log.Info("Removing interface", "name", attrs.Name, "index", index, "present", present)
	}
	return e.purgeKeys([]uint32{index})
}

// Run resyncs the table every period until ctx is done.
func (e *ifSyncer) Run(ctx context.Context, period time.Duration) {
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := e.Sync(ctx); err != nil {
			e.log.Error(err, "Failed to sync interface table")
		}
	}, period)
}

func (e *ifSyncer) desiredIndices(links []netlink.Link) sets.Set[uint32] {
	desired := e.selector.SelectedIndices(links)
	for _, l := range links {
		if e.isFailSafe(l.Attrs().Name) {
			desired.Insert(uint32(l.Attrs().Index))
		}
	}
	return desired
}

func (e *ifSyncer) isFailSafe(name string) bool {
	_, ok := e.failSafe[name]
	return ok
}

// getStaleKeys returns the indices in the table that are no longer desired.
func getStaleKeys(current []uint32, desired sets.Set[uint32]) []uint32 {
	var stale []uint32
	for _, idx := range current {
		if !desired.Has(idx) {
			stale = append(stale, idx)
		}
	}
	return stale
}

func (e *ifSyncer) purgeKeys(keys []uint32) error {
	var errs []error
	for _, k := range keys {
		if err := e.table.Remove(k); err != nil {
			errs = append(errs, fmt.Errorf("removing interface index %d: %w", k, err))
		}
	}
	return apierrors.NewAggregate(errs)
}

func (e *ifSyncer) addKeys(keys []uint32) error {
	var errs []error
	for _, k := range keys {
		if err := e.table.Insert(k); err != nil {
			if errors.Is(err, iftable.ErrTableFull) {
				metrics.RecordInsertFailure()
			}
			errs = append(errs, err)
		}
	}
	return apierrors.NewAggregate(errs)
}
