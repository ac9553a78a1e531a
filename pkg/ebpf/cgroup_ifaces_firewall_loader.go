package ifacefwloader

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/kennygrant/sanitize"
	apierrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

const (
	// DefaultPinPath is where maps and links are pinned when Options.PinPath is empty.
	DefaultPinPath = "/sys/fs/bpf/cgroup_ifaces_firewall"
	egressSuffix   = "_egress_link"
	ingressSuffix  = "_ingress_link"
)

var (
	// ErrNotAttached is returned when detaching a cgroup that is not managed by the controller.
	ErrNotAttached = errors.New("cgroup is not attached")

	linkPinRegexp = regexp.MustCompile(`^(.+)(` + egressSuffix + `|` + ingressSuffix + `)$`)
	modeKey       = uint32(0)
)

// Options configure a CgroupIfacesFwController.
type Options struct {
	// Mode is baked into both programs and cannot be changed without reloading them.
	Mode filter.Mode
	// PinPath is the bpffs directory for maps and links.
	PinPath string
	// MaxEntries is the capacity of the interface table.
	MaxEntries uint32
}

// cgroupLinks holds the two hooks attached to one cgroup.
type cgroupLinks struct {
	egress  link.Link
	ingress link.Link
}

// CgroupIfacesFwController loads the interface filter programs, owns the interface table and attaches
// the programs to cgroups.
type CgroupIfacesFwController struct {
	mu sync.Mutex
	// eBPF objs to create/update eBPF maps
	objs  bpfObjects
	table *iftable.BPFTable
	mode  filter.Mode
	// cgroup attachments keyed by their pin name
	links   map[string]*cgroupLinks
	pinPath string
}

// NewCgroupIfacesFwController loads the programs and maps into the kernel. Maps are pinned by name, so a
// restarted daemon picks up the table it left behind; links pinned by a previous run are reloaded and
// switched over to the freshly loaded programs.
func NewCgroupIfacesFwController(opts Options) (*CgroupIfacesFwController, error) {
	pinDir := opts.PinPath
	if pinDir == "" {
		pinDir = DefaultPinPath
	}

	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memory limit: %w", err)
	}
	if err := os.MkdirAll(pinDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create pinDir %s: %w", pinDir, err)
	}

	objs := bpfObjects{}
	collSpec := newCollectionSpec(opts.Mode, opts.MaxEntries)
	if err := collSpec.LoadAndAssign(&objs, &ebpf.CollectionOptions{Maps: ebpf.MapOptions{PinPath: pinDir}}); err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			// Using %+v will print the whole verifier error, not just the last
			// few lines.
			klog.Infof("Verifier error: %+v", ve)
		}
		return nil, fmt.Errorf("loading objects: pinDir:%s, err:%w", pinDir, err)
	}

	table, err := iftable.NewBPFTable(objs.IfacesMap)
	if err != nil {
		objs.Close()
		return nil, err
	}

	// Entries written under the other mode would invert every verdict once the pinned links below are
	// switched to the new programs, so they are dropped before the switch.
	var recorded uint8
	if err := objs.IfacesMode.Lookup(modeKey, &recorded); err != nil {
		objs.Close()
		return nil, fmt.Errorf("reading recorded filter mode: %w", err)
	}
	if filter.Mode(recorded) != opts.Mode {
		if n, err := table.Len(); err == nil && n > 0 {
			klog.Infof("Filter mode changed from %s to %s, clearing %d table entries", filter.Mode(recorded), opts.Mode, n)
		}
		if err := table.Clear(); err != nil {
			objs.Close()
			return nil, fmt.Errorf("clearing table after a mode change: %w", err)
		}
	}
	if err := objs.IfacesMode.Put(modeKey, uint8(opts.Mode)); err != nil {
		objs.Close()
		return nil, fmt.Errorf("recording filter mode: %w", err)
	}

	c := &CgroupIfacesFwController{
		objs:    objs,
		table:   table,
		mode:    opts.Mode,
		links:   make(map[string]*cgroupLinks),
		pinPath: pinDir,
	}

	// Load pinned links from the pin directory on initialization. That way, the state in the pin directory
	// and the tracked list of links will be in sync.
	if err := c.loadPinnedLinks(); err != nil {
		// Closing the descriptors of pinned links leaves them attached.
		for _, cl := range c.links {
			cl.close()
		}
		objs.Close()
		return nil, err
	}
	return c, nil
}

// Table returns the kernel-backed interface table.
func (c *CgroupIfacesFwController) Table() iftable.Table {
	return c.table
}

// Mode returns the mode the programs were loaded with.
func (c *CgroupIfacesFwController) Mode() filter.Mode {
	return c.mode
}

// PinPath returns the bpffs directory used by the controller.
func (c *CgroupIfacesFwController) PinPath() string {
	return c.pinPath
}

// AttachedCgroups returns the pin names of all attached cgroups.
func (c *CgroupIfacesFwController) AttachedCgroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.links))
	for name := range c.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attach attaches the egress and ingress programs to each given cgroup and pins both links.
// For each provided cgroup path:
// i) Skip it if it is already attached.
// ii) Attach the egress program, then the ingress program.
// iii) Pin both links.
func (c *CgroupIfacesFwController) Attach(cgroupPaths ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, cgroupPath := range cgroupPaths {
		name := PinName(cgroupPath)
		if _, ok := c.links[name]; ok {
			klog.Infof("Cgroup %s is already attached and managed, skipping", cgroupPath)
			continue
		}
		if _, err := os.Stat(cgroupPath); err != nil {
			errs = append(errs, fmt.Errorf("cgroup path %s: %w", cgroupPath, err))
			continue
		}

		egress, err := link.AttachCgroup(link.CgroupOptions{
			Path:    cgroupPath,
			Attach:  ebpf.AttachCGroupInetEgress,
			Program: c.objs.RestrictIfacesEgress,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("linking %s to cgroup %s: %w", egressProgramName, cgroupPath, err))
			continue
		}
		ingress, err := link.AttachCgroup(link.CgroupOptions{
			Path:    cgroupPath,
			Attach:  ebpf.AttachCGroupInetIngress,
			Program: c.objs.RestrictIfacesIngress,
		})
		if err != nil {
			egress.Close()
			errs = append(errs, fmt.Errorf("linking %s to cgroup %s: %w", ingressProgramName, cgroupPath, err))
			continue
		}

		cl := &cgroupLinks{egress: egress, ingress: ingress}
		if err := c.pinLinks(name, cl); err != nil {
			cl.close()
			errs = append(errs, err)
			continue
		}
		c.links[name] = cl
		klog.Infof("Attached cgroup interface firewall (%s mode) to cgroup %q", c.mode, cgroupPath)
	}
	return apierrors.NewAggregate(errs)
}

// Detach detaches both programs from the given cgroups.
func (c *CgroupIfacesFwController) Detach(cgroupPaths ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, cgroupPath := range cgroupPaths {
		klog.Infof("Detaching cgroup interface firewall from cgroup %q", cgroupPath)
		if err := c.cleanup(PinName(cgroupPath)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cgroupPath, err))
		}
	}
	return apierrors.NewAggregate(errs)
}

// Release closes the controller's file descriptors but leaves everything pinned, so the programs stay
// attached and the table keeps its content after the process exits.
func (c *CgroupIfacesFwController) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, cl := range c.links {
		// Closing a pinned link does not detach it.
		if err := cl.close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.links = make(map[string]*cgroupLinks)
	if err := c.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close eBPF objs err: %w", err))
	}
	return apierrors.NewAggregate(errs)
}

// Close detaches every cgroup, removes all pins and closes the eBPF objects.
func (c *CgroupIfacesFwController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	klog.Info("Detaching all cgroups")
	for name := range c.links {
		if err := c.cleanup(name); err != nil {
			errs = append(errs, err)
		}
	}

	klog.Info("Removing all pins")
	if err := c.removeAllPins(); err != nil {
		errs = append(errs, fmt.Errorf("could not remove all eBPF pins, err: %w", err))
	}

	klog.Info("Removing pinned maps")
	for _, m := range []*ebpf.Map{c.objs.IfacesMap, c.objs.IfacesMode} {
		if err := m.Unpin(); err != nil {
			errs = append(errs, fmt.Errorf("could not unpin map %s, err: %w", m, err))
		}
	}

	klog.Info("Running cleanup of eBPF objects")
	if err := c.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close eBPF objs err: %w", err))
	}

	klog.Infof("Removing cgroup interface firewall pin path %s", c.pinPath)
	if err := os.RemoveAll(c.pinPath); err != nil {
		errs = append(errs, fmt.Errorf("could not delete pin path, err: %w", err))
	}
	return apierrors.NewAggregate(errs)
}

// PinName returns the file-name-safe name under which the links of a cgroup are pinned.
func PinName(cgroupPath string) string {
	return sanitize.BaseName(path.Clean(cgroupPath))
}

func (c *CgroupIfacesFwController) pinLinks(name string, cl *cgroupLinks) error {
	egressPin := path.Join(c.pinPath, name+egressSuffix)
	if err := cl.egress.Pin(egressPin); err != nil {
		return fmt.Errorf("failed to pin link to %s: %w", egressPin, err)
	}
	ingressPin := path.Join(c.pinPath, name+ingressSuffix)
	if err := cl.ingress.Pin(ingressPin); err != nil {
		cl.egress.Unpin()
		return fmt.Errorf("failed to pin link to %s: %w", ingressPin, err)
	}
	return nil
}

// loadPinnedLinks loads any pinned links that reside inside the pin directory into memory and points them
// at the programs loaded by this controller.
func (c *CgroupIfacesFwController) loadPinnedLinks() error {
	klog.Info("Loading cgroup links from pinned dir into memory")
	files, err := os.ReadDir(c.pinPath)
	if err != nil {
		return err
	}

	var errs []error
	for _, file := range files {
		m := linkPinRegexp.FindStringSubmatch(file.Name())
		if m == nil {
			continue
		}
		name, suffix := m[1], m[2]
		l, err := link.LoadPinnedLink(path.Join(c.pinPath, file.Name()), nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		prog := c.objs.RestrictIfacesEgress
		if suffix == ingressSuffix {
			prog = c.objs.RestrictIfacesIngress
		}
		if err := l.Update(prog); err != nil {
			klog.Infof("Could not update pinned link %s to the current program, err: %v", file.Name(), err)
		}

		cl, ok := c.links[name]
		if !ok {
			cl = &cgroupLinks{}
			c.links[name] = cl
		}
		if suffix == egressSuffix {
			cl.egress = l
		} else {
			cl.ingress = l
		}
	}
	return apierrors.NewAggregate(errs)
}

// cleanup unpins and closes the links of one cgroup, which detaches the programs.
func (c *CgroupIfacesFwController) cleanup(name string) error {
	cl, ok := c.links[name]
	if !ok {
		return ErrNotAttached
	}
	var errs []error
	for _, l := range []link.Link{cl.egress, cl.ingress} {
		if l == nil {
			continue
		}
		if err := l.Unpin(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unpin link for %s err: %w", name, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close and detach link %s err: %w", name, err))
		}
	}
	delete(c.links, name)
	return apierrors.NewAggregate(errs)
}

// removeAllPins removes left-over link pins.
func (c *CgroupIfacesFwController) removeAllPins() error {
	files, err := os.ReadDir(c.pinPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, file := range files {
		if linkPinRegexp.MatchString(file.Name()) {
			// Unpinning a link already removes the file, so avoid generating errors if it is gone.
			if err := os.Remove(path.Join(c.pinPath, file.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

func (cl *cgroupLinks) close() error {
	var errs []error
	for _, l := range []link.Link{cl.egress, cl.ingress} {
		if l != nil {
			if err := l.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return apierrors.NewAggregate(errs)
}

// Pinned gives access to the objects a running daemon left in the pin directory.
type Pinned struct {
	table   *iftable.BPFTable
	mode    filter.Mode
	cgroups []string
	maps    []*ebpf.Map
}

// OpenPinned opens the pinned interface table and the recorded mode.
func OpenPinned(pinPath string) (*Pinned, error) {
	if pinPath == "" {
		pinPath = DefaultPinPath
	}
	tableMap, err := ebpf.LoadPinnedMap(path.Join(pinPath, tableMapName), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", tableMapName, err)
	}
	modeMap, err := ebpf.LoadPinnedMap(path.Join(pinPath, modeMapName), nil)
	if err != nil {
		tableMap.Close()
		return nil, fmt.Errorf("failed to load %s: %w", modeMapName, err)
	}
	p := &Pinned{maps: []*ebpf.Map{tableMap, modeMap}}

	var mode uint8
	if err := modeMap.Lookup(modeKey, &mode); err != nil {
		p.Close()
		return nil, fmt.Errorf("reading filter mode: %w", err)
	}
	p.mode = filter.Mode(mode)

	if p.table, err = iftable.NewBPFTable(tableMap); err != nil {
		p.Close()
		return nil, err
	}

	files, err := os.ReadDir(pinPath)
	if err != nil {
		p.Close()
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, file := range files {
		if m := linkPinRegexp.FindStringSubmatch(file.Name()); m != nil {
			if _, ok := seen[m[1]]; !ok {
				seen[m[1]] = struct{}{}
				p.cgroups = append(p.cgroups, m[1])
			}
		}
	}
	sort.Strings(p.cgroups)
	return p, nil
}

// Table returns the pinned interface table.
func (p *Pinned) Table() iftable.Table {
	return p.table
}

// Mode returns the mode recorded by the daemon that loaded the programs.
func (p *Pinned) Mode() filter.Mode {
	return p.mode
}

// AttachedCgroups returns the pin names of the cgroups with pinned links.
func (p *Pinned) AttachedCgroups() []string {
	return p.cgroups
}

// Close releases the pinned map descriptors. The pins themselves are kept.
func (p *Pinned) Close() error {
	var errs []error
	for _, m := range p.maps {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return apierrors.NewAggregate(errs)
}
