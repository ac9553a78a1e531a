package interfaces

import (
	"fmt"
	"net"
	"regexp"

	"github.com/vishvananda/netlink"
	apierrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	netInterfaces      = net.Interfaces
	netInterfaceByName = net.InterfaceByName
	linkByName         = netlink.LinkByName
	linkList           = netlink.LinkList
)

func isUp(nif net.Interface) bool {
	return nif.Flags&net.FlagUp != 0
}

func isLoopback(nif net.Interface) bool {
	return nif.Flags&net.FlagLoopback != 0
}

// IsValidInterfaceNameAndState check if interface name is valid, interface state is UP and its not loopback interface
func IsValidInterfaceNameAndState(ifName string) bool {
	ifs, err := netInterfaces()
	if err != nil {
		return false
	}
	for _, inf := range ifs {
		if inf.Name == ifName && isUp(inf) && !isLoopback(inf) {
			return true
		}
	}
	return false
}

// InvalidNames returns the names that do not currently belong to an interface that is up and is not a
// loopback interface.
func InvalidNames(names []string) []string {
	var invalid []string
	for _, name := range names {
		if !IsValidInterfaceNameAndState(name) {
			invalid = append(invalid, name)
		}
	}
	return invalid
}

// GetInterfaceIndex returns the interface index of the interface with the given name.
func GetInterfaceIndex(interfaceName string) (uint32, error) {
	iface, err := netInterfaceByName(interfaceName)
	if err != nil {
		return 0, fmt.Errorf("looking up network interface name %q: %s", interfaceName, err)
	}
	return uint32(iface.Index), nil
}

// GetInterfaceIndices return one or more interface index based on the interface type.
// Note: for bond interfaces both the bond and its members are returned, since packets of a socket bound
// to the bond can carry either index depending on the hook.
func GetInterfaceIndices(interfaceName string) ([]uint32, error) {
	link, err := linkByName(interfaceName)
	if err != nil {
		return nil, err
	}
	if link.Type() != "bond" {
		return []uint32{uint32(link.Attrs().Index)}, nil
	}

	links, err := linkList()
	if err != nil {
		return nil, err
	}
	return BondIndices(link, links), nil
}

// BondIndices returns the index of bond followed by the indices of its members found in links.
func BondIndices(bond netlink.Link, links []netlink.Link) []uint32 {
	idx := bond.Attrs().Index
	membersList := []uint32{uint32(idx)}
	for _, l := range links {
		if l.Attrs().MasterIndex == idx {
			membersList = append(membersList, uint32(l.Attrs().Index))
		}
	}
	return membersList
}

// Selector decides which links belong in the interface table.
type Selector struct {
	names    sets.Set[string]
	patterns []*regexp.Regexp
	indices  sets.Set[uint32]
}

// NewSelector compiles a selector from exact names, regular expressions matched against link names and
// static interface indices.
func NewSelector(names, patterns []string, indices []uint32) (*Selector, error) {
	s := &Selector{
		names:   sets.New[string](names...),
		indices: sets.New[uint32](indices...),
	}
	var errs []error
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid interface pattern %q: %w", p, err))
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	if err := apierrors.NewAggregate(errs); err != nil {
		return nil, err
	}
	return s, nil
}

// Names returns the exact interface names of the selector.
func (s *Selector) Names() []string {
	return sets.List(s.names)
}

// MatchesName reports whether a link with the given name is selected.
func (s *Selector) MatchesName(name string) bool {
	if s.names.Has(name) {
		return true
	}
	for _, re := range s.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Matches reports whether a link is selected by name, pattern or index.
func (s *Selector) Matches(name string, index uint32) bool {
	return s.indices.Has(index) || s.MatchesName(name)
}

// StaticIndices returns the configured static indices.
func (s *Selector) StaticIndices() []uint32 {
	return sets.List(s.indices)
}

// SelectedIndices evaluates the selector against links and returns the selected indices, bond members
// included, together with the static indices.
func (s *Selector) SelectedIndices(links []netlink.Link) sets.Set[uint32] {
	selected := sets.New[uint32](s.indices.UnsortedList()...)
	for _, l := range links {
		attrs := l.Attrs()
		if !s.Matches(attrs.Name, uint32(attrs.Index)) {
			continue
		}
		if l.Type() == "bond" {
			selected.Insert(BondIndices(l, links)...)
			continue
		}
		selected.Insert(uint32(attrs.Index))
	}
	return selected
}
