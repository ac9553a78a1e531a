package status

import (
	"github.com/pkg/errors"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/filter"
	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

// ResourcesNotReadyError contains Error message explaining the reason why the cgroup interface firewall is
// not ready.
type ResourcesNotReadyError struct {
	Message string
}

func (e ResourcesNotReadyError) Error() string { return e.Message }

func (e ResourcesNotReadyError) Is(target error) bool {
	_, ok := target.(*ResourcesNotReadyError)
	if !ok {
		_, ok = target.(ResourcesNotReadyError)
	}
	return ok
}

// Source is what a status can be collected from: a running controller or the pinned objects it left behind.
type Source interface {
	Table() iftable.Table
	Mode() filter.Mode
	AttachedCgroups() []string
}

// Status summarizes the state of the filter.
type Status struct {
	Mode            string   `json:"mode"`
	Entries         int      `json:"entries"`
	Capacity        int      `json:"capacity"`
	Indices         []uint32 `json:"indices"`
	AttachedCgroups []string `json:"attachedCgroups"`
}

// Collect reads the current status from src.
func Collect(src Source) (*Status, error) {
	table := src.Table()
	indices, err := table.List()
	if err != nil {
		return nil, errors.Wrap(err, "could not list interface table")
	}
	return &Status{
		Mode:            src.Mode().String(),
		Entries:         len(indices),
		Capacity:        table.Capacity(),
		Indices:         indices,
		AttachedCgroups: src.AttachedCgroups(),
	}, nil
}

// CheckReady returns an error unless the programs are attached to at least one cgroup.
func CheckReady(src Source) error {
	if len(src.AttachedCgroups()) == 0 {
		return ResourcesNotReadyError{Message: "cgroup interface firewall is not attached to any cgroup"}
	}
	if _, err := src.Table().Len(); err != nil {
		return errors.Wrapf(err, "interface table is not readable")
	}
	return nil
}
