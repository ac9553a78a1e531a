// Package cgroup locates cgroup v2 directories for systemd services and processes.
package cgroup

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/prometheus/procfs"
	utilexec "k8s.io/utils/exec"
)

// ErrNotMounted is returned when no cgroup2 file system is mounted.
var ErrNotMounted = errors.New("cgroup2 not mounted")

// Resolver maps services and processes to cgroup paths.
type Resolver struct {
	exec     utilexec.Interface
	procRoot string
}

// NewResolver returns a Resolver that runs systemctl through exec and reads /proc.
func NewResolver(exec utilexec.Interface) *Resolver {
	return &Resolver{exec: exec, procRoot: procfs.DefaultMountPoint}
}

// MountPoint returns the first-found mount point of type cgroup2 in the mount namespace of this process.
func (r *Resolver) MountPoint() (string, error) {
	fs, err := procfs.NewFS(r.procRoot)
	if err != nil {
		return "", err
	}
	self, err := fs.Self()
	if err != nil {
		return "", err
	}
	return mountPoint(self)
}

func mountPoint(p procfs.Proc) (string, error) {
	mounts, err := p.MountInfo()
	if err != nil {
		return "", fmt.Errorf("failed to read mountinfo of process %d: %w", p.PID, err)
	}
	for _, m := range mounts {
		if m.FSType == "cgroup2" {
			return m.MountPoint, nil
		}
	}
	return "", ErrNotMounted
}

// ByService returns the value of the ControlGroup property of a systemd unit. It is empty when the unit is
// not running.
func (r *Resolver) ByService(serviceName string) (string, error) {
	out, err := r.exec.Command("systemctl", "show", "--property", "ControlGroup", serviceName).Output()
	if err != nil {
		return "", fmt.Errorf("failed to execute systemctl: %w", err)
	}

	output := strings.TrimSpace(string(out))
	key, value, found := strings.Cut(output, "=")
	if !found || key != "ControlGroup" {
		return "", fmt.Errorf("unexpected output format: %s", output)
	}
	return strings.TrimSpace(value), nil
}

// ServicePath returns the absolute cgroup directory of a systemd unit.
func (r *Resolver) ServicePath(serviceName string) (string, error) {
	mp, err := r.MountPoint()
	if err != nil {
		return "", fmt.Errorf("detecting cgroup mountpoint: %w", err)
	}
	cg, err := r.ByService(serviceName)
	if err != nil {
		return "", fmt.Errorf("detecting %s cgroup: %w", serviceName, err)
	}
	if cg == "" {
		return "", fmt.Errorf("cgroup for %s not found", serviceName)
	}
	return path.Join(mp, cg), nil
}

// ByPID returns the absolute cgroup v2 directory of a process.
func (r *Resolver) ByPID(pid int) (string, error) {
	fs, err := procfs.NewFS(r.procRoot)
	if err != nil {
		return "", err
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return "", err
	}
	mp, err := mountPoint(p)
	if err != nil {
		return "", fmt.Errorf("detecting cgroup mountpoint: %w", err)
	}
	cgroups, err := p.Cgroups()
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	for _, cg := range cgroups {
		// The unified hierarchy is the "0::<path>" entry.
		if cg.HierarchyID == 0 {
			return path.Join(mp, cg.Path), nil
		}
	}
	return "", fmt.Errorf("process %d: no cgroup v2 entry", pid)
}
