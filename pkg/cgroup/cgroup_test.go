package cgroup

import (
	"errors"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"

	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

const testMountInfo = `22 1 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
29 22 0:25 / /sys/fs/cgroup/systemd rw,nosuid,nodev,noexec,relatime shared:9 - cgroup cgroup rw,xattr,name=systemd
30 22 0:26 / /sys/fs/cgroup/unified rw,nosuid,nodev,noexec,relatime shared:10 - cgroup2 cgroup2 rw,nsdelegate
31 22 0:27 / /sys/fs/cgroup/other rw shared:11 - cgroup2 cgroup2 rw
`

func fakeSystemctl(t *testing.T, output string, err error) *testingexec.FakeExec {
	fcmd := &testingexec.FakeCmd{
		OutputScript: []testingexec.FakeAction{
			func() ([]byte, []byte, error) { return []byte(output), nil, err },
		},
	}
	return &testingexec.FakeExec{
		CommandScript: []testingexec.FakeCommandAction{
			func(cmd string, args ...string) utilexec.Cmd {
				if cmd != "systemctl" || strings.Join(args, " ") != "show --property ControlGroup tailscaled.service" {
					t.Errorf("unexpected command %s %v", cmd, args)
				}
				return testingexec.InitFakeCmd(fcmd, cmd, args...)
			},
		},
	}
}

// fakeProc builds a proc tree in which "self" is pid 1 and pid 1 sees mountInfo.
func fakeProc(t *testing.T, mountInfo string) string {
	t.Helper()
	root := t.TempDir()
	writeProcFile(t, root, 1, "mountinfo", mountInfo)
	if err := os.Symlink("1", path.Join(root, "self")); err != nil {
		t.Fatal(err)
	}
	return root
}

func writeProcFile(t *testing.T, root string, pid int, name, content string) {
	t.Helper()
	dir := path.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMountPoint(t *testing.T) {
	r := NewResolver(utilexec.New())
	r.procRoot = fakeProc(t, testMountInfo)
	mp, err := r.MountPoint()
	if err != nil {
		t.Fatal(err)
	}
	if mp != "/sys/fs/cgroup/unified" {
		t.Errorf("got %q", mp)
	}

	r.procRoot = fakeProc(t, "22 1 0:21 / /sys rw shared:7 - sysfs sysfs rw\n")
	if _, err := r.MountPoint(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("expected ErrNotMounted, got %v", err)
	}
}

func TestByService(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		err       error
		expected  string
		expectErr bool
	}{
		{name: "running unit", output: "ControlGroup=/system.slice/tailscaled.service\n", expected: "/system.slice/tailscaled.service"},
		{name: "stopped unit", output: "ControlGroup=\n", expected: ""},
		{name: "garbage", output: "nothing here", expectErr: true},
		{name: "wrong property", output: "MainPID=42\n", expectErr: true},
		{name: "systemctl failure", err: errors.New("exit status 1"), expectErr: true},
	}
	for _, tt := range tests {
		r := NewResolver(fakeSystemctl(t, tt.output, tt.err))
		got, err := r.ByService("tailscaled.service")
		if tt.expectErr != (err != nil) {
			t.Fatalf("%s: expectErr=%t, got %v", tt.name, tt.expectErr, err)
		}
		if got != tt.expected {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestServicePath(t *testing.T) {
	r := NewResolver(fakeSystemctl(t, "ControlGroup=/system.slice/tailscaled.service\n", nil))
	r.procRoot = fakeProc(t, testMountInfo)
	got, err := r.ServicePath("tailscaled.service")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/sys/fs/cgroup/unified/system.slice/tailscaled.service" {
		t.Errorf("got %q", got)
	}

	r = NewResolver(fakeSystemctl(t, "ControlGroup=\n", nil))
	r.procRoot = fakeProc(t, testMountInfo)
	if _, err := r.ServicePath("tailscaled.service"); err == nil {
		t.Errorf("expected an error for a unit without cgroup")
	}
}

func TestByPID(t *testing.T) {
	root := fakeProc(t, testMountInfo)
	writeProcFile(t, root, 42, "mountinfo", testMountInfo)
	writeProcFile(t, root, 42, "cgroup", "12:pids:/system.slice/foo.service\n0::/system.slice/foo.service\n")
	writeProcFile(t, root, 44, "mountinfo", testMountInfo)
	writeProcFile(t, root, 44, "cgroup", "12:pids:/system.slice/foo.service\n")

	r := NewResolver(utilexec.New())
	r.procRoot = root

	got, err := r.ByPID(42)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/sys/fs/cgroup/unified/system.slice/foo.service" {
		t.Errorf("got %q", got)
	}
	if _, err := r.ByPID(43); err == nil {
		t.Errorf("expected an error for a missing process")
	}
	if _, err := r.ByPID(44); err == nil {
		t.Errorf("expected an error for a process without a cgroup v2 entry")
	}
}
