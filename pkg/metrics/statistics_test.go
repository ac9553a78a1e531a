package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	controllerruntimemetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

type fakeAttached []string

func (f fakeAttached) AttachedCgroups() []string { return f }

func TestNewStatistics(t *testing.T) {
	for _, in := range []string{"", "abc", "0", "-3"} {
		if _, err := NewStatistics(in); err == nil {
			t.Errorf("NewStatistics(%q): expected an error", in)
		}
	}
	s, err := NewStatistics("5")
	if err != nil {
		t.Fatal(err)
	}
	if s.pollPeriod != 5*time.Second {
		t.Errorf("unexpected poll period %s", s.pollPeriod)
	}
}

func TestPublish(t *testing.T) {
	tbl, err := iftable.NewMemTable(16)
	if err != nil {
		t.Fatal(err)
	}
	for _, idx := range []uint32{1, 2, 3} {
		if err := tbl.Insert(idx); err != nil {
			t.Fatal(err)
		}
	}
	publish(tbl, fakeAttached{"a", "b"})

	if got := testutil.ToFloat64(metricTableEntries); got != 3 {
		t.Errorf("entries: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(metricTableCapacity); got != 16 {
		t.Errorf("capacity: got %v, want 16", got)
	}
	if got := testutil.ToFloat64(metricAttachedCgroups); got != 2 {
		t.Errorf("attached cgroups: got %v, want 2", got)
	}

	before := testutil.ToFloat64(metricInsertFailures)
	RecordInsertFailure()
	if got := testutil.ToFloat64(metricInsertFailures); got != before+1 {
		t.Errorf("insert failures: got %v, want %v", got, before+1)
	}
}

func TestRegisterAndPoll(t *testing.T) {
	s, err := NewStatistics("1")
	if err != nil {
		t.Fatal(err)
	}
	s.Register()
	s.Register()

	families, err := controllerruntimemetrics.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	registered := map[string]bool{}
	for _, f := range families {
		registered[f.GetName()] = true
	}
	for _, name := range GetPrometheusStatisticNames() {
		if !registered[name] {
			t.Errorf("metric %s is not registered", name)
		}
	}

	tbl, err := iftable.NewMemTable(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(4); err != nil {
		t.Fatal(err)
	}
	s.StartPoll(tbl, nil)
	s.StartPoll(tbl, nil)
	s.StopPoll()
	s.StopPoll()
	if got := testutil.ToFloat64(metricTableEntries); got != 1 {
		t.Errorf("entries after poll: got %v, want 1", got)
	}
}
