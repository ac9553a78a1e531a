package metrics

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	controllerruntimemetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/openshift/cgroup-ifaces-firewall/pkg/iftable"
)

const (
	MetricCIFNamespace      = "cgroupifacesfirewall"
	MetricCIFSubsystemTable = "table"
	MetricCIFSubsystemNode  = "node"
)

var metricTableEntries = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricCIFNamespace,
	Subsystem: MetricCIFSubsystemTable,
	Name:      "entries",
	Help:      "The number of interface indices currently present in the interface table",
})

var metricTableCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricCIFNamespace,
	Subsystem: MetricCIFSubsystemTable,
	Name:      "capacity",
	Help:      "The maximum number of interface indices the interface table can hold",
})

var metricInsertFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricCIFNamespace,
	Subsystem: MetricCIFSubsystemTable,
	Name:      "insert_failures_total",
	Help:      "The number of interface indices that could not be inserted into the interface table",
})

var metricAttachedCgroups = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricCIFNamespace,
	Subsystem: MetricCIFSubsystemNode,
	Name:      "attached_cgroups",
	Help:      "The number of cgroups the interface filter programs are attached to",
})

// GetPrometheusStatisticNames returns all statistic metric names - to aid testing only.
func GetPrometheusStatisticNames() []string {
	return []string{
		MetricCIFNamespace + "_" + MetricCIFSubsystemTable + "_" + "entries",
		MetricCIFNamespace + "_" + MetricCIFSubsystemTable + "_" + "capacity",
		MetricCIFNamespace + "_" + MetricCIFSubsystemTable + "_" + "insert_failures_total",
		MetricCIFNamespace + "_" + MetricCIFSubsystemNode + "_" + "attached_cgroups",
	}
}

// AttachedCounter reports how many cgroups are attached.
type AttachedCounter interface {
	AttachedCgroups() []string
}

type Statistics struct {
	//regOnce ensures that we only register metrics once otherwise panic may occur
	regOnce sync.Once
	mapWG   sync.WaitGroup
	//mu controls access to isMapPollActive/mapStopCh
	mu              sync.Mutex
	mapStopCh       chan struct{}
	isMapPollActive bool
	pollPeriod      time.Duration
}

func NewStatistics(pollPeriod string) (*Statistics, error) {
	i, err := strconv.Atoi(pollPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %q to integer: %v", pollPeriod, err)
	}
	if i <= 0 {
		return nil, fmt.Errorf("poll period must be positive, got %d", i)
	}
	return &Statistics{pollPeriod: time.Duration(i) * time.Second}, nil
}

func (m *Statistics) Register() {
	m.regOnce.Do(func() {
		controllerruntimemetrics.Registry.MustRegister(metricTableEntries)
		controllerruntimemetrics.Registry.MustRegister(metricTableCapacity)
		controllerruntimemetrics.Registry.MustRegister(metricInsertFailures)
		controllerruntimemetrics.Registry.MustRegister(metricAttachedCgroups)
	})
}

// RecordInsertFailure counts an index that could not be inserted.
func RecordInsertFailure() {
	metricInsertFailures.Inc()
}

// StartPoll periodically publishes the table occupancy and the number of attached cgroups. attached may be nil.
func (m *Statistics) StartPoll(table iftable.Table, attached AttachedCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isMapPollActive {
		log.Println("Metrics are already being polled")
		return
	}
	m.mapWG.Add(1)
	m.mapStopCh = make(chan struct{})
	m.isMapPollActive = true

	go func(stopCh <-chan struct{}) {
		defer m.mapWG.Done()
		updateMetrics(stopCh, table, attached, m.pollPeriod)
	}(m.mapStopCh)
}

func (m *Statistics) StopPoll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isMapPollActive {
		return
	}
	close(m.mapStopCh)
	m.mapWG.Wait()
	m.isMapPollActive = false
}

func updateMetrics(stopCh <-chan struct{}, table iftable.Table, attached AttachedCounter, period time.Duration) {
	log.Println("Starting node metrics updater. Metrics will be polled periodically and presented as prometheus metrics")
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	publish(table, attached)
	for {
		select {
		case <-ticker.C:
			publish(table, attached)
		case <-stopCh:
			log.Println("Stopped node metric updates")
			return
		}
	}
}

func publish(table iftable.Table, attached AttachedCounter) {
	metricTableCapacity.Set(float64(table.Capacity()))
	n, err := table.Len()
	if err != nil {
		log.Printf("Failed to count interface table entries: %v\n", err)
	} else {
		metricTableEntries.Set(float64(n))
	}
	if attached != nil {
		metricAttachedCgroups.Set(float64(len(attached.AttachedCgroups())))
	}
}
