// Package metrics provides runtime metrics collection and periodic export.
// It wraps Prometheus collectors behind a register-once-per-name registry and
// pushes a serialized snapshot to a host-supplied callback on a fixed
// interval.
package metrics

import (
	"encoding/json"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/enclave-runtime/pkg/logger"
)

// Kind identifies the metric kind bound to a name.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindTimer     Kind = "timer"
)

// ExportCallback receives the serialized metrics document on every export
// tick.
type ExportCallback func(document []byte)

// Snapshot is the exported representation of a single metric.
type Snapshot struct {
	Name    string            `json:"name"`
	Kind    Kind              `json:"kind"`
	Value   float64           `json:"value,omitempty"`
	Count   uint64            `json:"count,omitempty"`
	Sum     float64           `json:"sum,omitempty"`
	Buckets map[string]uint64 `json:"buckets,omitempty"`
}

// Collector owns the metric registry and the export loop.
// Metric updates go through Prometheus primitives (atomic), so the hot path
// never contends with the export mutex.
type Collector struct {
	log      *logger.Logger
	registry *prometheus.Registry

	mu    sync.Mutex // guards names and registration
	names map[string]Kind

	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram

	exportMu sync.Mutex // serializes export, distinct from update paths
	callback ExportCallback
	interval time.Duration

	procMemory prometheus.Gauge
	procUptime prometheus.Gauge
	startTime  time.Time
	proc       *process.Process

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewCollector creates a Collector. interval bounds the export period; zero
// disables the export loop until Start is called with a registered callback.
func NewCollector(log *logger.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := &Collector{
		log:        log,
		registry:   prometheus.NewRegistry(),
		names:      make(map[string]Kind),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		interval:   interval,
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	c.procMemory = c.Gauge("process_resident_memory_bytes")
	c.procUptime = c.Gauge("process_uptime_seconds")
	if proc, err := process.NewProcess(int32(pid())); err == nil {
		c.proc = proc
	}

	return c
}

// SetExportCallback registers the callback receiving exported documents.
func (c *Collector) SetExportCallback(cb ExportCallback) {
	c.exportMu.Lock()
	c.callback = cb
	c.exportMu.Unlock()
}

// register enforces one-name-one-kind for the process lifetime. It returns
// false when the name is already bound to a different kind.
func (c *Collector) register(name string, kind Kind, collector prometheus.Collector) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.names[name]; ok {
		if existing != kind {
			c.log.WithField("metric", name).
				Errorf("metric already registered as %s, refusing %s", existing, kind)
			return false
		}
		return true
	}

	if err := c.registry.Register(collector); err != nil {
		c.log.WithError(err).WithField("metric", name).Error("register metric")
		return false
	}
	c.names[name] = kind
	return true
}

// Counter returns the counter registered under name, creating it on first
// use. Returns nil if the name is bound to a different kind.
func (c *Collector) Counter(name string) prometheus.Counter {
	c.mu.Lock()
	if existing, ok := c.counters[name]; ok {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name})
	if !c.register(name, KindCounter, counter) {
		return nil
	}
	c.mu.Lock()
	c.counters[name] = counter
	c.mu.Unlock()
	return counter
}

// Gauge returns the gauge registered under name, creating it on first use.
// Returns nil if the name is bound to a different kind.
func (c *Collector) Gauge(name string) prometheus.Gauge {
	c.mu.Lock()
	if existing, ok := c.gauges[name]; ok {
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
	if !c.register(name, KindGauge, gauge) {
		return nil
	}
	c.mu.Lock()
	c.gauges[name] = gauge
	c.mu.Unlock()
	return gauge
}

// Histogram returns the histogram registered under name, creating it on
// first use. Returns nil if the name is bound to a different kind.
func (c *Collector) Histogram(name string) prometheus.Histogram {
	return c.histogram(name, KindHistogram)
}

// Timer returns a histogram of seconds registered under name for use with
// Stopwatch. Returns nil if the name is bound to a different kind.
func (c *Collector) Timer(name string) prometheus.Histogram {
	return c.histogram(name, KindTimer)
}

func (c *Collector) histogram(name string, kind Kind) prometheus.Histogram {
	c.mu.Lock()
	if existing, ok := c.histograms[name]; ok {
		if c.names[name] != kind {
			c.mu.Unlock()
			c.log.WithField("metric", name).
				Errorf("metric already registered as %s, refusing %s", c.names[name], kind)
			return nil
		}
		c.mu.Unlock()
		return existing
	}
	c.mu.Unlock()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})
	if !c.register(name, kind, histogram) {
		return nil
	}
	c.mu.Lock()
	c.histograms[name] = histogram
	c.mu.Unlock()
	return histogram
}

// Stopwatch observes elapsed time into a timer on Stop.
type Stopwatch struct {
	timer prometheus.Histogram
	start time.Time
}

// StartTimer begins timing against the named timer metric.
func (c *Collector) StartTimer(name string) *Stopwatch {
	return &Stopwatch{timer: c.Timer(name), start: time.Now()}
}

// Stop records the elapsed duration.
func (s *Stopwatch) Stop() time.Duration {
	elapsed := time.Since(s.start)
	if s.timer != nil {
		s.timer.Observe(elapsed.Seconds())
	}
	return elapsed
}

// Start launches the background export loop. Calling Start twice is a no-op;
// a stopped collector may be started again.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.exportLoop(c.stopCh, c.doneCh)
}

// Stop terminates the export loop and joins it. A final export runs before
// returning so shutdown does not drop samples.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (c *Collector) exportLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Export()
		case <-stopCh:
			c.Export()
			return
		}
	}
}

// Export gathers the registry and delivers a serialized snapshot document to
// the registered callback. Exposed for tests and for on-demand status calls.
func (c *Collector) Export() []byte {
	c.updateProcessGauges()

	c.exportMu.Lock()
	defer c.exportMu.Unlock()

	families, err := c.registry.Gather()
	if err != nil {
		c.log.WithError(err).Error("gather metrics")
		return nil
	}

	c.mu.Lock()
	kinds := make(map[string]Kind, len(c.names))
	for name, kind := range c.names {
		kinds[name] = kind
	}
	c.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(families))
	for _, family := range families {
		snapshots = append(snapshots, familySnapshot(family, kinds)...)
	}

	document, err := json.Marshal(snapshots)
	if err != nil {
		c.log.WithError(err).Error("marshal metrics document")
		return nil
	}

	if c.callback != nil {
		c.callback(document)
	}
	return document
}

func (c *Collector) updateProcessGauges() {
	if c.procUptime != nil {
		c.procUptime.Set(time.Since(c.startTime).Seconds())
	}
	if c.proc != nil && c.procMemory != nil {
		if info, err := c.proc.MemoryInfo(); err == nil && info != nil {
			c.procMemory.Set(float64(info.RSS))
		}
	}
}

func pid() int {
	return os.Getpid()
}

func formatBound(bound float64) string {
	if math.IsInf(bound, +1) {
		return "+Inf"
	}
	return strconv.FormatFloat(bound, 'g', -1, 64)
}

func familySnapshot(family *dto.MetricFamily, kinds map[string]Kind) []Snapshot {
	name := family.GetName()
	kind, ok := kinds[name]
	if !ok {
		return nil
	}

	var out []Snapshot
	for _, metric := range family.GetMetric() {
		snap := Snapshot{Name: name, Kind: kind}
		switch {
		case metric.GetCounter() != nil:
			snap.Value = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			snap.Value = metric.GetGauge().GetValue()
		case metric.GetHistogram() != nil:
			hist := metric.GetHistogram()
			snap.Count = hist.GetSampleCount()
			snap.Sum = hist.GetSampleSum()
			snap.Buckets = make(map[string]uint64, len(hist.GetBucket()))
			for _, bucket := range hist.GetBucket() {
				key := formatBound(bucket.GetUpperBound())
				snap.Buckets[key] = bucket.GetCumulativeCount()
			}
		}
		out = append(out, snap)
	}
	return out
}
