package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/enclave-runtime/pkg/logger"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(logger.NewDefault("metrics-test"), time.Hour)
}

func TestCounterRegisterOnce(t *testing.T) {
	c := newTestCollector(t)

	first := c.Counter("requests_total")
	require.NotNil(t, first)
	second := c.Counter("requests_total")
	require.NotNil(t, second)

	first.Inc()
	second.Add(2)

	snapshots := exportSnapshots(t, c)
	require.Equal(t, float64(3), snapshots["requests_total"].Value,
		"both handles must feed the same counter")
}

func TestKindConflictReturnsNil(t *testing.T) {
	c := newTestCollector(t)

	require.NotNil(t, c.Counter("shared_name"))
	require.Nil(t, c.Gauge("shared_name"))
	require.Nil(t, c.Histogram("shared_name"))

	// The original registration keeps working.
	require.NotNil(t, c.Counter("shared_name"))
}

func TestGaugeAndHistogram(t *testing.T) {
	c := newTestCollector(t)

	gauge := c.Gauge("live_contexts")
	require.NotNil(t, gauge)
	gauge.Set(7)

	hist := c.Histogram("payload_bytes")
	require.NotNil(t, hist)
	hist.Observe(100)
	hist.Observe(200)

	snapshots := exportSnapshots(t, c)
	require.Equal(t, float64(7), snapshots["live_contexts"].Value)
	require.Equal(t, uint64(2), snapshots["payload_bytes"].Count)
	require.Equal(t, float64(300), snapshots["payload_bytes"].Sum)
}

func TestStopwatchObservesTimer(t *testing.T) {
	c := newTestCollector(t)

	sw := c.StartTimer("op_seconds")
	time.Sleep(5 * time.Millisecond)
	elapsed := sw.Stop()
	require.GreaterOrEqual(t, elapsed, 5*time.Millisecond)

	snapshots := exportSnapshots(t, c)
	require.Equal(t, uint64(1), snapshots["op_seconds"].Count)
	require.Greater(t, snapshots["op_seconds"].Sum, 0.0)
	require.Equal(t, KindTimer, snapshots["op_seconds"].Kind)
}

func TestExportDeliversToCallback(t *testing.T) {
	c := newTestCollector(t)
	c.Counter("ticks_total").Inc()

	var received []byte
	c.SetExportCallback(func(document []byte) { received = document })

	document := c.Export()
	require.NotNil(t, document)
	require.Equal(t, document, received)

	var snapshots []Snapshot
	require.NoError(t, json.Unmarshal(document, &snapshots))
	require.NotEmpty(t, snapshots)
}

func TestProcessGaugesPresent(t *testing.T) {
	c := newTestCollector(t)

	snapshots := exportSnapshots(t, c)
	require.Contains(t, snapshots, "process_uptime_seconds")
	require.Contains(t, snapshots, "process_resident_memory_bytes")
}

func TestStartStopJoin(t *testing.T) {
	c := NewCollector(logger.NewDefault("metrics-test"), 10*time.Millisecond)

	exports := make(chan struct{}, 64)
	c.SetExportCallback(func([]byte) {
		select {
		case exports <- struct{}{}:
		default:
		}
	})

	c.Start()
	c.Start() // second Start is a no-op

	select {
	case <-exports:
	case <-time.After(2 * time.Second):
		t.Fatal("export loop never ticked")
	}

	c.Stop()
	c.Stop() // second Stop is a no-op
}

func exportSnapshots(t *testing.T, c *Collector) map[string]Snapshot {
	t.Helper()

	document := c.Export()
	require.NotNil(t, document)

	var list []Snapshot
	require.NoError(t, json.Unmarshal(document, &list))

	out := make(map[string]Snapshot, len(list))
	for _, snap := range list {
		out[snap.Name] = snap
	}
	return out
}
