package storage

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mehdi-haji/txnlog/txnlog"
)

// assert at compile time that a *ReadTracker satisfies the hooks the
// transaction log's per-obsoletion tidier drives.
var _ txnlog.Tracker = (*ReadTracker)(nil)

// DefaultReadMeterCacheSize bounds the number of tables whose read counts
// ReadTracker keeps in memory at once.
const DefaultReadMeterCacheSize = 4096

// ReadTracker is the engine-side collaborator the transaction log notifies
// as tables are marked for deletion and as their files are actually
// removed: a per-table read-count meter, and a level-wide on-disk-bytes
// gauge.
type ReadTracker struct {
	registry  *prometheus.Registry
	diskUsage prometheus.Gauge
	reads     *lru.Cache
}

// NewReadTracker builds a ReadTracker with its own private Prometheus
// registry, so tests can create as many independent trackers as they like
// without colliding on a global default registry.
func NewReadTracker(label string) (*ReadTracker, error) {
	reads, err := lru.New(DefaultReadMeterCacheSize)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "bluedb_disk_usage_bytes",
		Help:        "Total bytes of on-disk table components tracked by this directory.",
		ConstLabels: prometheus.Labels{"dir": label},
	})
	if err := registry.Register(gauge); err != nil {
		return nil, err
	}

	return &ReadTracker{registry: registry, diskUsage: gauge, reads: reads}, nil
}

// Registry exposes the tracker's private registry so a caller can serve it
// over /metrics.
func (rt *ReadTracker) Registry() *prometheus.Registry { return rt.registry }

// RecordRead bumps the read count for a table. Engine read paths call this
// directly; it has nothing to do with the transaction log.
func (rt *ReadTracker) RecordRead(table txnlog.Table) {
	key := table.BaseFilename()
	if v, ok := rt.reads.Get(key); ok {
		rt.reads.Add(key, v.(int64)+1)
		return
	}
	rt.reads.Add(key, int64(1))
}

// AddDiskUsage increments the on-disk-bytes gauge when a table is added.
func (rt *ReadTracker) AddDiskUsage(size int64) {
	rt.diskUsage.Add(float64(size))
}

// NotifyDeleting implements txnlog.Tracker. It is invoked synchronously the
// instant a table is recorded as REMOVE, before anything is physically
// deleted.
func (rt *ReadTracker) NotifyDeleting(table txnlog.Table) {}

// ClearReadMeter implements txnlog.Tracker. A missing entry is not an
// error -- the table may never have been read.
func (rt *ReadTracker) ClearReadMeter(table txnlog.Table) {
	rt.reads.Remove(table.BaseFilename())
}

// DecDiskUsage implements txnlog.Tracker.
func (rt *ReadTracker) DecDiskUsage(size int64) {
	rt.diskUsage.Sub(float64(size))
}
