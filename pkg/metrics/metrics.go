package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Document metrics
	NotesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notecove_notes_loaded",
			Help: "Number of note documents currently held in memory",
		},
	)

	ColdLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notecove_cold_load_duration_seconds",
			Help:    "Time to load a note from disk in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	UpdatesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_updates_written_total",
			Help: "Total number of CRDT updates written to disk",
		},
	)

	UpdateWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notecove_update_write_duration_seconds",
			Help:    "Time to persist one update (append + finalize) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notecove_write_queue_depth",
			Help: "Updates waiting in per-note write queues",
		},
	)

	// Snapshot / pack / GC metrics
	SnapshotsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_snapshots_created_total",
			Help: "Total number of snapshots written",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notecove_snapshot_duration_seconds",
			Help:    "Time to encode and write a snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PackCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_pack_cycles_total",
			Help: "Total number of packing cycles run",
		},
	)

	PacksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_packs_created_total",
			Help: "Total number of pack files written",
		},
	)

	GCFilesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_gc_files_deleted_total",
			Help: "Total number of files removed by GC",
		},
	)

	GCBytesFreed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_gc_bytes_freed_total",
			Help: "Total bytes reclaimed by GC",
		},
	)

	GCErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_gc_errors_total",
			Help: "Total number of errors during GC cycles",
		},
	)

	// Sync metrics
	WatcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notecove_watcher_events_total",
			Help: "Filesystem watcher events delivered, by kind",
		},
		[]string{"kind"},
	)

	ReloadsTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_reloads_triggered_total",
			Help: "Total number of note reloads triggered by activity sync",
		},
	)

	SyncRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_sync_retries_total",
			Help: "Total number of sync existence-check retries",
		},
	)

	StaleSyncEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notecove_stale_sync_entries",
			Help: "Peer activity entries whose update data never became visible",
		},
	)
)

func init() {
	prometheus.MustRegister(NotesLoaded)
	prometheus.MustRegister(ColdLoadDuration)
	prometheus.MustRegister(UpdatesWritten)
	prometheus.MustRegister(UpdateWriteDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SnapshotsCreated)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(PackCyclesTotal)
	prometheus.MustRegister(PacksCreated)
	prometheus.MustRegister(GCFilesDeleted)
	prometheus.MustRegister(GCBytesFreed)
	prometheus.MustRegister(GCErrors)
	prometheus.MustRegister(WatcherEvents)
	prometheus.MustRegister(ReloadsTriggered)
	prometheus.MustRegister(SyncRetries)
	prometheus.MustRegister(StaleSyncEntries)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
