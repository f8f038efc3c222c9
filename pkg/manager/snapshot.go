package manager

import (
	"fmt"
	"time"

	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/types"
)

// snapshotThreshold adapts to the note's edit rate: busy notes
// snapshot often so cold loads stay cheap, quiet notes snapshot
// rarely, and a note idle past the idle window gets one cheap snapshot
// to settle its tail.
func (e *docEntry) snapshotThreshold(now time.Time) int {
	elapsed := now.Sub(e.lastSnapshotCheck).Minutes()
	if elapsed <= 0 {
		elapsed = 1.0 / 60
	}
	rate := float64(e.editCount) / elapsed

	switch {
	case rate > 10:
		return 50
	case rate >= 5:
		return 100
	case rate >= 1:
		return 200
	case now.Sub(e.lastSnapshotCreated) > types.IdleSnapshotAfter:
		return 50
	default:
		return 500
	}
}

// maybeSnapshot runs one snapshot check. Runs on the note's serial
// queue. With force set (unload, shutdown flush), any unsnapshotted
// edits are flushed regardless of threshold.
func (m *Manager) maybeSnapshot(noteID string, e *docEntry, force bool) {
	now := time.Now()

	m.mu.Lock()
	threshold := e.snapshotThreshold(now)
	e.lastSnapshotCheck = now
	edits := e.editCount
	m.mu.Unlock()

	if edits == 0 {
		return
	}
	if !force && edits < threshold {
		return
	}
	m.writeSnapshot(noteID, e)
}

// writeSnapshot performs the snapshot write unconditionally. Runs on
// the note's serial queue.
func (m *Manager) writeSnapshot(noteID string, e *docEntry) {
	alm, err := m.sdManager(e.sdID)
	if err != nil {
		m.logger.Error().Err(err).Str("note_id", noteID).Msg("Snapshot skipped, SD gone")
		return
	}

	m.mu.Lock()
	clock := e.clock.Clone()
	totalChanges := e.totalChanges
	m.mu.Unlock()

	timer := metrics.NewTimer()
	if err := alm.SaveNoteSnapshot(noteID, e.doc, clock, totalChanges); err != nil {
		m.logger.Error().Err(err).Str("note_id", noteID).Msg("Snapshot write failed")
		return
	}
	timer.ObserveDuration(metrics.SnapshotDuration)
	metrics.SnapshotsCreated.Inc()

	m.mu.Lock()
	e.editCount = 0
	e.lastSnapshotCreated = time.Now()
	m.mu.Unlock()
}

// SnapshotNote snapshots one loaded note immediately, regardless of
// its edit counter. The explicit create-snapshot operation uses this.
func (m *Manager) SnapshotNote(noteID string) error {
	m.mu.Lock()
	e, ok := m.docs[noteID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("note %s not loaded: %w", noteID, types.ErrNotFound)
	}
	return e.queue.Do(func() error {
		m.writeSnapshot(noteID, e)
		return nil
	})
}

// periodicSnapshotCheck sweeps every loaded note on the snapshot
// interval.
func (m *Manager) periodicSnapshotCheck() {
	m.mu.Lock()
	entries := make(map[string]*docEntry, len(m.docs))
	for id, e := range m.docs {
		entries[id] = e
	}
	m.mu.Unlock()

	for noteID, e := range entries {
		noteID, e := noteID, e
		go func() {
			_ = e.queue.Do(func() error {
				m.maybeSnapshot(noteID, e, false)
				return nil
			})
		}()
	}
}

// Flush waits until every enqueued write has completed.
func (m *Manager) Flush() {
	m.mu.Lock()
	queues := make([]*serialQueue, 0, len(m.docs))
	for _, e := range m.docs {
		queues = append(queues, e.queue)
	}
	m.mu.Unlock()

	for _, q := range queues {
		_ = q.Do(func() error { return nil })
	}
}

// GetPendingSnapshotCount returns how many loaded notes carry edits
// not yet captured by a snapshot. Shutdown UX shows this.
func (m *Manager) GetPendingSnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.docs {
		if e.editCount > 0 {
			count++
		}
	}
	return count
}

// FlushSnapshots snapshots every note with pending edits, reporting
// progress as (done, total) after each.
func (m *Manager) FlushSnapshots(onProgress func(done, total int)) {
	m.mu.Lock()
	type pending struct {
		noteID string
		e      *docEntry
	}
	var todo []pending
	for id, e := range m.docs {
		if e.editCount > 0 {
			todo = append(todo, pending{id, e})
		}
	}
	m.mu.Unlock()

	for i, p := range todo {
		_ = p.e.queue.Do(func() error {
			m.maybeSnapshot(p.noteID, p.e, true)
			return nil
		})
		if onProgress != nil {
			onProgress(i+1, len(todo))
		}
	}
}
