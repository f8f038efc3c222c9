package appendlog

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/types"
)

// GCStats summarizes one GC cycle for telemetry.
type GCStats struct {
	FilesDeleted int
	BytesFreed   int64
	Errors       int
}

// GCOnce runs one GC cycle: update files that are both dominated by a
// snapshot and covered by a pack are removed, packs fully dominated by
// the latest snapshot are removed, and snapshots beyond the retained
// pair are removed. The latest snapshot is never deleted.
func (m *Manager) GCOnce() (GCStats, error) {
	var stats GCStats
	var result *multierror.Error

	notes, err := m.ListNotes()
	if err != nil {
		return stats, fmt.Errorf("list notes: %w", err)
	}

	for _, noteID := range notes {
		if m.yieldToSnapshots() {
			break
		}
		m.gcStream(noteDirs(m.root, noteID), noteID, &stats, &result)
	}
	if !m.yieldToSnapshots() {
		m.gcStream(folderDirs(m.root), folderStream, &stats, &result)
	}

	err = result.ErrorOrNil()
	if err != nil {
		stats.Errors = len(result.Errors)
	}

	metrics.GCFilesDeleted.Add(float64(stats.FilesDeleted))
	metrics.GCBytesFreed.Add(float64(stats.BytesFreed))
	metrics.GCErrors.Add(float64(stats.Errors))

	return stats, err
}

func (m *Manager) gcStream(dirs dirset, stream string, stats *GCStats, result **multierror.Error) {
	clock, retained := m.latestSnapshotClock(dirs)
	if clock == nil {
		// Nothing is dominated without a snapshot; only snapshot
		// retention could apply, and there is nothing to retain.
		return
	}

	type span struct{ start, end uint64 }
	packSpans := make(map[string][]span)
	packEntries, _ := m.listDir(dirs.packs)
	for _, e := range packEntries {
		if inst, start, end, _, ok := codec.ParsePackFileName(e.Name); ok {
			packSpans[inst] = append(packSpans[inst], span{start, end})
		}
	}
	covered := func(inst string, seq uint64) bool {
		for _, s := range packSpans[inst] {
			if s.start <= seq && seq <= s.end {
				return true
			}
		}
		return false
	}

	// Update files: every record must be dominated by the snapshot AND
	// covered by a pack. The file this instance is currently appending
	// to is never removed out from under the write cursor.
	activeFile := ""
	m.mu.Lock()
	if st, ok := m.streams[stream]; ok && st.scanned {
		activeFile = codec.UpdateFileName(m.instanceID, st.fileIndex)
	}
	m.mu.Unlock()

	updateEntries, _ := m.listDir(dirs.updates)
	for _, e := range updateEntries {
		if e.IsDir || e.Name == activeFile {
			continue
		}
		path := filepath.Join(dirs.updates, e.Name)

		if inst, seq, ok := codec.ParseLegacyUpdateFileName(e.Name); ok {
			if clock.HasApplied(inst, seq) && covered(inst, seq) {
				m.removeForGC(path, e.Size, stats, result)
			}
			continue
		}

		inst, _, ok := codec.ParseUpdateFileName(e.Name)
		if !ok {
			continue
		}
		data, err := m.fs.Read(path)
		if err != nil {
			*result = multierror.Append(*result, err)
			continue
		}
		recs, decErr := codec.DecodeRecords(inst, data)
		if decErr != nil || len(recs) == 0 {
			// Undecodable or still-dark files are not GC's to judge.
			continue
		}
		deletable := true
		for _, r := range recs {
			if !clock.HasApplied(inst, r.Sequence) || !covered(inst, r.Sequence) {
				deletable = false
				break
			}
		}
		if deletable {
			m.removeForGC(path, e.Size, stats, result)
		}
	}

	// Packs fully dominated by the latest snapshot.
	for _, e := range packEntries {
		inst, _, end, _, ok := codec.ParsePackFileName(e.Name)
		if !ok {
			continue
		}
		if clock.HasApplied(inst, end) {
			m.removeForGC(filepath.Join(dirs.packs, e.Name), e.Size, stats, result)
		}
	}

	// Snapshot retention: keep the SnapshotsRetained most recent for
	// recovery, delete the rest.
	if len(retained) > types.SnapshotsRetained {
		for _, name := range retained[types.SnapshotsRetained:] {
			info, err := m.fs.Stat(filepath.Join(dirs.snapshots, name))
			size := int64(0)
			if err == nil {
				size = info.Size
			}
			m.removeForGC(filepath.Join(dirs.snapshots, name), size, stats, result)
		}
	}
}

func (m *Manager) removeForGC(path string, size int64, stats *GCStats, result **multierror.Error) {
	if err := m.fs.Remove(path); err != nil {
		*result = multierror.Append(*result, fmt.Errorf("gc remove %s: %w", path, err))
		return
	}
	stats.FilesDeleted++
	stats.BytesFreed += size
}

// latestSnapshotClock returns the newest decodable snapshot's vector
// clock plus every snapshot file name ordered newest-first. A nil
// clock means no usable snapshot exists.
func (m *Manager) latestSnapshotClock(dirs dirset) (types.VectorClock, []string) {
	entries, err := m.listDir(dirs.snapshots)
	if err != nil {
		return nil, nil
	}
	type cand struct {
		name      string
		createdAt int64
		changes   uint64
	}
	var cands []cand
	for _, e := range entries {
		if ts, tc, ok := codec.ParseSnapshotFileName(e.Name); ok {
			cands = append(cands, cand{e.Name, ts, tc})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].createdAt != cands[j].createdAt {
			return cands[i].createdAt > cands[j].createdAt
		}
		return cands[i].changes > cands[j].changes
	})

	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.name)
	}

	for _, c := range cands {
		data, err := m.fs.Read(filepath.Join(dirs.snapshots, c.name))
		if err != nil {
			continue
		}
		snap, err := codec.DecodeSnapshot(data)
		if err != nil {
			continue
		}
		return snap.Clock, names
	}
	return nil, nil
}
