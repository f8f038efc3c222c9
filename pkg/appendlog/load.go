package appendlog

import (
	"path/filepath"
	"sort"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/types"
)

// loadRec is one update record plus the coordinates it was read from.
type loadRec struct {
	rec    types.UpdateRecord
	offset int64
	file   string
}

// LoadNote resolves a note from disk: best consistent snapshot, then
// covering packs, then the individual update tail. Files that fail to
// decode are logged and skipped; a load never aborts on a bad file.
func (m *Manager) LoadNote(noteID string) (*crdt.Doc, types.VectorClock, error) {
	return m.loadDoc(noteDirs(m.root, noteID), noteID)
}

// LoadFolderTree loads the SD-scoped folder tree document with the
// same algorithm.
func (m *Manager) LoadFolderTree() (*crdt.Doc, types.VectorClock, error) {
	return m.loadDoc(folderDirs(m.root), folderStream)
}

func (m *Manager) loadDoc(dirs dirset, stream string) (*crdt.Doc, types.VectorClock, error) {
	doc := crdt.NewDoc()
	vc := make(types.VectorClock)

	m.loadBestSnapshot(dirs, doc, vc)
	m.applyPacks(dirs, doc, vc)
	m.applyUpdateTail(dirs, doc, vc)
	m.initWriteState(dirs, stream, vc)

	return doc, vc, nil
}

// loadBestSnapshot tries snapshots newest-first (by creation time,
// then total change count); the first that decodes wins. When every
// snapshot is corrupt the caller falls through to full log replay.
func (m *Manager) loadBestSnapshot(dirs dirset, doc *crdt.Doc, vc types.VectorClock) {
	entries, err := m.listDir(dirs.snapshots)
	if err != nil {
		m.logger.Error().Err(err).Str("dir", dirs.snapshots).Msg("Failed to list snapshots")
		return
	}

	type cand struct {
		name      string
		createdAt int64
		changes   uint64
	}
	var cands []cand
	for _, e := range entries {
		if ts, tc, ok := codec.ParseSnapshotFileName(e.Name); ok {
			cands = append(cands, cand{name: e.Name, createdAt: ts, changes: tc})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].createdAt != cands[j].createdAt {
			return cands[i].createdAt > cands[j].createdAt
		}
		return cands[i].changes > cands[j].changes
	})

	for _, c := range cands {
		path := filepath.Join(dirs.snapshots, c.name)
		data, err := m.fs.Read(path)
		if err != nil {
			m.logger.Error().Err(err).Str("file", c.name).Msg("Failed to read snapshot")
			continue
		}
		snap, err := codec.DecodeSnapshot(data)
		if err != nil {
			m.logger.Error().Err(err).Str("file", c.name).Msg("Snapshot decode failed, trying next candidate")
			continue
		}
		if err := doc.ApplyState(snap.State); err != nil {
			m.logger.Error().Err(err).Str("file", c.name).Msg("Snapshot state rejected, trying next candidate")
			continue
		}
		vc.Merge(snap.Clock)
		return
	}
}

// applyPacks applies every pack whose end sequence exceeds what the
// snapshot already absorbed, in ascending order per instance.
func (m *Manager) applyPacks(dirs dirset, doc *crdt.Doc, vc types.VectorClock) {
	entries, err := m.listDir(dirs.packs)
	if err != nil {
		m.logger.Error().Err(err).Str("dir", dirs.packs).Msg("Failed to list packs")
		return
	}

	type packFile struct {
		name       string
		instanceID string
		startSeq   uint64
		endSeq     uint64
		compressed bool
	}
	var packs []packFile
	for _, e := range entries {
		if inst, start, end, zst, ok := codec.ParsePackFileName(e.Name); ok {
			packs = append(packs, packFile{e.Name, inst, start, end, zst})
		}
	}
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].instanceID != packs[j].instanceID {
			return packs[i].instanceID < packs[j].instanceID
		}
		return packs[i].startSeq < packs[j].startSeq
	})

	for _, p := range packs {
		maxSeq, known := vc.MaxSeq(p.instanceID)
		if known && p.endSeq <= maxSeq {
			continue
		}
		data, err := m.fs.Read(filepath.Join(dirs.packs, p.name))
		if err != nil {
			m.logger.Error().Err(err).Str("file", p.name).Msg("Failed to read pack")
			continue
		}
		pack, err := codec.DecodePack(data, p.compressed)
		if err != nil {
			m.logger.Error().Err(err).Str("file", p.name).Msg("Pack decode failed, skipping")
			continue
		}
		for _, rec := range pack.Records {
			if known && rec.Sequence <= maxSeq {
				continue
			}
			if err := doc.ApplyUpdate(rec.Payload, types.OriginLoad); err != nil {
				m.logger.Error().Err(err).Str("file", p.name).Uint64("sequence", rec.Sequence).Msg("Pack record rejected")
				continue
			}
			vc.Absorb(rec.InstanceID, rec.Sequence, 0, p.name)
		}
	}
}

// applyUpdateTail applies individual update records strictly above the
// clock, per instance in sequence order. The stream stops at the first
// gap: a missing sequence means a peer's write has not landed yet, and
// the clock must not claim coverage past it.
func (m *Manager) applyUpdateTail(dirs dirset, doc *crdt.Doc, vc types.VectorClock) {
	perInstance, err := m.collectUpdates(dirs)
	if err != nil {
		m.logger.Error().Err(err).Str("dir", dirs.updates).Msg("Failed to read update files")
		return
	}

	for instanceID, recs := range perInstance {
		maxSeq, known := vc.MaxSeq(instanceID)
		for _, lr := range recs {
			if known && lr.rec.Sequence <= maxSeq {
				continue
			}
			expected := uint64(0)
			if known {
				expected = maxSeq + 1
			}
			if lr.rec.Sequence > expected {
				m.logger.Warn().
					Str("instance_id", instanceID).
					Uint64("expected", expected).
					Uint64("got", lr.rec.Sequence).
					Msg("Gap in update tail, deferring rest of stream")
				break
			}
			if err := doc.ApplyUpdate(lr.rec.Payload, types.OriginLoad); err != nil {
				m.logger.Error().Err(err).Str("file", lr.file).Uint64("sequence", lr.rec.Sequence).Msg("Update record rejected")
			}
			vc.Absorb(instanceID, lr.rec.Sequence, lr.offset, lr.file)
			maxSeq, known = lr.rec.Sequence, true
		}
	}
}

// collectUpdates reads every update file in a stream's updates
// directory - batched .crdtlog files and legacy one-record .yjson
// files - and returns records grouped per instance, ascending by
// sequence. Undecodable files are logged and skipped.
func (m *Manager) collectUpdates(dirs dirset) (map[string][]loadRec, error) {
	entries, err := m.listDir(dirs.updates)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]loadRec)
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		path := filepath.Join(dirs.updates, e.Name)

		if instanceID, _, ok := codec.ParseUpdateFileName(e.Name); ok {
			data, err := m.fs.Read(path)
			if err != nil {
				m.logger.Error().Err(err).Str("file", e.Name).Msg("Failed to read update file")
				continue
			}
			recs, err := codec.DecodeRecords(instanceID, data)
			if err != nil {
				m.logger.Error().Err(err).Str("file", e.Name).Msg("Partial update file decode")
			}
			for _, r := range recs {
				out[instanceID] = append(out[instanceID], loadRec{rec: r.UpdateRecord, offset: r.Offset, file: e.Name})
			}
			continue
		}

		if instanceID, seq, ok := codec.ParseLegacyUpdateFileName(e.Name); ok {
			data, err := m.fs.Read(path)
			if err != nil {
				m.logger.Error().Err(err).Str("file", e.Name).Msg("Failed to read legacy update file")
				continue
			}
			out[instanceID] = append(out[instanceID], loadRec{
				rec: types.UpdateRecord{
					InstanceID: instanceID,
					Sequence:   seq,
					Timestamp:  e.ModTime.UnixMilli(),
					Payload:    data,
				},
				file: e.Name,
			})
		}
	}

	for _, recs := range out {
		sort.Slice(recs, func(i, j int) bool { return recs[i].rec.Sequence < recs[j].rec.Sequence })
	}
	return out, nil
}

// initWriteState seeds this instance's append cursor from what the
// load observed, so the next write continues the contiguous sequence.
func (m *Manager) initWriteState(dirs dirset, stream string, vc types.VectorClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.streams[stream]; ok && st.scanned {
		return
	}

	st := &writeState{scanned: true}
	if maxSeq, known := vc.MaxSeq(m.instanceID); known {
		st.next = maxSeq + 1
	}

	entries, err := m.listDir(dirs.updates)
	if err == nil {
		found := false
		for _, e := range entries {
			inst, idx, ok := codec.ParseUpdateFileName(e.Name)
			if !ok || inst != m.instanceID {
				continue
			}
			if !found || idx > st.fileIndex {
				found = true
				st.fileIndex = idx
				st.fileSize = e.Size
			}
		}
	}
	m.streams[stream] = st
}

// HasSequence reports whether (instanceID, seq) for a note is present
// on disk in any form: update file, pack, or absorbed by a snapshot.
// The activity-sync layer uses it to confirm a peer's data has arrived
// before triggering a reload.
func (m *Manager) HasSequence(noteID, instanceID string, seq uint64) bool {
	dirs := noteDirs(m.root, noteID)

	if entries, err := m.listDir(dirs.packs); err == nil {
		for _, e := range entries {
			if inst, start, end, _, ok := codec.ParsePackFileName(e.Name); ok &&
				inst == instanceID && start <= seq && seq <= end {
				return true
			}
		}
	}

	if entries, err := m.listDir(dirs.updates); err == nil {
		for _, e := range entries {
			if inst, s, ok := codec.ParseLegacyUpdateFileName(e.Name); ok && inst == instanceID && s == seq {
				return true
			}
			inst, _, ok := codec.ParseUpdateFileName(e.Name)
			if !ok || inst != instanceID {
				continue
			}
			data, err := m.fs.Read(filepath.Join(dirs.updates, e.Name))
			if err != nil {
				continue
			}
			recs, _ := codec.DecodeRecords(inst, data)
			for _, r := range recs {
				if r.Sequence == seq {
					return true
				}
			}
		}
	}

	if entries, err := m.listDir(dirs.snapshots); err == nil {
		best := int64(-1)
		bestName := ""
		for _, e := range entries {
			if ts, _, ok := codec.ParseSnapshotFileName(e.Name); ok && ts > best {
				best, bestName = ts, e.Name
			}
		}
		if bestName != "" {
			if data, err := m.fs.Read(filepath.Join(dirs.snapshots, bestName)); err == nil {
				if snap, err := codec.DecodeSnapshot(data); err == nil {
					return snap.Clock.HasApplied(instanceID, seq)
				}
			}
		}
	}
	return false
}
