package appendlog

import (
	"fmt"
	"path/filepath"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/types"
)

// WriteNoteUpdate assigns the next monotonic sequence for this
// instance on the note, appends the record, and returns its
// coordinates. Sequences are strictly contiguous; callers serialize
// per note through the CRDT manager's queue.
func (m *Manager) WriteNoteUpdate(noteID string, payload []byte) (types.WriteCoords, error) {
	return m.writeUpdate(noteDirs(m.root, noteID), noteID, payload)
}

// WriteFolderUpdate appends an update to the SD's folder-tree stream.
func (m *Manager) WriteFolderUpdate(payload []byte) (types.WriteCoords, error) {
	return m.writeUpdate(folderDirs(m.root), folderStream, payload)
}

func (m *Manager) writeUpdate(dirs dirset, stream string, payload []byte) (types.WriteCoords, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[stream]
	if !ok || !st.scanned {
		var err error
		if st, err = m.scanWriteState(dirs); err != nil {
			return types.WriteCoords{}, fmt.Errorf("scan write state: %w", err)
		}
		m.streams[stream] = st
	}

	if err := m.fs.MkdirAll(dirs.updates); err != nil {
		return types.WriteCoords{}, fmt.Errorf("create updates dir: %w", err)
	}

	if st.fileSize >= types.UpdateFileMaxSize {
		st.fileIndex++
		st.fileSize = 0
	}

	seq := st.next
	fileName := codec.UpdateFileName(m.instanceID, st.fileIndex)
	path := filepath.Join(dirs.updates, fileName)
	offset := st.fileSize

	rec := types.UpdateRecord{
		InstanceID: m.instanceID,
		Sequence:   seq,
		Timestamp:  types.NowMillis(),
		Payload:    payload,
	}
	encoded := codec.EncodeRecord(rec, types.StatusInProgress)

	if err := m.fs.Append(path, encoded); err != nil {
		return types.WriteCoords{}, fmt.Errorf("append update %d: %w", seq, err)
	}
	if err := m.fs.RewriteByteAt(path, offset, types.StatusReady); err != nil {
		// The record is on disk but invisible, and readers stop at its
		// 0x00 status byte. Rotate so later records don't land behind
		// a permanently dark tail; the sequence is reissued.
		st.fileIndex++
		st.fileSize = 0
		return types.WriteCoords{}, fmt.Errorf("finalize update %d: %w", seq, err)
	}

	st.next = seq + 1
	st.fileSize += int64(len(encoded))

	return types.WriteCoords{Sequence: seq, Offset: offset, File: fileName}, nil
}

// scanWriteState derives this instance's append cursor from disk: the
// highest own sequence across update files, packs and every decodable
// snapshot, plus the highest own file index.
func (m *Manager) scanWriteState(dirs dirset) (*writeState, error) {
	st := &writeState{scanned: true}
	var maxSeq uint64
	var seen bool

	perInstance, err := m.collectUpdates(dirs)
	if err != nil {
		return nil, err
	}
	for _, lr := range perInstance[m.instanceID] {
		if !seen || lr.rec.Sequence > maxSeq {
			maxSeq, seen = lr.rec.Sequence, true
		}
	}

	if entries, err := m.listDir(dirs.packs); err == nil {
		for _, e := range entries {
			if inst, _, end, _, ok := codec.ParsePackFileName(e.Name); ok && inst == m.instanceID {
				if !seen || end > maxSeq {
					maxSeq, seen = end, true
				}
			}
		}
	}

	if entries, err := m.listDir(dirs.snapshots); err == nil {
		for _, e := range entries {
			if _, _, ok := codec.ParseSnapshotFileName(e.Name); !ok {
				continue
			}
			data, err := m.fs.Read(filepath.Join(dirs.snapshots, e.Name))
			if err != nil {
				continue
			}
			snap, err := codec.DecodeSnapshot(data)
			if err != nil {
				continue
			}
			if s, known := snap.Clock.MaxSeq(m.instanceID); known && (!seen || s > maxSeq) {
				maxSeq, seen = s, true
			}
		}
	}

	if seen {
		st.next = maxSeq + 1
	}

	if entries, err := m.listDir(dirs.updates); err == nil {
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
	return st, nil
}

// SaveNoteSnapshot encodes the doc's full state with its vector clock
// and writes it atomically. The snapshot decision belongs to the CRDT
// manager; this only performs the write.
func (m *Manager) SaveNoteSnapshot(noteID string, doc *crdt.Doc, clock types.VectorClock, totalChanges uint64) error {
	return m.saveSnapshot(noteDirs(m.root, noteID), doc, clock, totalChanges)
}

// SaveFolderSnapshot snapshots the folder-tree document.
func (m *Manager) SaveFolderSnapshot(doc *crdt.Doc, clock types.VectorClock, totalChanges uint64) error {
	return m.saveSnapshot(folderDirs(m.root), doc, clock, totalChanges)
}

func (m *Manager) saveSnapshot(dirs dirset, doc *crdt.Doc, clock types.VectorClock, totalChanges uint64) error {
	m.snapshotsInFlight.Add(1)
	defer m.snapshotsInFlight.Add(-1)

	state, err := doc.EncodeState()
	if err != nil {
		return fmt.Errorf("encode document state: %w", err)
	}
	createdAt := types.NowMillis()
	data, err := codec.EncodeSnapshot(state, clock, createdAt, totalChanges)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.fs.MkdirAll(dirs.snapshots); err != nil {
		return fmt.Errorf("create snapshots dir: %w", err)
	}
	path := filepath.Join(dirs.snapshots, codec.SnapshotFileName(createdAt, totalChanges))
	if err := m.fs.WriteAtomic(path, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	m.logger.Debug().Str("file", filepath.Base(path)).Uint64("total_changes", totalChanges).Msg("Snapshot written")
	return nil
}
