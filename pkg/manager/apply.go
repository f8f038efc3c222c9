package manager

import (
	"fmt"
	"strings"

	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/types"
)

// ApplyOptions tunes ApplyUpdate.
type ApplyOptions struct {
	// SkipTimestampUpdate suppresses the metadata write that bumps the
	// note's modified timestamp. Comment edits and background
	// migrations use it; ordinary editor input does not.
	SkipTimestampUpdate bool

	// alreadyApplied means the doc already holds the update (a local
	// editor mutated it directly); only persistence remains.
	alreadyApplied bool
}

// ApplyUpdate persists an update and applies it to the live doc, in
// that order, on the note's serial queue. The in-memory apply carries
// the IPC origin so the doc's persistence listener does not write the
// update a second time.
func (m *Manager) ApplyUpdate(noteID string, payload []byte, opts ApplyOptions) error {
	m.mu.Lock()
	e, ok := m.docs[noteID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("note %s not loaded: %w", noteID, types.ErrNotFound)
	}

	return e.queue.Do(func() error {
		if err := m.persistUpdate(noteID, e, payload); err != nil {
			// The queue continues with the next item; the failed
			// update is the caller's to retry, not silently dropped.
			return err
		}
		if !opts.alreadyApplied {
			if err := e.doc.ApplyUpdate(payload, types.OriginIPC); err != nil {
				return fmt.Errorf("apply update to doc: %w", err)
			}
		}
		m.mu.Lock()
		e.editCount++
		e.totalChanges++
		m.mu.Unlock()

		if !opts.SkipTimestampUpdate {
			if err := m.bumpModified(noteID, e); err != nil {
				m.logger.Error().Err(err).Str("note_id", noteID).Msg("Failed to bump modified timestamp")
			}
		}

		m.maybeSnapshot(noteID, e, false)
		return nil
	})
}

// persistUpdate writes the payload to the SD's append log, advances
// the in-memory vector clock, and records activity for peers.
func (m *Manager) persistUpdate(noteID string, e *docEntry, payload []byte) error {
	alm, err := m.sdManager(e.sdID)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	coords, err := alm.WriteNoteUpdate(noteID, payload)
	if err != nil {
		return fmt.Errorf("write update: %w", err)
	}
	timer.ObserveDuration(metrics.UpdateWriteDuration)
	metrics.UpdatesWritten.Inc()

	m.mu.Lock()
	e.clock.Absorb(m.instanceID, coords.Sequence, coords.Offset, coords.File)
	logger := m.activity[e.sdID]
	m.mu.Unlock()

	if logger != nil {
		if err := logger.RecordNoteActivity(noteID, coords.Sequence); err != nil {
			// Peers fall back to the periodic rescan; the write itself
			// is durable.
			m.logger.Error().Err(err).Str("note_id", noteID).Msg("Failed to record activity")
		}
	}
	return nil
}

// bumpModified writes a metadata update advancing the note's modified
// timestamp, announces it, and refreshes the metadata cache row.
func (m *Manager) bumpModified(noteID string, e *docEntry) error {
	now := types.NowMillis()
	payload, err := e.doc.BuildUpdate(m.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "modified", Value: now},
	})
	if err != nil {
		return err
	}
	if err := m.persistUpdate(noteID, e, payload); err != nil {
		return err
	}
	if err := e.doc.ApplyUpdate(payload, types.OriginIPC); err != nil {
		return err
	}

	m.mu.Lock()
	e.totalChanges++
	modified := m.modifiedUpdate
	m.mu.Unlock()
	if modified != nil {
		modified(noteID, now)
	}

	if err := m.upsertMetadata(noteID, e); err != nil {
		m.logger.Error().Err(err).Str("note_id", noteID).Msg("Failed to upsert metadata cache")
	}
	return nil
}

// upsertMetadata projects the doc into the metadata cache row used for
// listing and search.
func (m *Manager) upsertMetadata(noteID string, e *docEntry) error {
	return m.cache.UpsertNote(deriveMetadata(noteID, e.sdID, e.doc))
}

func deriveMetadata(noteID, sdID string, doc *crdt.Doc) *types.NoteMetadata {
	text := doc.ContentText()
	title := text
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 80 {
		title = title[:80]
	}
	preview := text
	if len(preview) > 200 {
		preview = preview[:200]
	}

	deletedAt := doc.MetaInt64("deletedAt")
	return &types.NoteMetadata{
		ID:             noteID,
		SDID:           sdID,
		FolderID:       doc.MetaString("folderId"),
		TitleText:      title,
		ContentPreview: preview,
		Created:        doc.MetaInt64("created"),
		Modified:       doc.MetaInt64("modified"),
		Pinned:         doc.MetaBool("pinned"),
		Deleted:        deletedAt > 0,
		DeletedAt:      deletedAt,
	}
}
