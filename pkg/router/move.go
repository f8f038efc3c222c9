package router

import (
	"fmt"

	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/types"
)

// MoveNoteToSD moves a note across storage directories: the note's
// state is written into the target SD as a fresh stream (snapshot plus
// a first update), the source copy gets a tombstone metadata update,
// and both SDs' activity logs announce the change.
//
// When the target already holds a note with this ID, resolution picks
// the outcome: replace keeps the ID and merges the moved state over the
// target copy, keepBoth lands the content under a new ID, cancel aborts
// with a conflict error.
func (r *Router) MoveNoteToSD(noteID, targetSDID string, resolution types.ConflictResolution) (string, error) {
	sourceSDID := r.resolveSD(noteID, "")
	if sourceSDID == targetSDID {
		return noteID, nil
	}
	target, err := r.sd(targetSDID)
	if err != nil {
		return "", err
	}
	if _, err := r.sd(sourceSDID); err != nil {
		return "", err
	}

	targetID := noteID
	if r.noteExistsInSD(target, noteID) {
		switch resolution {
		case types.ConflictReplace:
			// Same ID; the moved state merges over the target copy.
		case types.ConflictKeepBoth:
			targetID = types.NewID()
		default:
			return "", fmt.Errorf("note %s already in sd %s: %w", noteID, targetSDID, types.ErrMoveConflict)
		}
	}

	// Read the note's current state from the source SD.
	h, err := r.mgr.LoadNote(noteID, sourceSDID)
	if err != nil {
		return "", fmt.Errorf("load source note: %w", err)
	}
	state, err := h.Doc().EncodeState()
	if err != nil {
		h.Close()
		return "", err
	}
	now := types.NowMillis()

	// Target side: a snapshot carrying the full state plus one update
	// claiming the new SD, so peers have both a cold-load path and an
	// activity entry to chase.
	moved := crdt.NewDoc()
	if err := moved.ApplyState(state); err != nil {
		h.Close()
		return "", err
	}
	movePayload, err := moved.BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "sdId", Value: targetSDID},
		{Kind: crdt.KindMeta, Key: "modified", Value: now},
	})
	if err != nil {
		h.Close()
		return "", err
	}
	coords, err := target.alm.WriteNoteUpdate(targetID, movePayload)
	if err != nil {
		h.Close()
		return "", fmt.Errorf("write move update: %w", err)
	}
	if err := moved.ApplyUpdate(movePayload, types.OriginIPC); err != nil {
		h.Close()
		return "", err
	}
	clock := types.VectorClock{}
	clock.Absorb(r.instanceID, coords.Sequence, coords.Offset, coords.File)
	if err := target.alm.SaveNoteSnapshot(targetID, moved, clock, 1); err != nil {
		h.Close()
		return "", fmt.Errorf("write move snapshot: %w", err)
	}
	if err := r.mgr.RecordMoveActivity(targetID, targetSDID, coords.Sequence); err != nil {
		r.logger.Error().Err(err).Str("note_id", targetID).Msg("Failed to announce move in target SD")
	}

	// Source side: tombstone. This flows through the normal apply path,
	// so the source SD's activity log announces it too.
	tombstone, err := h.Doc().BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "deletedAt", Value: now},
		{Kind: crdt.KindMeta, Key: "movedTo", Value: targetID},
	})
	if err != nil {
		h.Close()
		return "", err
	}
	if err := r.mgr.ApplyUpdate(noteID, tombstone, manager.ApplyOptions{SkipTimestampUpdate: true}); err != nil {
		h.Close()
		return "", fmt.Errorf("tombstone source note: %w", err)
	}
	h.Close()

	// The in-memory doc still belongs to the source SD; drop it so the
	// next load resolves against the target.
	r.mgr.ForceUnloadNote(noteID)

	if err := r.cache.UpsertNote(deriveMovedMetadata(targetID, targetSDID, moved)); err != nil {
		r.logger.Error().Err(err).Str("note_id", targetID).Msg("Failed to cache moved note")
	}
	if md, err := r.cache.GetNote(noteID); err == nil {
		md.Deleted = true
		md.DeletedAt = now
		if err := r.cache.UpsertNote(md); err != nil {
			r.logger.Error().Err(err).Str("note_id", noteID).Msg("Failed to cache tombstone")
		}
	}

	r.logger.Info().
		Str("note_id", noteID).
		Str("target_id", targetID).
		Str("source_sd", sourceSDID).
		Str("target_sd", targetSDID).
		Msg("Note moved across SDs")
	return targetID, nil
}

// noteExistsInSD checks for any on-disk trace of the note in an SD.
func (r *Router) noteExistsInSD(sd *sdState, noteID string) bool {
	updates, _ := sd.alm.ListUpdateFiles(noteID)
	if len(updates) > 0 {
		return true
	}
	packs, _ := sd.alm.ListPackFiles(noteID)
	if len(packs) > 0 {
		return true
	}
	snaps, _ := sd.alm.ListSnapshotFiles(noteID)
	return len(snaps) > 0
}

func deriveMovedMetadata(noteID, sdID string, doc *crdt.Doc) *types.NoteMetadata {
	text := doc.ContentText()
	title := text
	if len(title) > 80 {
		title = title[:80]
	}
	preview := text
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return &types.NoteMetadata{
		ID:             noteID,
		SDID:           sdID,
		FolderID:       doc.MetaString("folderId"),
		TitleText:      title,
		ContentPreview: preview,
		Created:        doc.MetaInt64("created"),
		Modified:       doc.MetaInt64("modified"),
		Pinned:         doc.MetaBool("pinned"),
	}
}
