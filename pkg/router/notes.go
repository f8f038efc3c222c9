package router

import (
	"fmt"

	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/types"
)

// CreateNote creates a new note in the given SD (the active SD when
// empty) and returns its ID. The note exists the moment its first
// update is written.
func (r *Router) CreateNote(sdHint, folderID string) (string, error) {
	sdID := sdHint
	if sdID == "" {
		sdID = r.ActiveSD()
	}
	if _, err := r.sd(sdID); err != nil {
		return "", err
	}

	noteID := types.NewID()
	h, err := r.mgr.LoadNote(noteID, sdID)
	if err != nil {
		return "", err
	}
	defer h.Close()

	now := types.NowMillis()
	payload, err := h.Doc().BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "created", Value: now},
		{Kind: crdt.KindMeta, Key: "modified", Value: now},
		{Kind: crdt.KindMeta, Key: "folderId", Value: folderID},
		{Kind: crdt.KindMeta, Key: "sdId", Value: sdID},
	})
	if err != nil {
		return "", err
	}
	if err := r.mgr.ApplyUpdate(noteID, payload, manager.ApplyOptions{SkipTimestampUpdate: true}); err != nil {
		return "", fmt.Errorf("write initial update: %w", err)
	}

	if err := r.cache.UpsertNote(&types.NoteMetadata{
		ID: noteID, SDID: sdID, FolderID: folderID, Created: now, Modified: now,
	}); err != nil {
		r.logger.Error().Err(err).Str("note_id", noteID).Msg("Failed to cache new note")
	}
	return noteID, nil
}

// DeleteNote marks a note deleted. Files stay; GC reclaims superseded
// updates and the trash UI can restore until then.
func (r *Router) DeleteNote(noteID string) error {
	return r.setDeletedAt(noteID, types.NowMillis())
}

// RestoreNote clears a note's deletion mark.
func (r *Router) RestoreNote(noteID string) error {
	return r.setDeletedAt(noteID, 0)
}

func (r *Router) setDeletedAt(noteID string, deletedAt int64) error {
	sdID := r.resolveSD(noteID, "")
	h, err := r.mgr.LoadNote(noteID, sdID)
	if err != nil {
		return err
	}
	defer h.Close()

	payload, err := h.Doc().BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "deletedAt", Value: deletedAt},
	})
	if err != nil {
		return err
	}
	return r.mgr.ApplyUpdate(noteID, payload, manager.ApplyOptions{})
}

// MoveNote moves a note to another folder within its SD.
func (r *Router) MoveNote(noteID, folderID string) error {
	sdID := r.resolveSD(noteID, "")
	h, err := r.mgr.LoadNote(noteID, sdID)
	if err != nil {
		return err
	}
	defer h.Close()

	payload, err := h.Doc().BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "folderId", Value: folderID},
	})
	if err != nil {
		return err
	}
	return r.mgr.ApplyUpdate(noteID, payload, manager.ApplyOptions{})
}

// SetPinned flips a note's pinned flag.
func (r *Router) SetPinned(noteID string, pinned bool) error {
	sdID := r.resolveSD(noteID, "")
	h, err := r.mgr.LoadNote(noteID, sdID)
	if err != nil {
		return err
	}
	defer h.Close()

	payload, err := h.Doc().BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "pinned", Value: pinned},
	})
	if err != nil {
		return err
	}
	return r.mgr.ApplyUpdate(noteID, payload, manager.ApplyOptions{})
}

// NoteInfo gathers a note's on-disk shape for diagnostics.
type NoteInfo struct {
	NoteID        string
	SDID          string
	UpdateFiles   int
	PackFiles     int
	SnapshotFiles int
	Loaded        bool
}

// GetNoteInfo inspects a note's storage without loading it.
func (r *Router) GetNoteInfo(noteID string) (*NoteInfo, error) {
	sdID := r.resolveSD(noteID, "")
	sd, err := r.sd(sdID)
	if err != nil {
		return nil, err
	}
	updates, err := sd.alm.ListUpdateFiles(noteID)
	if err != nil {
		return nil, err
	}
	packs, err := sd.alm.ListPackFiles(noteID)
	if err != nil {
		return nil, err
	}
	snaps, err := sd.alm.ListSnapshotFiles(noteID)
	if err != nil {
		return nil, err
	}
	return &NoteInfo{
		NoteID:        noteID,
		SDID:          sdID,
		UpdateFiles:   len(updates),
		PackFiles:     len(packs),
		SnapshotFiles: len(snaps),
		Loaded:        r.mgr.GetDocument(noteID) != nil,
	}, nil
}

// CreateSnapshot forces a snapshot of a note now.
func (r *Router) CreateSnapshot(noteID string) error {
	sdID := r.resolveSD(noteID, "")
	h, err := r.mgr.LoadNote(noteID, sdID)
	if err != nil {
		return err
	}
	defer h.Close()
	return r.mgr.SnapshotNote(noteID)
}
