package router

import (
	"fmt"
	"sort"

	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/types"
)

// ListFolders returns an SD's folder tree, deleted folders excluded,
// ordered by the order key within each parent.
func (r *Router) ListFolders(sdID string) ([]types.Folder, error) {
	sd, err := r.sd(sdID)
	if err != nil {
		return nil, err
	}
	sd.folderMu.Lock()
	all := sd.folderDoc.Folders()
	sd.folderMu.Unlock()

	out := make([]types.Folder, 0, len(all))
	for _, f := range all {
		if !f.Deleted {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID < out[j].ParentID
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetFolder returns one folder.
func (r *Router) GetFolder(sdID, folderID string) (*types.Folder, error) {
	sd, err := r.sd(sdID)
	if err != nil {
		return nil, err
	}
	sd.folderMu.Lock()
	defer sd.folderMu.Unlock()
	f, ok := sd.folderDoc.Folders()[folderID]
	if !ok || f.Deleted {
		return nil, fmt.Errorf("folder %s: %w", folderID, types.ErrNotFound)
	}
	return &f, nil
}

// CreateFolder adds a folder under parentID and returns its ID.
func (r *Router) CreateFolder(sdID, name, parentID string) (string, error) {
	folderID := types.NewID()
	f := types.Folder{ID: folderID, Name: name, ParentID: parentID, Order: r.nextFolderOrder(sdID, parentID)}
	if err := r.writeFolder(sdID, f); err != nil {
		return "", err
	}
	return folderID, nil
}

// RenameFolder changes a folder's name.
func (r *Router) RenameFolder(sdID, folderID, name string) error {
	f, err := r.GetFolder(sdID, folderID)
	if err != nil {
		return err
	}
	f.Name = name
	return r.writeFolder(sdID, *f)
}

// MoveFolder reparents a folder.
func (r *Router) MoveFolder(sdID, folderID, newParentID string) error {
	f, err := r.GetFolder(sdID, folderID)
	if err != nil {
		return err
	}
	f.ParentID = newParentID
	f.Order = r.nextFolderOrder(sdID, newParentID)
	return r.writeFolder(sdID, *f)
}

// DeleteFolder marks a folder deleted. Notes keep their folderId and
// child folders keep their parentId; ListFolders omits the deleted
// folder itself and leaves its children's parentId unchanged.
func (r *Router) DeleteFolder(sdID, folderID string) error {
	f, err := r.GetFolder(sdID, folderID)
	if err != nil {
		return err
	}
	f.Deleted = true
	return r.writeFolder(sdID, *f)
}

// ReorderFolder assigns a folder a new position among its siblings.
func (r *Router) ReorderFolder(sdID, folderID string, order float64) error {
	f, err := r.GetFolder(sdID, folderID)
	if err != nil {
		return err
	}
	f.Order = order
	return r.writeFolder(sdID, *f)
}

// writeFolder persists one folder entry through the SD's folder
// stream and applies it to the live folder doc.
func (r *Router) writeFolder(sdID string, f types.Folder) error {
	sd, err := r.sd(sdID)
	if err != nil {
		return err
	}

	sd.folderMu.Lock()
	defer sd.folderMu.Unlock()

	payload, err := sd.folderDoc.BuildUpdate(r.instanceID, []crdt.Op{
		{Kind: crdt.KindFolder, Key: f.ID, Value: f},
	})
	if err != nil {
		return err
	}
	coords, err := sd.alm.WriteFolderUpdate(payload)
	if err != nil {
		return fmt.Errorf("write folder update: %w", err)
	}
	if err := sd.folderDoc.ApplyUpdate(payload, types.OriginIPC); err != nil {
		return fmt.Errorf("apply folder update: %w", err)
	}
	sd.folderClock.Absorb(r.instanceID, coords.Sequence, coords.Offset, coords.File)
	sd.folderEdits++

	if sd.folderEdits >= folderSnapshotEvery {
		if err := sd.alm.SaveFolderSnapshot(sd.folderDoc, sd.folderClock.Clone(), uint64(sd.folderEdits)); err != nil {
			r.logger.Error().Err(err).Str("sd_id", sdID).Msg("Folder snapshot failed")
		} else {
			sd.folderEdits = 0
		}
	}
	return nil
}

func (r *Router) nextFolderOrder(sdID, parentID string) float64 {
	sd, err := r.sd(sdID)
	if err != nil {
		return 0
	}
	sd.folderMu.Lock()
	defer sd.folderMu.Unlock()
	max := 0.0
	for _, f := range sd.folderDoc.Folders() {
		if f.ParentID == parentID && f.Order > max {
			max = f.Order
		}
	}
	return max + 1
}
