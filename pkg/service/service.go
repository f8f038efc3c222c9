package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/events"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/router"
	"github.com/drewcsillag/notecove/pkg/syncer"
	"github.com/drewcsillag/notecove/pkg/types"
)

// Service is the engine's request/response boundary. The outer shell
// frames these calls over whatever wire it likes (the Electron shell
// uses IPC); the engine only defines the operations and their typed
// outcomes. Server-push flows through the event broker.
type Service struct {
	router *router.Router
	mgr    *manager.Manager
	sync   *syncer.Syncer
	cache  *metacache.Cache
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[string][]*manager.Handle
}

// New wires the service over the engine's components.
func New(r *router.Router, mgr *manager.Manager, sync *syncer.Syncer, cache *metacache.Cache, broker *events.Broker) *Service {
	return &Service{
		router:  r,
		mgr:     mgr,
		sync:    sync,
		cache:   cache,
		broker:  broker,
		handles: make(map[string][]*manager.Handle),
		logger:  log.WithComponent("service"),
	}
}

// Subscribe returns a push channel for engine events.
func (s *Service) Subscribe() events.Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe releases a push channel.
func (s *Service) Unsubscribe(sub events.Subscriber) {
	s.broker.Unsubscribe(sub)
}

// Note operations

// NoteLoad opens a note on behalf of one window. Each load holds one
// reference until the matching NoteUnload.
func (s *Service) NoteLoad(noteID, sdID string) ([]byte, error) {
	h, err := s.mgr.LoadNote(noteID, sdID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.handles[noteID] = append(s.handles[noteID], h)
	s.mu.Unlock()
	return h.Doc().EncodeState()
}

// NoteUnload releases one window's reference.
func (s *Service) NoteUnload(noteID string) {
	s.mu.Lock()
	hs := s.handles[noteID]
	var h *manager.Handle
	if len(hs) > 0 {
		h = hs[len(hs)-1]
		s.handles[noteID] = hs[:len(hs)-1]
		if len(s.handles[noteID]) == 0 {
			delete(s.handles, noteID)
		}
	}
	s.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// NoteApplyUpdate persists and applies an editor's update.
func (s *Service) NoteApplyUpdate(noteID string, payload []byte, skipTimestampUpdate bool) error {
	return s.mgr.ApplyUpdate(noteID, payload, manager.ApplyOptions{SkipTimestampUpdate: skipTimestampUpdate})
}

// NoteCreate creates a note and returns its ID.
func (s *Service) NoteCreate(sdID, folderID string) (string, error) {
	return s.router.CreateNote(sdID, folderID)
}

// NoteDelete marks a note deleted.
func (s *Service) NoteDelete(noteID string) error {
	return s.router.DeleteNote(noteID)
}

// NoteRestore clears a note's deletion mark.
func (s *Service) NoteRestore(noteID string) error {
	return s.router.RestoreNote(noteID)
}

// NoteMove moves a note to another folder.
func (s *Service) NoteMove(noteID, folderID string) error {
	return s.router.MoveNote(noteID, folderID)
}

// NoteMoveToSD moves a note across storage directories; the returned
// ID differs from noteID when keepBoth resolved a conflict.
func (s *Service) NoteMoveToSD(noteID, targetSDID string, resolution types.ConflictResolution) (string, error) {
	return s.router.MoveNoteToSD(noteID, targetSDID, resolution)
}

// NoteGetState returns a note's full CRDT state, loading transiently
// if no window has it open.
func (s *Service) NoteGetState(noteID string) ([]byte, error) {
	if doc := s.mgr.GetDocument(noteID); doc != nil {
		return doc.EncodeState()
	}
	h, err := s.mgr.LoadNote(noteID, "")
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Doc().EncodeState()
}

// NoteGetMetadata returns a note's cached metadata.
func (s *Service) NoteGetMetadata(noteID string) (*types.NoteMetadata, error) {
	return s.cache.GetNote(noteID)
}

// NoteList lists notes, scoped to an SD when sdID is non-empty.
func (s *Service) NoteList(sdID string) ([]*types.NoteMetadata, error) {
	if sdID == "" {
		return s.cache.ListNotes()
	}
	return s.cache.ListNotesBySD(sdID)
}

// NoteSearch searches titles and previews.
func (s *Service) NoteSearch(query string) ([]*types.NoteMetadata, error) {
	return s.cache.SearchNotes(query)
}

// NoteGetInfo reports a note's on-disk shape.
func (s *Service) NoteGetInfo(noteID string) (*router.NoteInfo, error) {
	return s.router.GetNoteInfo(noteID)
}

// NoteCreateSnapshot forces a snapshot now.
func (s *Service) NoteCreateSnapshot(noteID string) error {
	return s.router.CreateSnapshot(noteID)
}

// NoteReloadFromCRDTLogs re-resolves a loaded note from disk.
func (s *Service) NoteReloadFromCRDTLogs(noteID string) error {
	return s.mgr.ReloadNote(noteID)
}

// Folder operations

func (s *Service) FolderList(sdID string) ([]types.Folder, error) {
	return s.router.ListFolders(sdID)
}

func (s *Service) FolderGet(sdID, folderID string) (*types.Folder, error) {
	return s.router.GetFolder(sdID, folderID)
}

func (s *Service) FolderCreate(sdID, name, parentID string) (string, error) {
	return s.router.CreateFolder(sdID, name, parentID)
}

func (s *Service) FolderRename(sdID, folderID, name string) error {
	return s.router.RenameFolder(sdID, folderID, name)
}

func (s *Service) FolderMove(sdID, folderID, newParentID string) error {
	return s.router.MoveFolder(sdID, folderID, newParentID)
}

func (s *Service) FolderDelete(sdID, folderID string) error {
	return s.router.DeleteFolder(sdID, folderID)
}

func (s *Service) FolderReorder(sdID, folderID string, order float64) error {
	return s.router.ReorderFolder(sdID, folderID, order)
}

// SD operations

func (s *Service) SDList() []*metacache.SDRecord {
	return s.router.ListSDs()
}

func (s *Service) SDCreate(path, name string) (string, error) {
	return s.router.AddSD(path, name)
}

func (s *Service) SDDelete(sdID string) error {
	return s.router.RemoveSD(sdID)
}

func (s *Service) SDRename(sdID, name string) error {
	return s.router.RenameSD(sdID, name)
}

func (s *Service) SDSetActive(sdID string) {
	s.router.SetActiveSD(sdID)
}

// Sync operations

// SyncStatus summarizes cross-instance sync health.
type SyncStatus struct {
	StaleEntries int
	SDs          int
}

func (s *Service) SyncGetStatus() SyncStatus {
	return SyncStatus{
		StaleEntries: len(s.sync.GetStaleSyncs()),
		SDs:          len(s.router.ListSDs()),
	}
}

func (s *Service) SyncGetStaleSyncs() []syncer.StaleEntry {
	return s.sync.GetStaleSyncs()
}

func (s *Service) SyncRetry(sdID, noteID, instanceID string) error {
	return s.sync.RetryStaleEntry(sdID, noteID, instanceID)
}

func (s *Service) SyncSkip(sdID, noteID, instanceID string) error {
	return s.sync.SkipStaleEntry(sdID, noteID, instanceID)
}

// Shutdown drains write queues and flushes pending snapshots,
// publishing progress for the shutdown dialog.
func (s *Service) Shutdown() {
	s.mgr.Flush()
	s.mgr.FlushSnapshots(func(done, total int) {
		s.broker.Publish(&events.Event{
			Type:    events.EventShutdownProgress,
			Payload: fmt.Sprintf("%d/%d", done, total),
		})
	})
	s.broker.Publish(&events.Event{Type: events.EventShutdownComplete})
}
