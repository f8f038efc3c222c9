package router

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/activity"
	"github.com/drewcsillag/notecove/pkg/appendlog"
	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/events"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/media"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/syncer"
	"github.com/drewcsillag/notecove/pkg/types"
)

// folderSnapshotEvery is the folder-tree snapshot threshold; folder
// docs are small and per-SD, so a fixed threshold serves.
const folderSnapshotEvery = 50

// sdState is everything the router holds for one open SD.
type sdState struct {
	id   string
	path string
	name string

	alm      *appendlog.Manager
	activity *activity.Logger

	notesWatcher   *fsadapter.Watcher
	foldersWatcher *fsadapter.Watcher

	folderMu    sync.Mutex
	folderDoc   *crdt.Doc
	folderClock types.VectorClock
	folderEdits int
}

// Router owns one append-log manager, one activity logger and one
// watcher set per storage directory, and dispatches every note and
// folder operation to the right SD.
type Router struct {
	fs         fsadapter.FS
	mgr        *manager.Manager
	cache      *metacache.Cache
	sync       *syncer.Syncer
	broker     *events.Broker
	instanceID string
	logger     zerolog.Logger

	// compressPacks is handed through to each SD's append-log manager.
	compressPacks bool

	mu       sync.Mutex
	sds      map[string]*sdState
	activeSD string

	wg sync.WaitGroup
}

// New creates a router. The syncer and broker may be nil in tests.
func New(fs fsadapter.FS, mgr *manager.Manager, cache *metacache.Cache, sync *syncer.Syncer, broker *events.Broker, instanceID string, compressPacks bool) *Router {
	return &Router{
		fs:            fs,
		mgr:           mgr,
		cache:         cache,
		sync:          sync,
		broker:        broker,
		instanceID:    instanceID,
		compressPacks: compressPacks,
		sds:           make(map[string]*sdState),
		logger:        log.WithComponent("sd-router"),
	}
}

// OpenRegistered opens every SD recorded in the metadata cache.
// Called at startup; individual failures skip that SD rather than
// failing the boot.
func (r *Router) OpenRegistered() error {
	sds, err := r.cache.ListSDs()
	if err != nil {
		return fmt.Errorf("list registered sds: %w", err)
	}
	for _, rec := range sds {
		if _, err := r.AddSD(rec.Path, rec.Name); err != nil {
			r.logger.Error().Err(err).Str("path", rec.Path).Msg("Failed to open registered SD")
			continue
		}
		if rec.Active {
			r.SetActiveSD(rec.ID)
		}
	}
	return nil
}

// AddSD opens (creating if needed) a storage directory at path and
// wires it into the engine: identity, layout, append-log manager,
// activity logger, watchers with startup grace, and a background
// media scan.
func (r *Router) AddSD(path, name string) (string, error) {
	if err := r.fs.MkdirAll(path); err != nil {
		return "", fmt.Errorf("create sd root: %w", err)
	}

	sdID, err := r.ensureSDID(path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if _, exists := r.sds[sdID]; exists {
		r.mu.Unlock()
		return sdID, nil
	}
	r.mu.Unlock()

	alm, err := appendlog.NewManager(r.fs, path, sdID, r.instanceID, r.compressPacks)
	if err != nil {
		return "", fmt.Errorf("open append log: %w", err)
	}
	actLogger, err := activity.NewLogger(r.fs, path, sdID, r.instanceID)
	if err != nil {
		return "", fmt.Errorf("open activity log: %w", err)
	}

	folderDoc, folderClock, err := alm.LoadFolderTree()
	if err != nil {
		return "", fmt.Errorf("load folder tree: %w", err)
	}

	sd := &sdState{
		id:          sdID,
		path:        path,
		name:        name,
		alm:         alm,
		activity:    actLogger,
		folderDoc:   folderDoc,
		folderClock: folderClock,
	}

	notesWatcher, err := r.fs.Watch(filepath.Join(path, appendlog.NotesDirName), true, types.StartupGracePeriod)
	if err != nil {
		return "", fmt.Errorf("watch notes dir: %w", err)
	}
	foldersWatcher, err := r.fs.Watch(filepath.Join(path, appendlog.FoldersDirName), true, types.StartupGracePeriod)
	if err != nil {
		notesWatcher.Close()
		return "", fmt.Errorf("watch folders dir: %w", err)
	}
	sd.notesWatcher = notesWatcher
	sd.foldersWatcher = foldersWatcher

	r.mgr.RegisterSD(sdID, alm)
	r.mgr.SetActivityLogger(sdID, actLogger)
	alm.Start()

	if r.sync != nil {
		if err := r.sync.AddSD(sdID, path, r.instanceID); err != nil {
			r.logger.Error().Err(err).Str("sd_id", sdID).Msg("Failed to start activity sync")
		}
	}

	r.wg.Add(2)
	go r.notesWatchLoop(sd)
	go r.foldersWatchLoop(sd)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := media.ScanSD(r.fs, r.cache, sdID, path); err != nil {
			r.logger.Error().Err(err).Str("sd_id", sdID).Msg("Media scan failed")
		}
	}()

	r.mu.Lock()
	r.sds[sdID] = sd
	if r.activeSD == "" {
		r.activeSD = sdID
		r.mgr.SetDefaultSD(sdID)
	}
	r.mu.Unlock()

	if err := r.cache.UpsertSD(&metacache.SDRecord{ID: sdID, Path: path, Name: name, Active: r.ActiveSD() == sdID}); err != nil {
		r.logger.Error().Err(err).Str("sd_id", sdID).Msg("Failed to record SD in cache")
	}

	r.publish(&events.Event{Type: events.EventSDAdded, SDID: sdID})
	r.logger.Info().Str("sd_id", sdID).Str("path", path).Msg("SD opened")
	return sdID, nil
}

// ensureSDID reads or mints the SD's stable identity. The legacy
// .sd-id file is migrated into SD_ID; when both exist and disagree,
// the legacy file wins and SD_ID is overwritten.
func (r *Router) ensureSDID(path string) (string, error) {
	idPath := filepath.Join(path, types.SDIDFileName)
	legacyPath := filepath.Join(path, types.LegacySDIDFileName)

	readID := func(p string) (string, bool) {
		data, err := r.fs.Read(p)
		if err != nil {
			return "", false
		}
		id, err := types.NormalizeID(strings.TrimSpace(string(data)))
		if err != nil {
			return "", false
		}
		return id, true
	}

	current, haveCurrent := readID(idPath)
	legacy, haveLegacy := readID(legacyPath)

	switch {
	case haveLegacy && (!haveCurrent || legacy != current):
		if err := r.fs.WriteAtomic(idPath, []byte(legacy)); err != nil {
			return "", fmt.Errorf("migrate sd id: %w", err)
		}
		return legacy, nil
	case haveCurrent:
		return current, nil
	default:
		id := types.NewID()
		if err := r.fs.WriteAtomic(idPath, []byte(id)); err != nil {
			return "", fmt.Errorf("write sd id: %w", err)
		}
		return id, nil
	}
}

// detachSD tears an SD out of the running engine: force-unloads its
// notes, stops sync and watchers, stops the append-log manager. The
// cache record is untouched.
func (r *Router) detachSD(sdID string) (*sdState, error) {
	r.mu.Lock()
	sd, ok := r.sds[sdID]
	if ok {
		delete(r.sds, sdID)
		if r.activeSD == sdID {
			r.activeSD = ""
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sd %s: %w", sdID, types.ErrNotFound)
	}

	for _, noteID := range r.mgr.GetLoadedNotes() {
		if owner, ok := r.mgr.SDForNote(noteID); ok && owner == sdID {
			r.mgr.ForceUnloadNote(noteID)
		}
	}
	if r.sync != nil {
		r.sync.RemoveSD(sdID)
	}
	sd.notesWatcher.Close()
	sd.foldersWatcher.Close()
	sd.alm.Stop()
	r.mgr.UnregisterSD(sdID)
	return sd, nil
}

// RemoveSD closes an SD and removes its registration. Notes loaded
// from it are force-unloaded; reference counts cannot be trusted
// across IPC boundaries during removal.
func (r *Router) RemoveSD(sdID string) error {
	if _, err := r.detachSD(sdID); err != nil {
		return err
	}
	if err := r.cache.DeleteSD(sdID); err != nil {
		r.logger.Error().Err(err).Str("sd_id", sdID).Msg("Failed to remove SD from cache")
	}
	r.publish(&events.Event{Type: events.EventSDRemoved, SDID: sdID})
	r.logger.Info().Str("sd_id", sdID).Msg("SD closed")
	return nil
}

// MarkUnhealthy detaches an SD after a fatal I/O error. The cache
// record stays, so the SD comes back at next startup if the disk does.
func (r *Router) MarkUnhealthy(sdID string) {
	if _, err := r.detachSD(sdID); err != nil {
		return
	}
	r.publish(&events.Event{Type: events.EventSDUnhealthy, SDID: sdID})
	r.logger.Warn().Str("sd_id", sdID).Msg("SD marked unhealthy and detached")
}

// ListSDs returns the open SDs.
func (r *Router) ListSDs() []*metacache.SDRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*metacache.SDRecord, 0, len(r.sds))
	for _, sd := range r.sds {
		out = append(out, &metacache.SDRecord{
			ID:     sd.id,
			Path:   sd.path,
			Name:   sd.name,
			Active: sd.id == r.activeSD,
		})
	}
	return out
}

// RenameSD changes an SD's display name.
func (r *Router) RenameSD(sdID, name string) error {
	r.mu.Lock()
	sd, ok := r.sds[sdID]
	if ok {
		sd.name = name
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("sd %s: %w", sdID, types.ErrNotFound)
	}
	return r.cache.UpsertSD(&metacache.SDRecord{ID: sdID, Path: sd.path, Name: name, Active: r.ActiveSD() == sdID})
}

// SetActiveSD selects the default SD for new notes.
func (r *Router) SetActiveSD(sdID string) {
	r.mu.Lock()
	if _, ok := r.sds[sdID]; ok {
		r.activeSD = sdID
		r.mgr.SetDefaultSD(sdID)
	}
	r.mu.Unlock()
}

// ActiveSD returns the current default SD.
func (r *Router) ActiveSD() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeSD
}

// sd returns the open SD state, classifying absence as NotFound.
func (r *Router) sd(sdID string) (*sdState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sd, ok := r.sds[sdID]
	if !ok {
		return nil, fmt.Errorf("sd %s: %w", sdID, types.ErrNotFound)
	}
	return sd, nil
}

// resolveSD resolves a note's SD the same way the manager does, with
// the router's active SD as the explicit final fallback.
func (r *Router) resolveSD(noteID, sdHint string) string {
	if sdHint != "" {
		return sdHint
	}
	if owner, ok := r.mgr.SDForNote(noteID); ok {
		return owner
	}
	if md, err := r.cache.GetNote(noteID); err == nil && md.SDID != "" {
		return md.SDID
	}
	return r.ActiveSD()
}

func (r *Router) notesWatchLoop(sd *sdState) {
	defer r.wg.Done()
	for ev := range sd.notesWatcher.Events() {
		metrics.WatcherEvents.WithLabelValues(ev.Op.String()).Inc()
		// New update files landing is what unblocks pending sync
		// retries; poke the syncer rather than re-deriving state here.
		if r.sync != nil {
			r.sync.SyncSD(sd.id)
		}
	}
}

func (r *Router) foldersWatchLoop(sd *sdState) {
	defer r.wg.Done()
	for ev := range sd.foldersWatcher.Events() {
		metrics.WatcherEvents.WithLabelValues(ev.Op.String()).Inc()
		if err := r.reloadFolderTree(sd); err != nil {
			r.logger.Error().Err(err).Str("sd_id", sd.id).Msg("Folder tree reload failed")
		}
	}
}

func (r *Router) reloadFolderTree(sd *sdState) error {
	fresh, clock, err := sd.alm.LoadFolderTree()
	if err != nil {
		return err
	}
	state, err := fresh.EncodeState()
	if err != nil {
		return err
	}
	sd.folderMu.Lock()
	defer sd.folderMu.Unlock()
	if err := sd.folderDoc.MergeState(state, types.OriginReload); err != nil {
		return err
	}
	sd.folderClock.Merge(clock)
	r.publish(&events.Event{Type: events.EventFolderUpdated, SDID: sd.id})
	return nil
}

// Close detaches every SD without touching their registrations, so
// the next startup reopens them.
func (r *Router) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sds))
	for id := range r.sds {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if _, err := r.detachSD(id); err != nil && !errors.Is(err, types.ErrNotFound) {
			r.logger.Error().Err(err).Str("sd_id", id).Msg("Failed to close SD")
		}
	}
	r.wg.Wait()
}

func (r *Router) publish(ev *events.Event) {
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}
