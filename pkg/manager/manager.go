package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/activity"
	"github.com/drewcsillag/notecove/pkg/appendlog"
	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/types"
)

// BroadcastFunc pushes an applied update out to the shell's windows.
type BroadcastFunc func(noteID string, payload []byte, origin types.Origin)

// ModifiedUpdateFunc announces a modified-timestamp bump.
type ModifiedUpdateFunc func(noteID string, modified int64)

// CommentObserver receives comment-structure changes from applied
// updates.
type CommentObserver interface {
	Observe(noteID string, changes []crdt.CommentChange, origin types.Origin)
}

// docEntry is the in-memory state of one loaded note.
type docEntry struct {
	doc   *crdt.Doc
	sdID  string
	clock types.VectorClock

	refCount int

	editCount           int
	totalChanges        uint64
	lastSnapshotCheck   time.Time
	lastSnapshotCreated time.Time

	queue *serialQueue
}

// Manager is the in-memory registry of live CRDT documents. It
// reference-counts docs across UI windows, serializes writes through a
// per-note queue, and decides when snapshots are worth writing.
type Manager struct {
	instanceID string
	cache      *metacache.Cache
	logger     zerolog.Logger

	mu       sync.Mutex
	docs     map[string]*docEntry
	sds      map[string]*appendlog.Manager
	activity map[string]*activity.Logger

	// loadMu serializes cold loads so two windows opening the same
	// note race to one disk read, not two.
	loadMu sync.Mutex

	broadcast      BroadcastFunc
	modifiedUpdate ModifiedUpdateFunc
	comments       CommentObserver

	defaultSD string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a manager writing as instanceID, with the metadata cache
// as its listing/search collaborator.
func New(instanceID string, cache *metacache.Cache) *Manager {
	return &Manager{
		instanceID: instanceID,
		cache:      cache,
		docs:       make(map[string]*docEntry),
		sds:        make(map[string]*appendlog.Manager),
		activity:   make(map[string]*activity.Logger),
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("crdt-manager"),
	}
}

// Start launches the periodic snapshot check loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(types.SnapshotCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.periodicSnapshotCheck()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// RegisterSD makes an SD's append-log manager available for note
// dispatch. The SD router calls this when it opens an SD.
func (m *Manager) RegisterSD(sdID string, alm *appendlog.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sds[sdID] = alm
}

// UnregisterSD removes an SD. Loaded notes from it must already be
// force-unloaded.
func (m *Manager) UnregisterSD(sdID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sds, sdID)
	delete(m.activity, sdID)
}

// SetActivityLogger registers the per-SD activity logger.
func (m *Manager) SetActivityLogger(sdID string, logger *activity.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[sdID] = logger
}

// SetBroadcastCallback wires update fan-out to the outer shell.
func (m *Manager) SetBroadcastCallback(fn BroadcastFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast = fn
}

// SetModifiedUpdateCallback wires modified-timestamp announcements.
func (m *Manager) SetModifiedUpdateCallback(fn ModifiedUpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modifiedUpdate = fn
}

// SetCommentObserver wires the comment observer.
func (m *Manager) SetCommentObserver(obs CommentObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = obs
}

// SetDefaultSD sets the SD used when nothing else resolves a note.
// The router holds this as an explicit context value; leaf code never
// defaults silently.
func (m *Manager) SetDefaultSD(sdID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultSD = sdID
}

// resolveSD resolves the SD for a note: explicit argument, then
// in-memory state, then the metadata cache, then the default SD.
func (m *Manager) resolveSD(noteID, sdHint string) string {
	if sdHint != "" {
		return sdHint
	}
	m.mu.Lock()
	if e, ok := m.docs[noteID]; ok {
		m.mu.Unlock()
		return e.sdID
	}
	m.mu.Unlock()
	if md, err := m.cache.GetNote(noteID); err == nil && md.SDID != "" {
		return md.SDID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultSD != "" {
		return m.defaultSD
	}
	return types.DefaultSDID
}

func (m *Manager) sdManager(sdID string) (*appendlog.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alm, ok := m.sds[sdID]
	if !ok {
		return nil, fmt.Errorf("sd %s: %w", sdID, types.ErrNotFound)
	}
	return alm, nil
}

// LoadNote returns a handle on the note's live document, loading from
// disk on first use. Each handle must be released with UnloadNote (or
// Handle.Close).
func (m *Manager) LoadNote(noteID, sdHint string) (*Handle, error) {
	m.mu.Lock()
	if e, ok := m.docs[noteID]; ok {
		e.refCount++
		m.mu.Unlock()
		return &Handle{m: m, noteID: noteID, doc: e.doc}, nil
	}
	m.mu.Unlock()

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	// Another load may have won while we waited.
	m.mu.Lock()
	if e, ok := m.docs[noteID]; ok {
		e.refCount++
		m.mu.Unlock()
		return &Handle{m: m, noteID: noteID, doc: e.doc}, nil
	}
	m.mu.Unlock()

	sdID := m.resolveSD(noteID, sdHint)
	alm, err := m.sdManager(sdID)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	doc, clock, err := alm.LoadNote(noteID)
	if err != nil {
		return nil, fmt.Errorf("load note %s: %w", noteID, err)
	}
	timer.ObserveDuration(metrics.ColdLoadDuration)

	now := time.Now()
	e := &docEntry{
		doc:                 doc,
		sdID:                sdID,
		clock:               clock,
		refCount:            1,
		lastSnapshotCheck:   now,
		lastSnapshotCreated: now,
		queue:               newSerialQueue(),
	}
	m.installListener(noteID, e)

	m.mu.Lock()
	m.docs[noteID] = e
	m.mu.Unlock()
	metrics.NotesLoaded.Inc()

	m.logger.Debug().Str("note_id", noteID).Str("sd_id", sdID).Dur("cold_load", timer.Duration()).Msg("Note loaded")
	return &Handle{m: m, noteID: noteID, doc: doc}, nil
}

// installListener hooks the doc's update events: local edits are
// persisted through the write queue, everything except the initial
// load is broadcast, and comment changes reach the observer.
func (m *Manager) installListener(noteID string, e *docEntry) {
	e.doc.OnUpdate(func(ev crdt.UpdateEvent) {
		if ev.Origin == types.OriginLocal {
			// The Electron shell delivers every editor edit over IPC,
			// so its updates arrive through ApplyUpdate with the IPC
			// origin and this branch never fires there. It serves
			// in-process embedders (and tests) that mutate the doc
			// directly: their local-origin events are persisted here,
			// on the serial queue. IPC and reload origins are already
			// on disk (or a peer's disk) and must not be written again.
			go func() {
				if err := m.ApplyUpdate(noteID, ev.Payload, ApplyOptions{alreadyApplied: true}); err != nil {
					m.logger.Error().Err(err).Str("note_id", noteID).Msg("Failed to persist local edit")
				}
			}()
		}

		m.mu.Lock()
		broadcast := m.broadcast
		comments := m.comments
		m.mu.Unlock()

		if broadcast != nil && ev.Origin != types.OriginLoad {
			broadcast(noteID, ev.Payload, ev.Origin)
		}
		if comments != nil && len(ev.Comments) > 0 {
			comments.Observe(noteID, ev.Comments, ev.Origin)
		}
	})
}

// UnloadNote decrements the note's reference count; at zero the doc
// gets a final snapshot check and is dropped from memory.
func (m *Manager) UnloadNote(noteID string) {
	m.mu.Lock()
	e, ok := m.docs[noteID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refCount--
	if e.refCount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.docs, noteID)
	m.mu.Unlock()
	metrics.NotesLoaded.Dec()

	// Final snapshot check runs on the queue so it orders after any
	// in-flight writes, then the queue shuts down.
	_ = e.queue.Do(func() error {
		m.maybeSnapshot(noteID, e, true)
		return nil
	})
	e.queue.Close()
}

// ForceUnloadNote drops the doc regardless of reference count. Used
// when an SD is removed or a note moves across SDs; refcounts cannot
// be trusted across IPC boundaries during those transitions.
func (m *Manager) ForceUnloadNote(noteID string) {
	m.mu.Lock()
	e, ok := m.docs[noteID]
	if ok {
		delete(m.docs, noteID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.NotesLoaded.Dec()
	e.queue.Close()
}

// GetDocument returns the live doc for a loaded note, or nil.
func (m *Manager) GetDocument(noteID string) *crdt.Doc {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.docs[noteID]; ok {
		return e.doc
	}
	return nil
}

// GetNoteDoc is an alias for GetDocument.
func (m *Manager) GetNoteDoc(noteID string) *crdt.Doc {
	return m.GetDocument(noteID)
}

// GetLoadedNotes returns the IDs of all notes currently in memory.
func (m *Manager) GetLoadedNotes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	return out
}

// SDForNote returns the SD a loaded note belongs to.
func (m *Manager) SDForNote(noteID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.docs[noteID]; ok {
		return e.sdID, true
	}
	return "", false
}

// CheckCRDTLogExists reports whether a peer's write (instanceID,
// expectedSequence) is present on disk in the SD. Activity sync calls
// this before triggering a reload, because activity entries routinely
// arrive ahead of the files they announce.
func (m *Manager) CheckCRDTLogExists(noteID, sdID, instanceID string, expectedSequence uint64) bool {
	alm, err := m.sdManager(sdID)
	if err != nil {
		return false
	}
	return alm.HasSequence(noteID, instanceID, expectedSequence)
}

// ReloadNote re-resolves the note from disk and merges the result into
// the live doc with the reload origin. Not-loaded notes are a no-op:
// the next LoadNote reads the new state anyway.
func (m *Manager) ReloadNote(noteID string) error {
	m.mu.Lock()
	e, ok := m.docs[noteID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	alm, err := m.sdManager(e.sdID)
	if err != nil {
		return err
	}

	return e.queue.Do(func() error {
		fresh, clock, err := alm.LoadNote(noteID)
		if err != nil {
			return fmt.Errorf("reload note %s: %w", noteID, err)
		}
		state, err := fresh.EncodeState()
		if err != nil {
			return fmt.Errorf("encode reload state: %w", err)
		}
		if err := e.doc.MergeState(state, types.OriginReload); err != nil {
			return fmt.Errorf("merge reload state: %w", err)
		}
		m.mu.Lock()
		e.clock.Merge(clock)
		m.mu.Unlock()
		metrics.ReloadsTriggered.Inc()
		return nil
	})
}

// RecordMoveActivity emits an activity entry in the target SD so peers
// watching it discover a cross-SD move.
func (m *Manager) RecordMoveActivity(noteID, targetSDID string, seq uint64) error {
	m.mu.Lock()
	logger, ok := m.activity[targetSDID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("activity logger for sd %s: %w", targetSDID, types.ErrNotFound)
	}
	return logger.RecordNoteActivity(noteID, seq)
}

// Destroy cancels timers, drains nothing, and drops all docs. Flush
// and FlushSnapshots are the graceful path; Destroy is the end.
func (m *Manager) Destroy() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	docs := m.docs
	m.docs = make(map[string]*docEntry)
	m.mu.Unlock()

	for _, e := range docs {
		e.queue.Close()
		metrics.NotesLoaded.Dec()
	}
}

// Handle is an opaque reference to a loaded note. Closing it releases
// the reference count taken by LoadNote.
type Handle struct {
	m      *Manager
	noteID string
	doc    *crdt.Doc
	once   sync.Once
}

// Doc returns the live document.
func (h *Handle) Doc() *crdt.Doc {
	return h.doc
}

// NoteID returns the note this handle refers to.
func (h *Handle) NoteID() string {
	return h.noteID
}

// Close releases the handle's reference.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.m.UnloadNote(h.noteID)
	})
}
