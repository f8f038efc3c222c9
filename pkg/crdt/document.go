package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/drewcsillag/notecove/pkg/types"
)

// EntryKind names the sub-structure an operation targets.
type EntryKind string

const (
	KindMeta     EntryKind = "meta"
	KindBlock    EntryKind = "block"
	KindThread   EntryKind = "thread"
	KindReply    EntryKind = "reply"
	KindReaction EntryKind = "reaction"
	KindFolder   EntryKind = "folder"
)

// entry is one last-writer-wins register. Ties on the lamport stamp
// break on instance ID so every replica resolves identically.
type entry struct {
	Value    json.RawMessage `json:"value"`
	Lamport  uint64          `json:"lamport"`
	Instance string          `json:"instance"`
}

func (e entry) supersedes(o entry) bool {
	if e.Lamport != o.Lamport {
		return e.Lamport > o.Lamport
	}
	return e.Instance > o.Instance
}

// op is one operation inside an update payload.
type op struct {
	Kind     EntryKind       `json:"kind"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Lamport  uint64          `json:"lamport"`
	Instance string          `json:"instance"`
}

type updatePayload struct {
	Ops []op `json:"ops"`
}

// docState is the serialized full state written into snapshots.
type docState struct {
	Lamport   uint64           `json:"lamport"`
	Metadata  map[string]entry `json:"metadata"`
	Blocks    map[string]entry `json:"blocks"`
	Threads   map[string]entry `json:"threads"`
	Replies   map[string]entry `json:"replies"`
	Reactions map[string]entry `json:"reactions"`
	Folders   map[string]entry `json:"folders"`
}

// Block is one rendered element of a note's content fragment, ordered
// by the Order key.
type Block struct {
	ID    string
	Text  string  `json:"text"`
	Order float64 `json:"order"`
}

// CommentOp classifies a comment change observed during an apply.
type CommentOp string

const (
	CommentAdd    CommentOp = "add"
	CommentUpdate CommentOp = "update"
	CommentDelete CommentOp = "delete"
)

// CommentChange is one comment-structure mutation produced by an
// applied update, consumed by the comment observer.
type CommentChange struct {
	Kind     EntryKind
	ID       string
	ThreadID string
	Op       CommentOp
}

// UpdateEvent is delivered to doc listeners after an update has been
// merged.
type UpdateEvent struct {
	Payload  []byte
	Origin   types.Origin
	Comments []CommentChange
}

// Listener receives update events. Listeners run outside the doc lock.
type Listener func(ev UpdateEvent)

// Doc is a note (or folder-tree) document: a set of last-writer-wins
// registers partitioned into content blocks, metadata, the three
// comment sub-structures, and folder entries. Merging is commutative
// and idempotent, so updates may arrive in any order, any number of
// times.
type Doc struct {
	mu        sync.RWMutex
	lamport   uint64
	metadata  map[string]entry
	blocks    map[string]entry
	threads   map[string]entry
	replies   map[string]entry
	reactions map[string]entry
	folders   map[string]entry
	listeners []Listener
}

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{
		metadata:  make(map[string]entry),
		blocks:    make(map[string]entry),
		threads:   make(map[string]entry),
		replies:   make(map[string]entry),
		reactions: make(map[string]entry),
		folders:   make(map[string]entry),
	}
}

// OnUpdate registers a listener fired after every applied update.
func (d *Doc) OnUpdate(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *Doc) table(kind EntryKind) map[string]entry {
	switch kind {
	case KindMeta:
		return d.metadata
	case KindBlock:
		return d.blocks
	case KindThread:
		return d.threads
	case KindReply:
		return d.replies
	case KindReaction:
		return d.reactions
	case KindFolder:
		return d.folders
	default:
		return nil
	}
}

// ApplyUpdate merges an update payload into the document and notifies
// listeners with the given origin. Applying the same payload twice is
// a no-op.
func (d *Doc) ApplyUpdate(payload []byte, origin types.Origin) error {
	var u updatePayload
	if err := json.Unmarshal(payload, &u); err != nil {
		return fmt.Errorf("%w: update payload: %v", types.ErrDecode, err)
	}

	d.mu.Lock()
	var changes []CommentChange
	for _, o := range u.Ops {
		tbl := d.table(o.Kind)
		if tbl == nil {
			// Unknown kinds from newer writers are skipped, not fatal.
			continue
		}
		if o.Lamport > d.lamport {
			d.lamport = o.Lamport
		}
		incoming := entry{Value: o.Value, Lamport: o.Lamport, Instance: o.Instance}
		prev, existed := tbl[o.Key]
		if existed && !incoming.supersedes(prev) {
			continue
		}
		tbl[o.Key] = incoming
		if c, ok := commentChange(o, existed); ok {
			changes = append(changes, c)
		}
	}
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	ev := UpdateEvent{Payload: payload, Origin: origin, Comments: changes}
	for _, l := range listeners {
		l(ev)
	}
	return nil
}

func commentChange(o op, existed bool) (CommentChange, bool) {
	switch o.Kind {
	case KindThread, KindReply, KindReaction:
	default:
		return CommentChange{}, false
	}
	var v struct {
		ThreadID string `json:"threadId"`
		Deleted  bool   `json:"deleted"`
	}
	_ = json.Unmarshal(o.Value, &v)

	c := CommentChange{Kind: o.Kind, ID: o.Key, ThreadID: v.ThreadID}
	if o.Kind == KindThread {
		c.ThreadID = o.Key
	}
	switch {
	case v.Deleted:
		c.Op = CommentDelete
	case !existed:
		c.Op = CommentAdd
	default:
		c.Op = CommentUpdate
	}
	return c, true
}

// BuildUpdate assembles a payload of local operations, stamping each
// with the next lamport value for this instance. The payload is NOT
// applied; local edits flow through the manager's write pipeline and
// come back via ApplyUpdate.
func (d *Doc) BuildUpdate(instanceID string, ops []Op) ([]byte, error) {
	d.mu.Lock()
	d.lamport++
	stamp := d.lamport
	d.mu.Unlock()

	out := updatePayload{Ops: make([]op, 0, len(ops))}
	for _, o := range ops {
		raw, err := json.Marshal(o.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal op value: %w", err)
		}
		out.Ops = append(out.Ops, op{
			Kind:     o.Kind,
			Key:      o.Key,
			Value:    raw,
			Lamport:  stamp,
			Instance: instanceID,
		})
	}
	return json.Marshal(out)
}

// Op is one local operation handed to BuildUpdate.
type Op struct {
	Kind  EntryKind
	Key   string
	Value any
}

// EncodeState serializes the full document state for a snapshot.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(docState{
		Lamport:   d.lamport,
		Metadata:  d.metadata,
		Blocks:    d.blocks,
		Threads:   d.threads,
		Replies:   d.replies,
		Reactions: d.reactions,
		Folders:   d.folders,
	})
}

// ApplyState merges a serialized full state into the document without
// notifying listeners. Used on the initial load path.
func (d *Doc) ApplyState(state []byte) error {
	_, _, err := d.mergeState(state)
	return err
}

// MergeState merges a serialized full state and notifies listeners
// with the given origin, reporting comment changes the merge caused.
// Used for reload merges after activity sync.
func (d *Doc) MergeState(state []byte, origin types.Origin) error {
	changes, listeners, err := d.mergeState(state)
	if err != nil {
		return err
	}
	ev := UpdateEvent{Origin: origin, Comments: changes}
	for _, l := range listeners {
		l(ev)
	}
	return nil
}

func (d *Doc) mergeState(state []byte) ([]CommentChange, []Listener, error) {
	var s docState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, nil, fmt.Errorf("%w: document state: %v", types.ErrDecode, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Lamport > d.lamport {
		d.lamport = s.Lamport
	}
	var changes []CommentChange
	for kind, src := range map[EntryKind]map[string]entry{
		KindMeta: s.Metadata, KindBlock: s.Blocks, KindThread: s.Threads,
		KindReply: s.Replies, KindReaction: s.Reactions, KindFolder: s.Folders,
	} {
		dst := d.table(kind)
		for k, in := range src {
			prev, existed := dst[k]
			if existed && !in.supersedes(prev) {
				continue
			}
			dst[k] = in
			if c, ok := commentChange(op{Kind: kind, Key: k, Value: in.Value}, existed); ok {
				changes = append(changes, c)
			}
		}
	}
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	return changes, listeners, nil
}

// Equal reports whether two docs hold identical CRDT state.
func (d *Doc) Equal(o *Doc) bool {
	a, err1 := d.stableState()
	b, err2 := o.stableState()
	return err1 == nil && err2 == nil && string(a) == string(b)
}

func (d *Doc) stableState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	// json.Marshal sorts map keys, so the encoding is canonical apart
	// from the lamport counter, which is excluded: it is a generation
	// hint, not document state.
	return json.Marshal(docState{
		Metadata: d.metadata, Blocks: d.blocks, Threads: d.threads,
		Replies: d.replies, Reactions: d.reactions, Folders: d.folders,
	})
}

// GetMeta returns the raw metadata value for a key.
func (d *Doc) GetMeta(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.metadata[key]
	return e.Value, ok
}

// MetaString returns a string-typed metadata value, or "".
func (d *Doc) MetaString(key string) string {
	raw, ok := d.GetMeta(key)
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// MetaInt64 returns an integer-typed metadata value, or 0.
func (d *Doc) MetaInt64(key string) int64 {
	raw, ok := d.GetMeta(key)
	if !ok {
		return 0
	}
	var n int64
	if json.Unmarshal(raw, &n) != nil {
		return 0
	}
	return n
}

// MetaBool returns a bool-typed metadata value, or false.
func (d *Doc) MetaBool(key string) bool {
	raw, ok := d.GetMeta(key)
	if !ok {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) != nil {
		return false
	}
	return b
}

// Blocks returns the content blocks in display order.
func (d *Doc) Blocks() []Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Block, 0, len(d.blocks))
	for id, e := range d.blocks {
		var b Block
		if json.Unmarshal(e.Value, &b) != nil {
			continue
		}
		b.ID = id
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ContentText flattens the content blocks into plain text, used for
// the metadata cache's title and preview fields.
func (d *Doc) ContentText() string {
	blocks := d.Blocks()
	text := ""
	for i, b := range blocks {
		if i > 0 {
			text += "\n"
		}
		text += b.Text
	}
	return text
}

// Folders decodes the folder-tree entries of a folder doc. Deleted
// folders are included; callers filter.
func (d *Doc) Folders() map[string]types.Folder {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]types.Folder, len(d.folders))
	for id, e := range d.folders {
		var f types.Folder
		if json.Unmarshal(e.Value, &f) != nil {
			continue
		}
		f.ID = id
		out[id] = f
	}
	return out
}

// Comments returns raw values for one comment sub-structure.
func (d *Doc) Comments(kind EntryKind) map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tbl := d.table(kind)
	out := make(map[string]json.RawMessage, len(tbl))
	for k, e := range tbl {
		out[k] = e.Value
	}
	return out
}
