package comments

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/events"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/types"
)

// EventType names a comment change for the outer shell.
type EventType string

const (
	ThreadAdd      EventType = "thread-add"
	ThreadUpdate   EventType = "thread-update"
	ThreadDelete   EventType = "thread-delete"
	ReplyAdd       EventType = "reply-add"
	ReplyUpdate    EventType = "reply-update"
	ReplyDelete    EventType = "reply-delete"
	ReactionAdd    EventType = "reaction-add"
	ReactionUpdate EventType = "reaction-update"
	ReactionDelete EventType = "reaction-delete"
)

// Event is one debounced comment change.
type Event struct {
	NoteID     string
	Type       EventType
	ThreadID   string
	ReplyID    string
	ReactionID string
	IsRemote   bool
}

// debounceKey identifies the coalescing bucket: rapid CRDT merges of
// the same logical change collapse into one event.
type debounceKey struct {
	noteID   string
	typ      EventType
	threadID string
	subID    string
}

// Observer watches the comment sub-structures of loaded note docs and
// emits typed, debounced events. Only remote changes (origin other
// than the local editor) are broadcast outward; the local editor
// already knows what it did.
type Observer struct {
	broker *events.Broker
	logger zerolog.Logger
	debug  bool

	mu      sync.Mutex
	pending map[debounceKey]*time.Timer
	closed  bool
}

// NewObserver creates an observer publishing onto the broker. Verbose
// logging follows the DEBUG_COMMENT_SYNC environment variable.
func NewObserver(broker *events.Broker) *Observer {
	return &Observer{
		broker:  broker,
		pending: make(map[debounceKey]*time.Timer),
		logger:  log.WithComponent("comment-observer"),
		debug:   os.Getenv("DEBUG_COMMENT_SYNC") == "1",
	}
}

// Observe satisfies the CRDT manager's observer hook.
func (o *Observer) Observe(noteID string, changes []crdt.CommentChange, origin types.Origin) {
	isRemote := origin == types.OriginReload
	for _, c := range changes {
		ev := translate(noteID, c, isRemote)
		if ev == nil {
			continue
		}
		if o.debug {
			o.logger.Debug().
				Str("note_id", noteID).
				Str("type", string(ev.Type)).
				Str("thread_id", ev.ThreadID).
				Bool("is_remote", isRemote).
				Str("origin", origin.String()).
				Msg("Comment change observed")
		}
		if !isRemote {
			continue
		}
		o.schedule(ev)
	}
}

func translate(noteID string, c crdt.CommentChange, isRemote bool) *Event {
	ev := &Event{NoteID: noteID, ThreadID: c.ThreadID, IsRemote: isRemote}
	var base string
	switch c.Kind {
	case crdt.KindThread:
		base = "thread"
		ev.ThreadID = c.ID
	case crdt.KindReply:
		base = "reply"
		ev.ReplyID = c.ID
	case crdt.KindReaction:
		base = "reaction"
		ev.ReactionID = c.ID
	default:
		return nil
	}
	switch c.Op {
	case crdt.CommentAdd:
		ev.Type = EventType(base + "-add")
	case crdt.CommentUpdate:
		ev.Type = EventType(base + "-update")
	case crdt.CommentDelete:
		ev.Type = EventType(base + "-delete")
	}
	return ev
}

// schedule arms (or re-arms) the debounce timer for this event's key.
func (o *Observer) schedule(ev *Event) {
	key := debounceKey{
		noteID:   ev.NoteID,
		typ:      ev.Type,
		threadID: ev.ThreadID,
		subID:    ev.ReplyID + ev.ReactionID,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if t, ok := o.pending[key]; ok {
		t.Stop()
	}
	o.pending[key] = time.AfterFunc(types.CommentDebounceWin, func() {
		o.mu.Lock()
		delete(o.pending, key)
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return
		}
		o.broker.Publish(&events.Event{
			Type:    events.EventCommentRemote,
			NoteID:  ev.NoteID,
			Payload: ev,
		})
	})
}

// Close cancels pending debounce timers.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for key, t := range o.pending {
		t.Stop()
		delete(o.pending, key)
	}
}
