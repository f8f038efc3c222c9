package comments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/events"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newObserverFixture(t *testing.T) (*Observer, events.Subscriber) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	obs := NewObserver(broker)
	t.Cleanup(obs.Close)

	return obs, broker.Subscribe()
}

func collect(sub events.Subscriber, wait time.Duration) []*events.Event {
	deadline := time.After(wait)
	var out []*events.Event
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestRemoteChangesBroadcast(t *testing.T) {
	obs, sub := newObserverFixture(t)

	obs.Observe("n1", []crdt.CommentChange{
		{Kind: crdt.KindThread, ID: "t1", Op: crdt.CommentAdd},
	}, types.OriginReload)

	got := collect(sub, 3*types.CommentDebounceWin)
	require.Len(t, got, 1)
	assert.Equal(t, events.EventCommentRemote, got[0].Type)
	assert.Equal(t, "n1", got[0].NoteID)

	payload, ok := got[0].Payload.(*Event)
	require.True(t, ok)
	assert.Equal(t, ThreadAdd, payload.Type)
	assert.Equal(t, "t1", payload.ThreadID)
	assert.True(t, payload.IsRemote)
}

func TestLocalChangesNotBroadcast(t *testing.T) {
	obs, sub := newObserverFixture(t)

	obs.Observe("n1", []crdt.CommentChange{
		{Kind: crdt.KindThread, ID: "t1", Op: crdt.CommentAdd},
	}, types.OriginIPC)
	obs.Observe("n1", []crdt.CommentChange{
		{Kind: crdt.KindThread, ID: "t2", Op: crdt.CommentAdd},
	}, types.OriginLocal)

	got := collect(sub, 3*types.CommentDebounceWin)
	assert.Empty(t, got)
}

// TestDebounceCoalesces: rapid merges of the same logical change
// produce one event.
func TestDebounceCoalesces(t *testing.T) {
	obs, sub := newObserverFixture(t)

	for i := 0; i < 5; i++ {
		obs.Observe("n1", []crdt.CommentChange{
			{Kind: crdt.KindThread, ID: "t1", Op: crdt.CommentUpdate},
		}, types.OriginReload)
	}

	got := collect(sub, 4*types.CommentDebounceWin)
	assert.Len(t, got, 1)
}

func TestDistinctKeysNotCoalesced(t *testing.T) {
	obs, sub := newObserverFixture(t)

	obs.Observe("n1", []crdt.CommentChange{
		{Kind: crdt.KindReply, ID: "r1", ThreadID: "t1", Op: crdt.CommentAdd},
		{Kind: crdt.KindReply, ID: "r2", ThreadID: "t1", Op: crdt.CommentAdd},
		{Kind: crdt.KindReaction, ID: "x1", ThreadID: "t1", Op: crdt.CommentAdd},
	}, types.OriginReload)

	got := collect(sub, 4*types.CommentDebounceWin)
	assert.Len(t, got, 3)

	kinds := map[EventType]int{}
	for _, ev := range got {
		payload := ev.Payload.(*Event)
		kinds[payload.Type]++
	}
	assert.Equal(t, 2, kinds[ReplyAdd])
	assert.Equal(t, 1, kinds[ReactionAdd])
}

func TestCloseDropsPending(t *testing.T) {
	obs, sub := newObserverFixture(t)

	obs.Observe("n1", []crdt.CommentChange{
		{Kind: crdt.KindThread, ID: "t1", Op: crdt.CommentAdd},
	}, types.OriginReload)
	obs.Close()

	got := collect(sub, 3*types.CommentDebounceWin)
	assert.Empty(t, got)
}
