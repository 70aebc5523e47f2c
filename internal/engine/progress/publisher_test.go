package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	events := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestPublisher_DeliversInEmissionOrder(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 16, nil)
	sub := p.Subscribe()
	defer sub.Cancel()

	p.Phase("starting")
	p.NodeStart("load", "Load", "document_loader")
	p.NodeDone("load", "Load", false, 3)

	events := collect(sub, 3, time.Second)
	require.Len(t, events, 3)
	assert.Equal(t, KindPhase, events[0].Kind)
	assert.Equal(t, KindNodeStart, events[1].Kind)
	assert.Equal(t, KindNodeDone, events[2].Kind)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
	assert.Equal(t, 3, events[2].Items)
}

func TestPublisher_TerminalExactlyOnce(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 16, nil)
	sub := p.Subscribe()

	p.Complete(map[string]interface{}{"nodes": 2})
	p.Complete(nil)
	p.Error("x", errors.New("too late"))

	events := collect(sub, 5, 200*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, KindComplete, events[0].Kind)

	_, open := <-sub.C
	assert.False(t, open)
}

func TestPublisher_ErrorInsteadOfComplete(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 16, nil)
	sub := p.Subscribe()

	p.Error("extract", errors.New("model unavailable"))
	p.Complete(nil)

	events := collect(sub, 5, 200*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
	assert.Equal(t, "extract", events[0].NodeID)
	assert.Contains(t, events[0].Message, "model unavailable")
}

func TestPublisher_LateSubscriberGetsClosedStream(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 16, nil)
	p.Complete(nil)

	sub := p.Subscribe()
	_, open := <-sub.C
	assert.False(t, open)
}

func TestPublisher_SlowSubscriberEvicted(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 1, nil)
	sub := p.Subscribe()

	p.Phase("one")
	p.Phase("two")
	p.Phase("three")

	assert.Equal(t, 0, p.SubscriberCount())

	// The buffered event is still readable, then the channel closes.
	events := collect(sub, 3, 200*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, "one", events[0].Message)
}

func TestPublisher_CancelDetaches(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 16, nil)
	sub := p.Subscribe()
	require.Equal(t, 1, p.SubscriberCount())

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, p.SubscriberCount())

	p.Phase("after cancel")
	_, open := <-sub.C
	assert.False(t, open)
}

func TestPublisher_MultipleSubscribersSeeSameEvents(t *testing.T) {
	p := NewPublisher("run-1", "wf-1", 16, nil)
	first := p.Subscribe()
	second := p.Subscribe()

	p.NodeStart("a", "A", "chunker")
	p.Complete(nil)

	got1 := collect(first, 2, time.Second)
	got2 := collect(second, 2, time.Second)
	require.Len(t, got1, 2)
	require.Len(t, got2, 2)
	assert.Equal(t, got1[0].Seq, got2[0].Seq)
	assert.Equal(t, got1[1].Kind, got2[1].Kind)
}
