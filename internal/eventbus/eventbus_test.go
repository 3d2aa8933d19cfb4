package eventbus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(NewMetrics(prometheus.NewRegistry()))
}

func TestPatternMatches(t *testing.T) {
	require.True(t, patternMatches("*", "grid.task.completed"))
	require.True(t, patternMatches("grid.task.completed", "grid.task.completed"))
	require.True(t, patternMatches("grid.task.*", "grid.task.completed"))
	require.True(t, patternMatches("grid.task.*", "grid.task"))
	require.True(t, patternMatches("grid.task", "grid.task"))
	require.False(t, patternMatches("grid.peer.*", "grid.task.completed"))
	require.True(t, patternMatches("grid.*", "grid.task.completed"))
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("grid.task.*")
	other := b.Subscribe("grid.peer.*")

	b.Publish(Event{Source: "orchestrator", Kind: "grid.task.completed"})

	select {
	case e := <-sub:
		require.Equal(t, "grid.task.completed", e.Kind)
	default:
		t.Fatal("expected delivery to matching subscriber")
	}
	select {
	case <-other:
		t.Fatal("unexpected delivery to non-matching subscriber")
	default:
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	b := newTestBus()
	all := b.SubscribeAll()
	b.Publish(Event{Kind: "grid.task.completed"})
	b.Publish(Event{Kind: "grid.peer.joined"})

	first := <-all
	second := <-all
	require.Equal(t, "grid.task.completed", first.Kind)
	require.Equal(t, "grid.peer.joined", second.Kind)
}

func TestPublishBatch(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("grid.*")
	b.PublishBatch([]Event{
		{Kind: "grid.a"},
		{Kind: "grid.b"},
	})
	require.Len(t, sub, 2)
}

func TestFullSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("grid.*")
	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		b.Publish(Event{Kind: "grid.flood"})
	}
	require.Len(t, sub, defaultSubscriberBuffer)
}
