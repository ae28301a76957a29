package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeMatchesPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("lock.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicLockAcquired, LockEvent{TaskID: "t1", AgentID: "a1"})
	b.Publish(TopicTaskCreated, TaskLifecycleEvent{TaskID: "t1"})

	select {
	case evt := <-sub.Ch():
		require.Equal(t, TopicLockAcquired, evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected lock event")
	}

	select {
	case evt := <-sub.Ch():
		t.Fatalf("unexpected event delivered: %+v", evt)
	default:
	}
}

func TestSubscribeEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionJoined, SessionEvent{SessionID: "s1"})
	b.Publish(TopicVoteRecorded, VoteEvent{ProposalID: "p1"})

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Ch():
		case <-time.After(time.Second):
			t.Fatal("expected event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	require.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskCreated, TaskLifecycleEvent{TaskID: "t"})
	}

	require.Greater(t, b.DroppedEventCount(), int64(0))
}
