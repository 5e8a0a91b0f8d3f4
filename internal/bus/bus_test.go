package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "app-1", OldStatus: "unclaimed", NewStatus: "in_progress"})

	ev := receive(t, sub)
	assert.Equal(t, TopicTaskStateChanged, ev.Topic)
	payload, ok := ev.Payload.(TaskStateChangedEvent)
	require.True(t, ok)
	assert.Equal(t, "app-1", payload.TaskID)
	assert.False(t, ev.At.IsZero())
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskReport, "r")
	b.Publish(TopicWorkerState, "w")

	assert.Equal(t, TopicTaskReport, receive(t, taskSub).Topic)
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, TopicTaskReport, receive(t, allSub).Topic)
	assert.Equal(t, TopicWorkerState, receive(t, allSub).Topic)
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicWorkerState, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.ch, defaultBufferSize)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub.Ch()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBus_CloseAndNilPublish(t *testing.T) {
	var nilBus *Bus
	nilBus.Publish(TopicTaskReport, nil)

	b := New()
	sub := b.Subscribe("")
	b.Close()
	_, ok := <-sub.Ch()
	assert.False(t, ok)

	late := b.Subscribe("")
	_, ok = <-late.Ch()
	assert.False(t, ok)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("worker.")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Publish(TopicWorkerState, WorkerStateEvent{WorkerID: "w", State: "idle"})
		}(i)
	}
	wg.Wait()
	assert.Len(t, sub.ch, 8)
}
