package bus_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
)

func TestHub_RoutesByJobAndConversation(t *testing.T) {
	t.Parallel()
	h := bus.NewHub()
	jobSub := h.Subscribe(8, bus.JobTopic("job-1"))
	convSub := h.Subscribe(8, bus.ConversationTopic("conv-1"))
	globalSub := h.Subscribe(8, bus.TopicJobs)
	otherSub := h.Subscribe(8, bus.JobTopic("job-2"))
	defer jobSub.Close()
	defer convSub.Close()
	defer globalSub.Close()
	defer otherSub.Close()

	h.Publish(bus.Envelope{JobID: "job-1", ConversationID: "conv-1", Type: "event"})

	assert.Equal(t, "event", (<-jobSub.C).Type)
	assert.Equal(t, "job-1", (<-convSub.C).JobID)
	assert.Equal(t, "job-1", (<-globalSub.C).JobID)
	select {
	case env := <-otherSub.C:
		t.Fatalf("unexpected delivery to other job: %+v", env)
	default:
	}
}

func TestHub_DuplicateTopicsDeliverOnce(t *testing.T) {
	t.Parallel()
	h := bus.NewHub()
	sub := h.Subscribe(8, bus.JobTopic("job-1"), bus.TopicJobs)
	defer sub.Close()

	h.Publish(bus.Envelope{JobID: "job-1", Type: "status"})
	<-sub.C
	select {
	case env := <-sub.C:
		t.Fatalf("delivered twice: %+v", env)
	default:
	}
}

func TestHub_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	h := bus.NewHub()
	sub := h.Subscribe(2, bus.JobTopic("job-1"))
	defer sub.Close()

	for i := 0; i < 5; i++ {
		h.Publish(bus.Envelope{JobID: "job-1", Type: "event", Data: map[string]any{"seq": i}})
	}
	assert.Equal(t, uint64(3), sub.Dropped())

	// the survivors are the newest two, still in order
	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, 3, first.Data["seq"])
	assert.Equal(t, 4, second.Data["seq"])
}

func TestHub_PerJobOrderPreserved(t *testing.T) {
	t.Parallel()
	h := bus.NewHub()
	sub := h.Subscribe(128, bus.JobTopic("job-1"))
	defer sub.Close()

	for i := 0; i < 100; i++ {
		h.Publish(bus.Envelope{JobID: "job-1", Type: "event", Data: map[string]any{"seq": i}})
	}
	for i := 0; i < 100; i++ {
		env := <-sub.C
		require.Equal(t, i, env.Data["seq"], "out of order at %d", i)
	}
}

func TestSubscription_CloseIsIdempotentAndUnregisters(t *testing.T) {
	t.Parallel()
	h := bus.NewHub()
	sub := h.Subscribe(1, bus.JobTopic("job-1"))
	sub.Close()
	sub.Close()

	// publishing after close must not panic or deliver
	h.Publish(bus.Envelope{JobID: "job-1", Type: "event"})
	_, open := <-sub.C
	assert.False(t, open)
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	t.Parallel()
	h := bus.NewHub()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				sub := h.Subscribe(4, bus.JobTopic(fmt.Sprintf("job-%d", g)))
				h.Publish(bus.Envelope{JobID: fmt.Sprintf("job-%d", g), Type: "event"})
				sub.Close()
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
