package bus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conscious-bot/core/internal/bus"
)

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	b := bus.New([]bus.TopicConfig{{Topic: bus.TopicTasks, Capacity: 4, Policy: bus.BoundedBlocking}}, nil)
	ch, ok := b.Subscribe(bus.TopicTasks)
	require.True(t, ok)

	require.NoError(t, b.Publish(bus.TopicTasks, "payload"))
	msg := <-ch
	require.Equal(t, "payload", msg.Payload)
}

func TestLossyNewest_DropsOldestOnOverflow(t *testing.T) {
	dropped := 0
	b := bus.New([]bus.TopicConfig{{Topic: bus.TopicTelemetry, Capacity: 2, Policy: bus.LossyNewest}},
		func(topic bus.Topic, reason string) { dropped++ })

	require.NoError(t, b.Publish(bus.TopicTelemetry, 1))
	require.NoError(t, b.Publish(bus.TopicTelemetry, 2))
	require.NoError(t, b.Publish(bus.TopicTelemetry, 3))

	require.Equal(t, 2, b.Depth(bus.TopicTelemetry))
	require.Greater(t, dropped, 0)
	require.Greater(t, b.Dropped(bus.TopicTelemetry), uint64(0))

	ch, _ := b.Subscribe(bus.TopicTelemetry)
	first := <-ch
	require.Equal(t, 2, first.Payload, "oldest (1) must have been evicted")
}

func TestReliableBounded_OverflowReturnsError(t *testing.T) {
	b := bus.New([]bus.TopicConfig{{Topic: bus.TopicSafety, Capacity: 1, Policy: bus.ReliableBounded}}, nil)

	require.NoError(t, b.Publish(bus.TopicSafety, "first"))
	err := b.Publish(bus.TopicSafety, "second")
	require.Error(t, err)

	var overflow *bus.ErrOverflow
	require.ErrorAs(t, err, &overflow)
}

func TestBoundedBlocking_ProducerBlocksUntilConsumed(t *testing.T) {
	b := bus.New([]bus.TopicConfig{{Topic: bus.TopicTasks, Capacity: 1, Policy: bus.BoundedBlocking}}, nil)
	ch, _ := b.Subscribe(bus.TopicTasks)

	require.NoError(t, b.Publish(bus.TopicTasks, "a"))

	done := make(chan struct{})
	go func() {
		require.NoError(t, b.Publish(bus.TopicTasks, "b"))
		close(done)
	}()

	<-ch // drains "a", unblocking the producer goroutine above
	<-done
}

func TestPublish_UnregisteredTopicErrors(t *testing.T) {
	b := bus.New(nil, nil)
	err := b.Publish(bus.TopicSignals, "x")
	require.Error(t, err)
}

func TestDefaultTopics_CoversAllSix(t *testing.T) {
	configs := bus.DefaultTopics(16)
	require.Len(t, configs, 6)
}
