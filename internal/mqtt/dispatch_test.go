package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchPreservesOrderPerTopic(t *testing.T) {
	var (
		mu       sync.Mutex
		received []int
	)
	done := make(chan struct{})

	handler := func(_ context.Context, msg *Message) error {
		mu.Lock()
		received = append(received, int(msg.Payload[0]))
		if len(received) == 10 {
			close(done)
		}
		mu.Unlock()
		return nil
	}
	resolve := func(string) []Handler { return []Handler{handler} }

	engine := newDispatchEngine(4, 16, time.Second, resolve, testLogger())
	engine.Start()
	defer engine.Stop()

	for i := 0; i < 10; i++ {
		engine.Enqueue(&Message{Topic: "devices/rpi-07/telemetry", Payload: []byte{byte(i)}})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range received {
		assert.Equal(t, i, v, "message %d out of order", i)
	}
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	handler := func(_ context.Context, _ *Message) error {
		entered <- struct{}{}
		<-release
		return nil
	}
	resolve := func(string) []Handler { return []Handler{handler} }

	engine := newDispatchEngine(1, 1, time.Second, resolve, testLogger())
	engine.Start()
	defer func() {
		close(release)
		engine.Stop()
	}()

	msg := &Message{Topic: "devices/rpi-07/telemetry", Payload: []byte("{}")}

	// First message occupies the worker.
	engine.Enqueue(msg)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first message")
	}

	// Second fills the queue, third has nowhere to go.
	engine.Enqueue(msg)
	engine.Enqueue(msg)

	require.Equal(t, uint64(1), engine.Dropped())
}

func TestDispatchRecoversFromHandlerPanic(t *testing.T) {
	delivered := make(chan string, 2)

	panicking := func(_ context.Context, _ *Message) error {
		panic("handler bug")
	}
	recording := func(_ context.Context, msg *Message) error {
		delivered <- msg.Topic
		return nil
	}

	calls := 0
	resolve := func(string) []Handler {
		calls++
		if calls == 1 {
			return []Handler{panicking}
		}
		return []Handler{recording}
	}

	engine := newDispatchEngine(1, 4, time.Second, resolve, testLogger())
	engine.Start()
	defer engine.Stop()

	engine.Enqueue(&Message{Topic: "devices/rpi-07/telemetry"})
	engine.Enqueue(&Message{Topic: "devices/rpi-07/status"})

	select {
	case topic := <-delivered:
		assert.Equal(t, "devices/rpi-07/status", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestDispatchSameTopicSameShard(t *testing.T) {
	shard := shardFor("devices/rpi-07/telemetry", 4)
	for i := 0; i < 100; i++ {
		assert.Equal(t, shard, shardFor("devices/rpi-07/telemetry", 4))
	}
}
