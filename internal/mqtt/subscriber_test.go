package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeRegistersWithBroker(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	handler := func(context.Context, *Message) error { return nil }
	require.NoError(t, s.Subscribe("devices/+/telemetry", handler))

	assert.Equal(t, []string{"devices/+/telemetry"}, conn.subscribedFilters())

	state, ok := s.FilterState("devices/+/telemetry")
	require.True(t, ok)
	assert.Equal(t, BindingActive, state)
}

func TestSubscribeIsIdempotentPerHandler(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	handler := func(context.Context, *Message) error { return nil }
	require.NoError(t, s.Subscribe("devices/+/telemetry", handler))
	require.NoError(t, s.Subscribe("devices/+/telemetry", handler))

	assert.Len(t, conn.subscribedFilters(), 1)
	assert.Equal(t, 1, s.Stats().Filters)
}

func TestSubscribeBeforeConnect(t *testing.T) {
	conn := newFakeConn(StateDisconnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	handler := func(context.Context, *Message) error { return nil }
	require.NoError(t, s.Subscribe("devices/+/status", handler))

	assert.Empty(t, conn.subscribedFilters())
	state, ok := s.FilterState("devices/+/status")
	require.True(t, ok)
	assert.Equal(t, BindingRegistered, state)

	conn.connect()

	assert.Equal(t, []string{"devices/+/status"}, conn.subscribedFilters())
	state, _ = s.FilterState("devices/+/status")
	assert.Equal(t, BindingActive, state)
}

func TestSubscribeRejectsInvalidFilter(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	handler := func(context.Context, *Message) error { return nil }
	err := s.Subscribe("devices/#/telemetry", handler)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSubscriptionSurvivesBrokerFailure(t *testing.T) {
	conn := newFakeConn(StateConnected)
	conn.subscribeToken = pendingToken() // broker never acknowledges
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	handler := func(context.Context, *Message) error { return nil }
	err := s.Subscribe("devices/+/telemetry", handler)
	require.ErrorIs(t, err, ErrSubscribeFailed)

	// Registration is kept; the next connect re-issues the filter.
	state, ok := s.FilterState("devices/+/telemetry")
	require.True(t, ok)
	assert.Equal(t, BindingRegistered, state)

	conn.subscribeToken = completedToken()
	conn.connect()

	state, _ = s.FilterState("devices/+/telemetry")
	assert.Equal(t, BindingActive, state)
}

func TestUnsubscribeKeepsFilterWhileHandlersRemain(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	first := func(context.Context, *Message) error { return nil }
	second := func(context.Context, *Message) error { return nil }
	require.NoError(t, s.Subscribe("devices/+/telemetry", first))
	require.NoError(t, s.Subscribe("devices/+/telemetry", second))

	require.NoError(t, s.Unsubscribe("devices/+/telemetry", first))
	assert.Empty(t, conn.unsubscribedFilters())

	require.NoError(t, s.Unsubscribe("devices/+/telemetry", second))
	assert.Equal(t, []string{"devices/+/telemetry"}, conn.unsubscribedFilters())

	_, ok := s.FilterState("devices/+/telemetry")
	assert.False(t, ok)
}

func TestUnsubscribeUnknownHandlerIsNoOp(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	registered := func(context.Context, *Message) error { return nil }
	other := func(context.Context, *Message) error { return nil }
	require.NoError(t, s.Subscribe("devices/+/telemetry", registered))

	require.NoError(t, s.Unsubscribe("devices/+/telemetry", other))
	assert.Empty(t, conn.unsubscribedFilters())
}

func TestInboundMessageDispatchedOnce(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())
	s.Start()
	defer s.Stop()

	received := make(chan *Message, 4)
	handler := func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	}
	require.NoError(t, s.Subscribe("devices/+/telemetry", handler))

	conn.deliver("devices/rpi-07/telemetry", []byte(`{"temperature": 22.5}`), false)

	select {
	case msg := <-received:
		assert.Equal(t, "rpi-07", msg.DeviceID)
		assert.Equal(t, ClassTelemetry, msg.Class)

		var payload map[string]float64
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, 22.5, payload["temperature"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	select {
	case <-received:
		t.Fatal("handler invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboundDeliveredToOverlappingFilters(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())
	s.Start()
	defer s.Stop()

	var classCalls, deviceCalls atomic.Int32
	classHandler := func(context.Context, *Message) error {
		classCalls.Add(1)
		return nil
	}
	deviceHandler := func(context.Context, *Message) error {
		deviceCalls.Add(1)
		return nil
	}

	require.NoError(t, s.Subscribe("devices/+/telemetry", classHandler))
	deviceFilter, err := DeviceFilter("rpi-07")
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(deviceFilter, deviceHandler))

	conn.deliver("devices/rpi-07/telemetry", []byte(`{"temperature": 22.5}`), false)

	require.Eventually(t, func() bool {
		return classCalls.Load() == 1 && deviceCalls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboundUnparseableTopicStillDispatched(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())
	s.Start()
	defer s.Stop()

	received := make(chan *Message, 1)
	handler := func(_ context.Context, msg *Message) error {
		received <- msg
		return nil
	}
	require.NoError(t, s.Subscribe("#", handler))

	conn.deliver("lab/announcements", []byte("maintenance"), false)

	select {
	case msg := <-received:
		assert.Equal(t, "lab/announcements", msg.Topic)
		assert.Empty(t, msg.DeviceID)
		assert.Empty(t, string(msg.Class))
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestOversizeInboundDropped(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.MaxPayloadSize = 16

	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, cfg, time.Second, testLogger())
	s.Start()
	defer s.Stop()

	var calls atomic.Int32
	handler := func(context.Context, *Message) error {
		calls.Add(1)
		return nil
	}
	require.NoError(t, s.Subscribe("devices/+/telemetry", handler))

	conn.deliver("devices/rpi-07/telemetry", make([]byte, 64), false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, uint64(1), s.Stats().DroppedOversize)
}

func TestBindingsSuspendedDuringReconnect(t *testing.T) {
	conn := newFakeConn(StateConnected)
	s := NewSubscriber(conn, testMQTTConfig(), time.Second, testLogger())

	handler := func(context.Context, *Message) error { return nil }
	require.NoError(t, s.Subscribe("devices/+/telemetry", handler))

	state, _ := s.FilterState("devices/+/telemetry")
	require.Equal(t, BindingActive, state)

	conn.setState(StateReconnecting)
	state, _ = s.FilterState("devices/+/telemetry")
	assert.Equal(t, BindingSuspended, state)

	conn.connect()
	state, _ = s.FilterState("devices/+/telemetry")
	assert.Equal(t, BindingActive, state)

	// The filter was issued once on Subscribe and once on reconnect.
	assert.Equal(t, []string{"devices/+/telemetry", "devices/+/telemetry"}, conn.subscribedFilters())
}
