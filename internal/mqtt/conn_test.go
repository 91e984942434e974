package mqtt

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"elims-sync/internal/config"
)

func testMQTTConfig() *config.MQTTConfig {
	return &config.MQTTConfig{
		Host:               "localhost",
		Port:               1883,
		ClientID:           "elims-sync-test",
		KeepAlive:          30 * time.Second,
		CleanSession:       true,
		QoS:                1,
		ConnectTimeout:     time.Second,
		PublishTimeout:     100 * time.Millisecond,
		KeepAliveMissLimit: 3,
		DispatchWorkers:    4,
		DispatchQueueSize:  16,
		PublishQueueSize:   8,
		MaxPayloadSize:     1 << 20,
	}
}

// fakeToken is a paho token with a pre-wired outcome. A nil done channel
// means the token never completes.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken() *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done}
}

func failedToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done, err: err}
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeConn implements the connection surface Publisher and Subscriber
// depend on, recording every call.
type fakeConn struct {
	mu           sync.Mutex
	state        SessionState
	published    []publishedMessage
	subscribed   []string
	unsubscribed []string

	publishToken     pahomqtt.Token
	subscribeToken   pahomqtt.Token
	unsubscribeToken pahomqtt.Token

	done chan struct{}

	onConnectHooks []func()
	stateObservers []func(SessionState)
	inbound        pahomqtt.MessageHandler
}

func newFakeConn(state SessionState) *fakeConn {
	return &fakeConn{
		state:            state,
		publishToken:     completedToken(),
		subscribeToken:   completedToken(),
		unsubscribeToken: completedToken(),
		done:             make(chan struct{}),
	}
}

func (f *fakeConn) publish(topic string, qos byte, retained bool, payload []byte) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, retained: retained, payload: payload})
	return f.publishToken
}

func (f *fakeConn) subscribe(filter string, qos byte) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, filter)
	return f.subscribeToken
}

func (f *fakeConn) unsubscribe(filter string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, filter)
	return f.unsubscribeToken
}

func (f *fakeConn) State() SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) OnConnect(fn func()) {
	f.onConnectHooks = append(f.onConnectHooks, fn)
}

func (f *fakeConn) OnStateChange(fn func(SessionState)) {
	f.stateObservers = append(f.stateObservers, fn)
}

func (f *fakeConn) SetInboundHandler(h pahomqtt.MessageHandler) {
	f.inbound = h
}

func (f *fakeConn) setState(state SessionState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	for _, observer := range f.stateObservers {
		observer(state)
	}
}

// connect moves the fake to Connected and runs the registered hooks, the
// way the real client does after a broker acknowledgement.
func (f *fakeConn) connect() {
	f.setState(StateConnected)
	for _, hook := range f.onConnectHooks {
		hook()
	}
}

func (f *fakeConn) close() { close(f.done) }

func (f *fakeConn) publishedMessages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeConn) subscribedFilters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subscribed))
	copy(out, f.subscribed)
	return out
}

func (f *fakeConn) unsubscribedFilters() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unsubscribed))
	copy(out, f.unsubscribed)
	return out
}

// deliver pushes an inbound message through the registered handler, the
// way paho's default publish handler would.
func (f *fakeConn) deliver(topic string, payload []byte, retained bool) {
	f.inbound(nil, &fakeInbound{topic: topic, payload: payload, retained: retained})
}

var _ connection = (*fakeConn)(nil)

// fakeInbound implements paho's Message interface for inbound delivery.
type fakeInbound struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeInbound) Duplicate() bool   { return false }
func (m *fakeInbound) Qos() byte         { return 1 }
func (m *fakeInbound) Retained() bool    { return m.retained }
func (m *fakeInbound) Topic() string     { return m.topic }
func (m *fakeInbound) MessageID() uint16 { return 0 }
func (m *fakeInbound) Payload() []byte   { return m.payload }
func (m *fakeInbound) Ack()              {}

var _ pahomqtt.Message = (*fakeInbound)(nil)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
