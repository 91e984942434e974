package mqtt

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"elims-sync/internal/config"
)

// BindingState tracks a subscription binding through the session
// lifecycle: registered locally, acknowledged by the broker, or
// suspended while reconnecting.
type BindingState int

const (
	BindingRegistered BindingState = iota
	BindingActive
	BindingSuspended
)

func (s BindingState) String() string {
	switch s {
	case BindingRegistered:
		return "registered"
	case BindingActive:
		return "active"
	case BindingSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

type binding struct {
	handler Handler
	key     uintptr
	state   BindingState
}

// Subscriber owns the filter → handler registry and the dispatch engine.
// Registrations survive reconnects: the broker is not trusted to persist
// subscriptions, so every registered filter is re-issued after each
// successful connect.
type Subscriber struct {
	conn   connection
	cfg    *config.MQTTConfig
	logger zerolog.Logger
	engine *dispatchEngine

	mu       sync.RWMutex
	registry map[string][]*binding

	oversize atomic.Uint64
}

// SubscriberStats exposes the loss counters so monitoring can alert on
// sustained message loss.
type SubscriberStats struct {
	DroppedInbound  uint64
	DroppedOversize uint64
	Filters         int
}

func NewSubscriber(conn connection, cfg *config.MQTTConfig, handlerTimeout time.Duration, logger zerolog.Logger) *Subscriber {
	s := &Subscriber{
		conn:     conn,
		cfg:      cfg,
		logger:   logger.With().Str("component", "subscriber").Logger(),
		registry: make(map[string][]*binding),
	}
	s.engine = newDispatchEngine(cfg.DispatchWorkers, cfg.DispatchQueueSize, handlerTimeout, s.handlersFor, logger)

	conn.SetInboundHandler(s.onMessage)
	conn.OnConnect(s.resubscribeAll)
	conn.OnStateChange(s.onStateChange)

	return s
}

// Start launches the dispatch workers. Call before Connect so early
// deliveries are not lost.
func (s *Subscriber) Start() {
	s.engine.Start()
}

// Stop drains the dispatch workers. Pending queued messages are
// discarded; call after Disconnect.
func (s *Subscriber) Stop() {
	s.engine.Stop()
}

// Subscribe registers a handler for a topic filter. Registration works
// before a connection exists and is idempotent per (filter, handler)
// pair. The broker-level subscription is issued immediately when
// connected, otherwise on the next connect.
func (s *Subscriber) Subscribe(filter string, handler Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	key := reflect.ValueOf(handler).Pointer()

	s.mu.Lock()
	bindings := s.registry[filter]
	for _, b := range bindings {
		if b.key == key {
			s.mu.Unlock()
			return nil
		}
	}
	newFilter := len(bindings) == 0
	s.registry[filter] = append(bindings, &binding{handler: handler, key: key, state: BindingRegistered})
	s.mu.Unlock()

	s.logger.Info().Str("filter", filter).Msg("Handler registered")

	if s.conn.State() != StateConnected {
		return nil
	}
	if !newFilter {
		s.markFilter(filter, BindingActive)
		return nil
	}
	if err := s.brokerSubscribe(filter); err != nil {
		// Registration stays; the filter is re-issued on the next
		// successful connect.
		return err
	}
	s.markFilter(filter, BindingActive)
	return nil
}

// Unsubscribe removes one (filter, handler) binding. The broker-level
// unsubscribe is only issued once no handler remains for the filter.
func (s *Subscriber) Unsubscribe(filter string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrUnsubscribeFailed)
	}
	key := reflect.ValueOf(handler).Pointer()

	s.mu.Lock()
	bindings := s.registry[filter]
	kept := bindings[:0]
	for _, b := range bindings {
		if b.key != key {
			kept = append(kept, b)
		}
	}
	removed := len(kept) != len(bindings)
	empty := len(kept) == 0
	if empty {
		delete(s.registry, filter)
	} else {
		s.registry[filter] = kept
	}
	s.mu.Unlock()

	if !removed {
		return nil
	}
	s.logger.Info().Str("filter", filter).Msg("Handler removed")

	if !empty || s.conn.State() != StateConnected {
		return nil
	}
	token := s.conn.unsubscribe(filter)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("%w: timeout for %s", ErrUnsubscribeFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, filter, err)
	}
	return nil
}

// FilterState reports the binding state for a filter, or false when the
// filter has no bindings.
func (s *Subscriber) FilterState(filter string) (BindingState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bindings := s.registry[filter]
	if len(bindings) == 0 {
		return 0, false
	}
	return bindings[0].state, true
}

func (s *Subscriber) Stats() SubscriberStats {
	s.mu.RLock()
	filters := len(s.registry)
	s.mu.RUnlock()
	return SubscriberStats{
		DroppedInbound:  s.engine.Dropped(),
		DroppedOversize: s.oversize.Load(),
		Filters:         filters,
	}
}

// onMessage runs on the connection's read loop. It must never block:
// the message is resolved to its device namespace and handed to the
// dispatch engine immediately.
func (s *Subscriber) onMessage(_ pahomqtt.Client, raw pahomqtt.Message) {
	payload := raw.Payload()
	if len(payload) > s.cfg.MaxPayloadSize {
		s.oversize.Add(1)
		s.logger.Warn().
			Str("topic", raw.Topic()).
			Int("payload_size", len(payload)).
			Int("max", s.cfg.MaxPayloadSize).
			Msg("Inbound payload too large, dropped")
		return
	}

	msg := &Message{
		Topic:      raw.Topic(),
		Payload:    payload,
		Retained:   raw.Retained(),
		ReceivedAt: time.Now(),
	}
	if deviceID, class, err := ParseTopic(raw.Topic()); err == nil {
		msg.DeviceID = deviceID
		msg.Class = class
	}

	s.logger.Debug().
		Str("topic", msg.Topic).
		Int("payload_size", len(payload)).
		Str("payload", sanitizePayload(payload)).
		Msg("Message received")

	s.engine.Enqueue(msg)
}

func (s *Subscriber) handlersFor(topic string) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var handlers []Handler
	for filter, bindings := range s.registry {
		if !MatchTopic(filter, topic) {
			continue
		}
		for _, b := range bindings {
			handlers = append(handlers, b.handler)
		}
	}
	return handlers
}

// resubscribeAll re-issues every registered filter after a successful
// connect. MQTT brokers drop subscription state on clean sessions, so
// no reliance is placed on broker-side persistence.
func (s *Subscriber) resubscribeAll() {
	s.mu.RLock()
	filters := make([]string, 0, len(s.registry))
	for filter := range s.registry {
		filters = append(filters, filter)
	}
	s.mu.RUnlock()

	for _, filter := range filters {
		if err := s.brokerSubscribe(filter); err != nil {
			s.logger.Error().Err(err).Str("filter", filter).Msg("Resubscribe failed")
			continue
		}
		s.markFilter(filter, BindingActive)
		s.logger.Info().Str("filter", filter).Msg("Subscribed to filter")
	}
}

func (s *Subscriber) onStateChange(state SessionState) {
	if state != StateReconnecting && state != StateDisconnected {
		return
	}
	s.mu.Lock()
	for _, bindings := range s.registry {
		for _, b := range bindings {
			if b.state == BindingActive {
				b.state = BindingSuspended
			}
		}
	}
	s.mu.Unlock()
}

func (s *Subscriber) brokerSubscribe(filter string) error {
	token := s.conn.subscribe(filter, byte(s.cfg.QoS))
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("%w: timeout for %s", ErrSubscribeFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}

func (s *Subscriber) markFilter(filter string, state BindingState) {
	s.mu.Lock()
	for _, b := range s.registry[filter] {
		b.state = state
	}
	s.mu.Unlock()
}
