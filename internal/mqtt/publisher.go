package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"elims-sync/internal/config"
)

// Publisher submits outbound messages through the connection, composing
// the canonical topic and serializing structured payloads to JSON.
// Publishes are never retried here: a replayed command can be dangerous,
// so retry policy belongs to the caller.
type Publisher struct {
	conn   connection
	cfg    *config.MQTTConfig
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []queuedPublish
	dropped atomic.Uint64
}

type queuedPublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// PublisherStats exposes the queued-publish loss counter.
type PublisherStats struct {
	Queued           int
	DroppedPublishes uint64
}

func NewPublisher(conn connection, cfg *config.MQTTConfig, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
	if cfg.QueuePublishes {
		conn.OnConnect(p.flushQueue)
	}
	return p
}

// Publish sends a message for a device with the configured default QoS
// and no retain flag.
func (p *Publisher) Publish(deviceID string, class MessageClass, payload interface{}) error {
	return p.PublishWithOptions(deviceID, class, payload, byte(p.cfg.QoS), false)
}

// PublishWithOptions sends a message with an explicit QoS and retain
// flag. At QoS 0 the call returns once the message is handed to the
// transport. At QoS 1/2 it blocks until the broker acknowledges, the
// publish timeout elapses (ErrPublishTimeout), or the client is closed
// (ErrClientClosed).
//
// When the session is not connected the behavior is policy-selected:
// fail fast with ErrNotConnected by default, or, with queueing enabled,
// buffer up to the configured size and flush in order on reconnect.
func (p *Publisher) PublishWithOptions(deviceID string, class MessageClass, payload interface{}, qos byte, retain bool) error {
	if qos > 2 {
		return ErrInvalidQoS
	}
	topic, err := ComposeTopic(deviceID, class)
	if err != nil {
		return err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if len(data) > p.cfg.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), p.cfg.MaxPayloadSize)
	}

	if p.conn.State() != StateConnected {
		if !p.cfg.QueuePublishes {
			return fmt.Errorf("%w: cannot publish to %s", ErrNotConnected, topic)
		}
		p.enqueue(queuedPublish{topic: topic, payload: data, qos: qos, retain: retain})
		return nil
	}

	return p.send(topic, data, qos, retain)
}

// ClearRetained removes the retained message on a device topic by
// publishing an empty retained payload.
func (p *Publisher) ClearRetained(deviceID string, class MessageClass) error {
	topic, err := ComposeTopic(deviceID, class)
	if err != nil {
		return err
	}
	if p.conn.State() != StateConnected {
		return fmt.Errorf("%w: cannot publish to %s", ErrNotConnected, topic)
	}
	return p.send(topic, nil, 0, true)
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return PublisherStats{
		Queued:           queued,
		DroppedPublishes: p.dropped.Load(),
	}
}

func (p *Publisher) send(topic string, payload []byte, qos byte, retain bool) error {
	token := p.conn.publish(topic, qos, retain, payload)

	if qos == 0 {
		p.logger.Debug().
			Str("topic", topic).
			Int("payload_size", len(payload)).
			Msg("Message sent")
		return nil
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
		}
	case <-time.After(p.cfg.PublishTimeout):
		return fmt.Errorf("%w: %s after %s", ErrPublishTimeout, topic, p.cfg.PublishTimeout)
	case <-p.conn.Done():
		return fmt.Errorf("%w: publish to %s interrupted", ErrClientClosed, topic)
	}

	p.logger.Debug().
		Str("topic", topic).
		Int("payload_size", len(payload)).
		Uint8("qos", qos).
		Bool("retained", retain).
		Msg("Message published")
	return nil
}

// enqueue buffers a publish while disconnected. The queue is bounded:
// when full the oldest message is dropped and counted, so long outages
// cannot grow memory without bound and callers can observe the loss.
func (p *Publisher) enqueue(msg queuedPublish) {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.PublishQueueSize {
		dropped := p.queue[0]
		p.queue = p.queue[1:]
		p.dropped.Add(1)
		p.logger.Warn().
			Str("topic", dropped.topic).
			Uint64("dropped_total", p.dropped.Load()).
			Msg("Publish queue full, oldest message dropped")
	}
	p.queue = append(p.queue, msg)
	queued := len(p.queue)
	p.mu.Unlock()

	p.logger.Debug().
		Str("topic", msg.topic).
		Int("queued", queued).
		Msg("Message queued while disconnected")
}

func (p *Publisher) flushQueue() {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	p.logger.Info().Int("count", len(pending)).Msg("Flushing queued publishes")

	for _, msg := range pending {
		if err := p.send(msg.topic, msg.payload, msg.qos, msg.retain); err != nil {
			p.logger.Error().Err(err).Str("topic", msg.topic).Msg("Queued publish failed")
		}
	}
}

func encodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling payload: %w", ErrPublishFailed, err)
		}
		return data, nil
	}
}
