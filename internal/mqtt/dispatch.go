package mqtt

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler consumes one dispatched message. Errors are logged at the
// dispatch boundary and never propagate to other handlers.
type Handler func(ctx context.Context, msg *Message) error

// dispatchEngine decouples the broker's delivery callback from handler
// execution. Each worker owns a bounded queue and messages are sharded
// by topic, so messages on one topic keep receipt order while different
// topics dispatch concurrently. A full queue drops the message and
// increments the loss counter; that is the backpressure policy, chosen
// over blocking the connection's read loop.
type dispatchEngine struct {
	logger         zerolog.Logger
	resolve        func(topic string) []Handler
	handlerTimeout time.Duration

	queues []chan *Message
	quit   chan struct{}
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

func newDispatchEngine(
	workers int,
	queueSize int,
	handlerTimeout time.Duration,
	resolve func(topic string) []Handler,
	logger zerolog.Logger,
) *dispatchEngine {
	queues := make([]chan *Message, workers)
	for i := range queues {
		queues[i] = make(chan *Message, queueSize)
	}
	return &dispatchEngine{
		logger:         logger.With().Str("component", "dispatch").Logger(),
		resolve:        resolve,
		handlerTimeout: handlerTimeout,
		queues:         queues,
		quit:           make(chan struct{}),
	}
}

func (e *dispatchEngine) Start() {
	for i, queue := range e.queues {
		e.wg.Add(1)
		go e.worker(i, queue)
	}
	e.logger.Debug().Int("workers", len(e.queues)).Msg("Dispatch workers started")
}

func (e *dispatchEngine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// Enqueue hands a message to the worker owning its topic shard. Never
// blocks: the caller is the connection's read loop.
func (e *dispatchEngine) Enqueue(msg *Message) {
	select {
	case <-e.quit:
		return
	default:
	}

	queue := e.queues[shardFor(msg.Topic, len(e.queues))]
	select {
	case queue <- msg:
	default:
		e.dropped.Add(1)
		e.logger.Warn().
			Str("topic", msg.Topic).
			Int("payload_size", len(msg.Payload)).
			Uint64("dropped_total", e.dropped.Load()).
			Msg("Dispatch queue full, message dropped")
	}
}

// Dropped returns the number of inbound messages dropped because their
// shard queue was full.
func (e *dispatchEngine) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *dispatchEngine) worker(id int, queue <-chan *Message) {
	defer e.wg.Done()
	for {
		select {
		case msg := <-queue:
			e.dispatch(msg)
		case <-e.quit:
			return
		}
	}
}

func (e *dispatchEngine) dispatch(msg *Message) {
	handlers := e.resolve(msg.Topic)
	if len(handlers) == 0 {
		e.logger.Debug().Str("topic", msg.Topic).Msg("No handler registered for topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.handlerTimeout)
	defer cancel()

	for _, handler := range handlers {
		e.invoke(ctx, handler, msg)
	}
}

func (e *dispatchEngine) invoke(ctx context.Context, handler Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("topic", msg.Topic).
				Int("payload_size", len(msg.Payload)).
				Interface("panic", r).
				Msg("Handler panicked")
		}
	}()

	if err := handler(ctx, msg); err != nil {
		e.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Int("payload_size", len(msg.Payload)).
			Msg("Handler failed")
	}
}

func shardFor(topic string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(shards))
}
