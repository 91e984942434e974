package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"elims-sync/internal/config"
)

// connection is the narrow surface Publisher and Subscriber use. They
// read session state and submit work; only the Client transitions state.
type connection interface {
	publish(topic string, qos byte, retained bool, payload []byte) pahomqtt.Token
	subscribe(filter string, qos byte) pahomqtt.Token
	unsubscribe(filter string) pahomqtt.Token
	State() SessionState
	Done() <-chan struct{}
	OnConnect(fn func())
	OnStateChange(fn func(SessionState))
	SetInboundHandler(h pahomqtt.MessageHandler)
}

// pahoClient is the slice of paho's client surface the session uses.
// pahomqtt.Client satisfies it; tests substitute a scripted fake.
type pahoClient interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	IsConnected() bool
}

// Client owns the broker session: connect, TLS, keepalive and the
// reconnect loop. Paho's own auto-reconnect is disabled so that backoff,
// resubscription and the auth-failure stop condition live in one place.
type Client struct {
	cfg     *config.MQTTConfig
	logger  zerolog.Logger
	newPaho func(*pahomqtt.ClientOptions) pahoClient

	paho pahoClient

	reconnectInitialInterval time.Duration
	reconnectMaxInterval     time.Duration

	mu      sync.RWMutex
	state   SessionState
	lastErr error

	done     chan struct{}
	doneOnce sync.Once

	hookMu         sync.RWMutex
	onConnectHooks []func()
	stateObservers []func(SessionState)
	inbound        pahomqtt.MessageHandler
}

func NewClient(cfg *config.MQTTConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "mqtt-client").Logger(),
		newPaho: func(opts *pahomqtt.ClientOptions) pahoClient {
			return pahomqtt.NewClient(opts)
		},
		reconnectInitialInterval: 1 * time.Second,
		reconnectMaxInterval:     60 * time.Second,
		state:                    StateDisconnected,
		done:                     make(chan struct{}),
	}
}

// OnConnect registers a hook invoked after every successful connect,
// initial and reconnect alike. The Subscriber uses it to re-issue
// subscriptions, the Publisher to flush queued messages.
func (c *Client) OnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnectHooks = append(c.onConnectHooks, fn)
	c.hookMu.Unlock()
}

// OnStateChange registers an observer for session state transitions.
func (c *Client) OnStateChange(fn func(SessionState)) {
	c.hookMu.Lock()
	c.stateObservers = append(c.stateObservers, fn)
	c.hookMu.Unlock()
}

// SetInboundHandler routes all inbound publishes to a single handler.
// Must be called before Connect.
func (c *Client) SetInboundHandler(h pahomqtt.MessageHandler) {
	c.hookMu.Lock()
	c.inbound = h
	c.hookMu.Unlock()
}

// Connect opens the session and blocks until the broker acknowledges the
// connection, the configured connect timeout elapses, or ctx is
// cancelled. TLS material is loaded from disk here, not at validation
// time. Authentication refusals come back as ErrAuthFailed and must not
// be retried with the same credentials.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	opts, err := c.buildOptions()
	if err != nil {
		c.setStateErr(StateDisconnected, err)
		return err
	}
	c.paho = c.newPaho(opts)

	c.logger.Info().
		Str("broker", c.cfg.BrokerURL()).
		Bool("tls", c.cfg.UseTLS).
		Msg("Connecting to MQTT broker")

	token := c.paho.Connect()
	select {
	case <-token.Done():
		if err := classifyConnectError(token.Error()); err != nil {
			c.setStateErr(StateDisconnected, err)
			return err
		}
	case <-time.After(c.cfg.ConnectTimeout):
		err := fmt.Errorf("%w: timeout after %s", ErrConnectionFailed, c.cfg.ConnectTimeout)
		c.setStateErr(StateDisconnected, err)
		return err
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		c.setStateErr(StateDisconnected, err)
		return err
	case <-c.done:
		return ErrClientClosed
	}

	return nil
}

// Disconnect gracefully closes the session and stops any reconnect
// attempt in progress. Idempotent. Blocked QoS 1/2 publishes unblock
// with ErrClientClosed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })

	if c.paho != nil && c.paho.IsConnected() {
		c.publishStatus("offline")
		c.logger.Info().Msg("Disconnecting from MQTT broker")
		c.paho.Disconnect(250)
	}
	c.setState(StateClosed)
}

func (c *Client) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the last connect error, if any. After a failed reconnect
// sequence this is how callers observe the terminal condition.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Done is closed when Disconnect is called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected && c.paho != nil && c.paho.IsConnected()
}

func (c *Client) buildOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL())

	// Unique per process; the broker disconnects duplicate client IDs.
	opts.SetClientID(fmt.Sprintf("%s-%s", c.cfg.ClientID, uuid.NewString()[:8]))

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetCleanSession(c.cfg.CleanSession)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	// The connection counts as dead after the configured number of
	// missed keepalive acknowledgements.
	opts.SetPingTimeout(c.cfg.KeepAlive * time.Duration(c.cfg.KeepAliveMissLimit))
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	if c.cfg.UseTLS {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			return nil, err
		}
		if c.cfg.TLSInsecure {
			c.logger.Warn().Msg("TLS certificate verification disabled")
		}
		opts.SetTLSConfig(tlsConfig)
	}

	willTopic, _ := ComposeTopic(c.cfg.ClientID, ClassStatus)
	opts.SetWill(willTopic, `{"status":"offline"}`, 1, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleConnectionLost(err) })
	opts.SetDefaultPublishHandler(func(cl pahomqtt.Client, msg pahomqtt.Message) {
		c.hookMu.RLock()
		h := c.inbound
		c.hookMu.RUnlock()
		if h != nil {
			h(cl, msg)
		}
	})

	return opts, nil
}

func (c *Client) handleConnected() {
	// A connect attempt can complete after Disconnect. Closed is
	// terminal: tear the late session down instead of reviving it.
	c.mu.RLock()
	closed := c.state == StateClosed
	c.mu.RUnlock()
	if closed {
		c.paho.Disconnect(0)
		return
	}

	c.setState(StateConnected)
	c.logger.Info().Str("broker", c.cfg.BrokerURL()).Msg("Connected to MQTT broker")

	c.publishStatus("online")

	c.hookMu.RLock()
	hooks := make([]func(), len(c.onConnectHooks))
	copy(hooks, c.onConnectHooks)
	c.hookMu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.mu.RLock()
	closed := c.state == StateClosed
	c.mu.RUnlock()
	if closed {
		return
	}

	c.logger.Warn().Err(err).Msg("Lost connection to MQTT broker")
	c.setState(StateReconnecting)
	go c.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff and
// jitter until it succeeds, Disconnect is called, or the broker refuses
// the credentials.
func (c *Client) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectInitialInterval
	bo.MaxInterval = c.reconnectMaxInterval
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		wait := bo.NextBackOff()
		c.logger.Info().
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Reconnecting to MQTT broker")

		select {
		case <-time.After(wait):
		case <-c.done:
			return
		}

		token := c.paho.Connect()
		select {
		case <-token.Done():
		case <-c.done:
			return
		}

		err := classifyConnectError(token.Error())
		if err == nil {
			select {
			case <-c.done:
				// Disconnect raced the successful attempt.
				c.paho.Disconnect(0)
			default:
				// handleConnected runs via the OnConnect handler.
			}
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			c.logger.Error().Err(err).Msg("Broker refused credentials, stopping reconnect")
			c.setStateErr(StateDisconnected, err)
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}
}

func (c *Client) publishStatus(status string) {
	topic, err := ComposeTopic(c.cfg.ClientID, ClassStatus)
	if err != nil {
		return
	}
	payload := fmt.Sprintf(`{"status":%q}`, status)
	token := c.paho.Publish(topic, 1, true, []byte(payload))
	token.WaitTimeout(c.cfg.PublishTimeout)
}

func (c *Client) setState(s SessionState) {
	c.setStateErr(s, nil)
}

func (c *Client) setStateErr(s SessionState, err error) {
	c.mu.Lock()
	if c.state == s && err == nil {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	if err != nil {
		c.lastErr = err
	} else if s == StateConnected {
		c.lastErr = nil
	}
	c.mu.Unlock()

	if prev != s {
		c.logger.Debug().
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("Session state changed")
	}

	c.hookMu.RLock()
	observers := make([]func(SessionState), len(c.stateObservers))
	copy(observers, c.stateObservers)
	c.hookMu.RUnlock()
	for _, observer := range observers {
		observer(s)
	}
}

func (c *Client) publish(topic string, qos byte, retained bool, payload []byte) pahomqtt.Token {
	return c.paho.Publish(topic, qos, retained, payload)
}

func (c *Client) subscribe(filter string, qos byte) pahomqtt.Token {
	// A nil callback routes matching messages to the default publish
	// handler, so every inbound message is delivered exactly once even
	// when filters overlap.
	return c.paho.Subscribe(filter, qos, nil)
}

func (c *Client) unsubscribe(filter string) pahomqtt.Token {
	return c.paho.Unsubscribe(filter)
}

// classifyConnectError maps a raw connect error onto the layer's
// taxonomy: credential refusals are terminal, TLS problems are surfaced
// as such, everything else is a retryable connection failure.
func classifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if isTLSError(err) {
		return fmt.Errorf("%w: %w", ErrTLSFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

var _ connection = (*Client)(nil)
