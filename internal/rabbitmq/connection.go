package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitcore/config"
	"github.com/glimte/rabbitcore/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// Stats is a point-in-time view of a ConnectionManager
type Stats struct {
	Connected       bool
	OpenChannels    int
	MaxChannels     int
	Publishers      int
	Consumers       int
	Subscriptions   int
	QueuedMessages  int
	PendingMessages int
}

// ConnectionManager owns one broker connection and the channel budget
// shared by every publisher and consumer created from it.
type ConnectionManager struct {
	settings   config.Settings
	dialer     Dialer
	dialPolicy reliability.RetryPolicy
	logger     *slog.Logger
	metrics    *Metrics

	exchangeCheckInterval time.Duration

	connMu sync.Mutex
	conn   Connection
	closed atomic.Bool

	channels atomic.Int32

	publishersMu sync.Mutex
	publishers   map[string]*ExchangePublisher

	// listeners holds the live consumer per queue; subscriptions the logical
	// subscription per queue. A nil entry in either marks one being created.
	listenersMu   sync.Mutex
	listeners     map[string]*QueueConsumer
	subscriptions map[string]*ResilientSubscription

	stateMu        sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialer replaces the amqp091 dialer, mainly for tests
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dialer != nil {
			cm.dialer = dialer
		}
	}
}

// WithDialRetryPolicy sets the policy used by Connect
func WithDialRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		if policy != nil {
			cm.dialPolicy = policy
		}
	}
}

// WithMetrics records publisher and consumer metrics into m
func WithMetrics(m *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// WithPublisherExchangeCheckInterval sets the passive exchange check interval
// of every publisher created by the manager
func WithPublisherExchangeCheckInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if interval > 0 {
			cm.exchangeCheckInterval = interval
		}
	}
}

// NewConnectionManager validates settings and returns a manager that dials
// lazily on first use.
func NewConnectionManager(settings config.Settings, options ...ConnectionOption) (*ConnectionManager, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	cm := &ConnectionManager{
		settings:              settings,
		dialer:                DialAMQP,
		dialPolicy:            reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2.0, 5),
		logger:                slog.Default(),
		exchangeCheckInterval: DefaultExchangeCheckInterval,
		publishers:            make(map[string]*ExchangePublisher),
		listeners:             make(map[string]*QueueConsumer),
		subscriptions:         make(map[string]*ResilientSubscription),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.logger = cm.logger.With("connection", settings.ConnectionName)

	return cm, nil
}

// Settings returns the validated settings with defaults applied
func (cm *ConnectionManager) Settings() config.Settings {
	return cm.settings
}

// Connect dials eagerly, retrying with the dial policy
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	return reliability.RetryWithNotify(ctx, cm.dialPolicy, func() error {
		_, err := cm.connection()
		if errors.Is(err, ErrManagerClosed) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		cm.logger.Warn("connection attempt failed",
			"attempt", attempt,
			"error", err,
			"retryIn", delay)
	})
}

// IsConnected reports whether a live connection is cached
func (cm *ConnectionManager) IsConnected() bool {
	cm.connMu.Lock()
	defer cm.connMu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// connection returns the cached connection, dialing when there is none.
func (cm *ConnectionManager) connection() (Connection, error) {
	cm.connMu.Lock()
	defer cm.connMu.Unlock()

	if cm.closed.Load() {
		return nil, ErrManagerClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.settings.ConnectionName)

	conn, err := cm.dialer(cm.settings.URL(), amqp.Config{
		Vhost:      cm.settings.VirtualHost,
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       cm.settings.SafeURL(),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watchConnection(conn, closes)

	cm.logger.Info("connected to RabbitMQ", "url", cm.settings.SafeURL())
	cm.notifyConnected()

	return conn, nil
}

// watchConnection forgets conn once it closes so the next use re-dials.
func (cm *ConnectionManager) watchConnection(conn Connection, closes chan *amqp.Error) {
	amqpErr, ok := <-closes

	cm.connMu.Lock()
	if cm.conn == conn {
		cm.conn = nil
	}
	cm.connMu.Unlock()

	if cm.closed.Load() {
		return
	}

	var err error = ErrConnectionClosed
	if ok && amqpErr != nil {
		err = fmt.Errorf("%w: %d %s", ErrConnectionClosed, amqpErr.Code, amqpErr.Reason)
	}
	cm.logger.Error("connection closed", "error", err)
	cm.notifyDisconnected(err)
}

func (cm *ConnectionManager) openChannel() (Channel, error) {
	conn, err := cm.connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// reserveChannel takes one slot of the channel budget.
func (cm *ConnectionManager) reserveChannel(owner string) error {
	max := int32(cm.settings.MaxChannels)
	for {
		n := cm.channels.Load()
		if n >= max {
			return &ChannelError{
				Op:        "reserve channel",
				Owner:     owner,
				Err:       fmt.Errorf("%w: %d of %d in use", ErrChannelBudgetExhausted, n, max),
				Timestamp: time.Now(),
			}
		}
		if cm.channels.CompareAndSwap(n, n+1) {
			cm.metrics.setOpenChannels(int(n + 1))
			return nil
		}
	}
}

func (cm *ConnectionManager) releaseChannel() {
	n := cm.channels.Add(-1)
	cm.metrics.setOpenChannels(int(n))
}

// SendOption configures a single Send
type SendOption func(*OutboundMessage)

// WithPersistent sets the delivery mode. Messages are persistent by default.
func WithPersistent(persistent bool) SendOption {
	return func(m *OutboundMessage) {
		m.Persistent = persistent
	}
}

// WithMandatory asks the broker to return the message if no queue is bound
func WithMandatory(mandatory bool) SendOption {
	return func(m *OutboundMessage) {
		m.Mandatory = mandatory
	}
}

// Send enqueues a message on the exchange's publisher. The returned error
// covers publisher creation only; the broker outcome arrives through the
// Completion.
func (cm *ConnectionManager) Send(
	ctx context.Context,
	exchange, routingKey string,
	headers amqp.Table,
	contentType string,
	body []byte,
	opts ...SendOption,
) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := &OutboundMessage{
		RoutingKey:  routingKey,
		Headers:     headers,
		ContentType: contentType,
		Body:        body,
		Persistent:  true,
	}
	for _, opt := range opts {
		opt(msg)
	}

	p, err := cm.publisher(exchange)
	if err != nil {
		return nil, err
	}

	return p.Enqueue(msg), nil
}

// publisher returns the exchange's publisher, creating it on first use.
func (cm *ConnectionManager) publisher(exchange string) (*ExchangePublisher, error) {
	cm.publishersMu.Lock()
	defer cm.publishersMu.Unlock()

	if cm.closed.Load() {
		return nil, ErrManagerClosed
	}
	if p, ok := cm.publishers[exchange]; ok {
		return p, nil
	}

	if err := cm.reserveChannel(exchange); err != nil {
		return nil, err
	}

	p := NewExchangePublisher(exchange, cm.openChannel,
		WithSendTimeout(cm.settings.SendTimeout()),
		WithExchangeCheckInterval(cm.exchangeCheckInterval),
		WithPublisherLogger(cm.logger),
		WithPublisherMetrics(cm.metrics),
	)
	cm.publishers[exchange] = p

	cm.logger.Debug("publisher created", "exchange", exchange)

	return p, nil
}

// SubscribeToConsume starts a resilient subscription on queue. At most one
// subscription per queue exists at a time.
func (cm *ConnectionManager) SubscribeToConsume(
	ctx context.Context,
	queue string,
	handler ConsumeHandler,
	opts ...SubscribeOption,
) (*ResilientSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: consume handler is required", ErrInvalidConfiguration)
	}

	cfg := defaultSubscribeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cm.listenersMu.Lock()
	if cm.closed.Load() {
		cm.listenersMu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := cm.subscriptions[queue]; exists {
		cm.listenersMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, queue)
	}
	cm.subscriptions[queue] = nil
	cm.listenersMu.Unlock()

	sub, err := newResilientSubscription(cm, queue, handler, cfg, cm.logger, cm.metrics)

	cm.listenersMu.Lock()
	closing := cm.closed.Load()
	if err != nil || closing {
		delete(cm.subscriptions, queue)
	} else {
		cm.subscriptions[queue] = sub
	}
	cm.listenersMu.Unlock()

	if err != nil {
		return nil, err
	}
	// Close ran while the subscription was being built and did not see it.
	if closing {
		_ = sub.Close()
		return nil, ErrManagerClosed
	}
	return sub, nil
}

// createConsumer registers a consumer for queue within the channel budget.
// The slot and the budget are reserved under listenersMu; the broker calls
// run without it.
func (cm *ConnectionManager) createConsumer(queue string, cfg consumerConfig) (*QueueConsumer, error) {
	cm.listenersMu.Lock()
	if cm.closed.Load() {
		cm.listenersMu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := cm.listeners[queue]; exists {
		cm.listenersMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, queue)
	}
	if err := cm.reserveChannel(queue); err != nil {
		cm.listenersMu.Unlock()
		return nil, err
	}
	cm.listeners[queue] = nil
	cm.listenersMu.Unlock()

	var c *QueueConsumer
	cfg.connectionName = cm.settings.ConnectionName
	cfg.logger = cm.logger
	cfg.metrics = cm.metrics
	cfg.onClose = func() {
		cm.releaseChannel()
		cm.listenersMu.Lock()
		if c != nil && cm.listeners[queue] == c {
			delete(cm.listeners, queue)
		}
		cm.listenersMu.Unlock()
	}

	built, err := newQueueConsumer(cm.openChannel, cfg)

	cm.listenersMu.Lock()
	closing := cm.closed.Load()
	switch {
	case err != nil, closing:
		delete(cm.listeners, queue)
	case built.ctx.Err() != nil:
		// Failed and closed before it could be registered.
		delete(cm.listeners, queue)
		c = built
	default:
		c = built
		cm.listeners[queue] = c
	}
	cm.listenersMu.Unlock()

	if err != nil {
		cm.releaseChannel()
		return nil, err
	}
	if closing {
		// Close releases the reserved channel through onClose.
		_ = built.Close()
		return nil, ErrManagerClosed
	}
	return built, nil
}

func (cm *ConnectionManager) releaseSubscription(queue string, s *ResilientSubscription) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	if cm.subscriptions[queue] == s {
		delete(cm.subscriptions, queue)
	}
}

// Stats returns counters for health checks and diagnostics
func (cm *ConnectionManager) Stats() Stats {
	s := Stats{
		Connected:    cm.IsConnected(),
		OpenChannels: int(cm.channels.Load()),
		MaxChannels:  cm.settings.MaxChannels,
	}

	cm.publishersMu.Lock()
	s.Publishers = len(cm.publishers)
	for _, p := range cm.publishers {
		s.QueuedMessages += p.Queued()
		s.PendingMessages += p.Pending()
	}
	cm.publishersMu.Unlock()

	cm.listenersMu.Lock()
	for _, c := range cm.listeners {
		if c != nil {
			s.Consumers++
		}
	}
	for _, sub := range cm.subscriptions {
		if sub != nil {
			s.Subscriptions++
		}
	}
	cm.listenersMu.Unlock()

	return s
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.stateMu.Lock()
	defer cm.stateMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.stateMu.RLock()
	defer cm.stateMu.RUnlock()
	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

// Close disposes every subscription and publisher, then the connection.
// In-flight publishes resolve to ErrPublisherClosed. Close is idempotent.
func (cm *ConnectionManager) Close() error {
	if !cm.closed.CompareAndSwap(false, true) {
		return nil
	}

	cm.listenersMu.Lock()
	subs := make([]*ResilientSubscription, 0, len(cm.subscriptions))
	for _, s := range cm.subscriptions {
		if s != nil {
			subs = append(subs, s)
		}
	}
	cm.listenersMu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	cm.publishersMu.Lock()
	publishers := cm.publishers
	cm.publishers = make(map[string]*ExchangePublisher)
	cm.publishersMu.Unlock()

	for _, p := range publishers {
		_ = p.Close()
		cm.releaseChannel()
	}

	cm.connMu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.connMu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	cm.logger.Info("connection manager closed")

	return err
}
