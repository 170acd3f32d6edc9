package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultSendTimeout bounds the wait for a broker outcome of one publish.
	DefaultSendTimeout = 5 * time.Second

	// DefaultExchangeCheckInterval throttles passive exchange existence checks.
	DefaultExchangeCheckInterval = 60 * time.Second

	// confirmBuffer should be >= the expected number of unconfirmed messages
	// so the connection reader never blocks on us.
	confirmBuffer = 256
	returnBuffer  = 64
)

// confirmation is a broker ack/nack. multiple means "this and every earlier
// unconfirmed sequence number".
type confirmation struct {
	tag      uint64
	ack      bool
	multiple bool
}

// fromBroker converts a client library confirmation. amqp091 already splits
// a multiple ack into one Confirmation per tag, so multiple is never set here.
func fromBroker(c amqp.Confirmation) confirmation {
	return confirmation{tag: c.DeliveryTag, ack: c.Ack}
}

// queuedMessage is an enqueued message that has not reached the wire yet.
type queuedMessage struct {
	id         string
	msg        *OutboundMessage
	completion *Completion
	enqueuedAt time.Time
}

// PublisherOption configures an ExchangePublisher
type PublisherOption func(*ExchangePublisher)

// WithSendTimeout sets the per-message confirmation timeout
func WithSendTimeout(timeout time.Duration) PublisherOption {
	return func(p *ExchangePublisher) {
		if timeout > 0 {
			p.sendTimeout = timeout
		}
	}
}

// WithExchangeCheckInterval sets how often the exchange is passively re-validated
func WithExchangeCheckInterval(interval time.Duration) PublisherOption {
	return func(p *ExchangePublisher) {
		if interval > 0 {
			p.exchangeCheckInterval = interval
		}
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *ExchangePublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublisherMetrics sets the metrics sink
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *ExchangePublisher) {
		p.metrics = m
	}
}

// ExchangePublisher turns sends to one exchange into confirmed,
// timeout-bounded operations over exactly one channel. A single event loop
// owns the channel and every tracked message.
type ExchangePublisher struct {
	exchange              string
	openChannel           func() (Channel, error)
	sendTimeout           time.Duration
	exchangeCheckInterval time.Duration
	logger                *slog.Logger
	metrics               *Metrics

	queueMu sync.Mutex
	queue   []*queuedMessage
	closed  bool
	wake    chan struct{}

	timeouts  chan string
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	queuedCount  atomic.Int64
	pendingCount atomic.Int64

	// Owned by the event loop.
	ch                Channel
	confirms          chan amqp.Confirmation
	returns           chan amqp.Return
	closes            chan *amqp.Error
	lastExchangeCheck time.Time
	pending           *pendingStore
}

// NewExchangePublisher creates a publisher for exchange and starts its event
// loop. openChannel is called lazily whenever the loop has no open channel.
func NewExchangePublisher(exchange string, openChannel func() (Channel, error), options ...PublisherOption) *ExchangePublisher {
	p := newExchangePublisher(exchange, openChannel, options...)
	go p.run()
	return p
}

func newExchangePublisher(exchange string, openChannel func() (Channel, error), options ...PublisherOption) *ExchangePublisher {
	p := &ExchangePublisher{
		exchange:              exchange,
		openChannel:           openChannel,
		sendTimeout:           DefaultSendTimeout,
		exchangeCheckInterval: DefaultExchangeCheckInterval,
		logger:                slog.Default(),
		wake:                  make(chan struct{}, 1),
		timeouts:              make(chan string),
		done:                  make(chan struct{}),
		stopped:               make(chan struct{}),
		pending:               newPendingStore(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the exchange name this publisher writes to
func (p *ExchangePublisher) Exchange() string {
	return p.exchange
}

// Enqueue appends msg to the publish queue and returns its completion
// handle immediately.
func (p *ExchangePublisher) Enqueue(msg *OutboundMessage) *Completion {
	item := &queuedMessage{
		id:         uuid.NewString(),
		msg:        msg,
		enqueuedAt: time.Now(),
	}
	item.completion = newCompletion(item.id)

	p.queueMu.Lock()
	if p.closed {
		p.queueMu.Unlock()
		p.failUnpublished(item, "publisher closed", ErrPublisherClosed)
		return item.completion
	}
	p.queue = append(p.queue, item)
	p.queuedCount.Add(1)
	p.queueMu.Unlock()

	p.signal()

	return item.completion
}

// Queued returns the number of messages not yet transmitted
func (p *ExchangePublisher) Queued() int {
	return int(p.queuedCount.Load())
}

// Pending returns the number of transmitted messages awaiting an outcome
func (p *ExchangePublisher) Pending() int {
	return int(p.pendingCount.Load())
}

// Close stops the event loop. Queued and in-flight messages resolve to
// ErrPublisherClosed. Close is idempotent.
func (p *ExchangePublisher) Close() error {
	p.closeOnce.Do(func() {
		p.queueMu.Lock()
		p.closed = true
		p.queueMu.Unlock()
		close(p.done)
	})
	<-p.stopped
	return nil
}

func (p *ExchangePublisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the head of the queue and re-arms the wake signal while
// messages remain, so broker events interleave with publishing.
func (p *ExchangePublisher) dequeue() *queuedMessage {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()

	if len(p.queue) == 0 {
		return nil
	}
	item := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.queuedCount.Add(-1)
	if len(p.queue) > 0 {
		p.signal()
	}
	return item
}

func (p *ExchangePublisher) run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.done:
			p.shutdown()
			return

		case <-p.wake:
			if item := p.dequeue(); item != nil {
				p.publish(item)
			}

		case ret, ok := <-p.returns:
			if !ok {
				p.returns = nil
				continue
			}
			p.handleReturn(ret)

		case c, ok := <-p.confirms:
			if !ok {
				p.confirms = nil
				continue
			}
			// The broker sends basic.return ahead of the matching ack.
			p.drainReturns()
			// Always one tag per event, see fromBroker.
			p.handleConfirm(fromBroker(c))

		case amqpErr, ok := <-p.closes:
			reason := "channel closed"
			if ok && amqpErr != nil {
				reason = fmt.Sprintf("channel closed by broker: %d %s", amqpErr.Code, amqpErr.Reason)
			}
			p.resetChannel(reason)

		case id := <-p.timeouts:
			p.handleTimeout(id)
		}
	}
}

func (p *ExchangePublisher) publish(item *queuedMessage) {
	ch, err := p.ensureChannel()
	if err != nil {
		p.failUnpublished(item, "channel could not be opened", err)
		return
	}

	if err := p.checkExchange(ch); err != nil {
		p.resetChannel("exchange check failed")
		p.failUnpublished(item, "channel not open", &ChannelError{
			Op:        "check exchange",
			Owner:     p.exchange,
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}

	deliveryMode := amqp.Transient
	if item.msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	seqNo := ch.GetNextPublishSeqNo()
	publishing := amqp.Publishing{
		Headers:      item.msg.Headers,
		ContentType:  item.msg.ContentType,
		DeliveryMode: deliveryMode,
		MessageId:    item.id,
		Timestamp:    time.Now(),
		Body:         item.msg.Body,
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	err = ch.PublishWithContext(ctx, p.exchange, item.msg.RoutingKey, item.msg.Mandatory, false, publishing)
	cancel()
	if err != nil {
		p.failUnpublished(item, "publish failed", &ChannelError{
			Op:        "publish",
			Owner:     p.exchange,
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}

	pm := &pendingMessage{
		id:          item.id,
		seqNo:       seqNo,
		msg:         item.msg,
		completion:  item.completion,
		publishedAt: time.Now(),
	}
	p.pending.add(pm)
	p.trackPending()

	id := item.id
	pm.timer = time.AfterFunc(p.sendTimeout, func() {
		select {
		case p.timeouts <- id:
		case <-p.done:
		}
	})
}

func (p *ExchangePublisher) ensureChannel() (Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		p.resetChannel("channel found closed")
	}

	ch, err := p.openChannel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Owner: p.exchange, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", Owner: p.exchange, Err: err, Timestamp: time.Now()}
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, returnBuffer))
	p.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.ch = ch
	p.lastExchangeCheck = time.Time{}

	p.logger.Info("publisher channel opened", "exchange", p.exchange)

	return ch, nil
}

// checkExchange passively verifies the exchange at most once per interval.
// The default exchange always exists and is never checked.
func (p *ExchangePublisher) checkExchange(ch Channel) error {
	if p.exchange == "" {
		return nil
	}
	if !p.lastExchangeCheck.IsZero() && time.Since(p.lastExchangeCheck) < p.exchangeCheckInterval {
		return nil
	}

	if err := ch.ExchangeDeclarePassive(p.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	p.lastExchangeCheck = time.Now()
	return nil
}

// resetChannel drops the current channel. Broker events already buffered are
// applied first; everything still tracked fails because its outcome can no
// longer arrive.
func (p *ExchangePublisher) resetChannel(reason string) {
	p.drainEvents()

	for _, pm := range p.pending.all() {
		p.complete(pm, reason, ErrChannelUnavailable)
	}

	if p.ch != nil {
		if !p.ch.IsClosed() {
			_ = p.ch.Close()
		}
		p.logger.Warn("publisher channel dropped", "exchange", p.exchange, "reason", reason)
	}

	p.ch = nil
	p.confirms = nil
	p.returns = nil
	p.closes = nil
}

func (p *ExchangePublisher) drainReturns() {
	for p.returns != nil {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				p.returns = nil
				return
			}
			p.handleReturn(ret)
		default:
			return
		}
	}
}

func (p *ExchangePublisher) drainEvents() {
	p.drainReturns()
	for p.confirms != nil {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.confirms = nil
				return
			}
			p.handleConfirm(fromBroker(c))
		default:
			return
		}
	}
}

func (p *ExchangePublisher) handleReturn(ret amqp.Return) {
	pm := p.pending.byID(ret.MessageId)
	if pm == nil {
		p.logger.Debug("return for untracked message",
			"exchange", p.exchange,
			"messageId", ret.MessageId,
			"replyText", ret.ReplyText)
		return
	}

	pm.returned = true
	pm.returnMsg = fmt.Sprintf("%d %s", ret.ReplyCode, ret.ReplyText)
	p.evaluate(pm)
}

func (p *ExchangePublisher) handleConfirm(c confirmation) {
	var targets []*pendingMessage
	if c.multiple {
		targets = p.pending.upTo(c.tag)
	} else if pm := p.pending.bySeq(c.tag); pm != nil {
		targets = []*pendingMessage{pm}
	}

	for _, pm := range targets {
		if pm.confirm != confirmPending {
			continue
		}
		if c.ack {
			pm.confirm = confirmAcked
		} else {
			pm.confirm = confirmNacked
		}
		p.evaluate(pm)
	}
}

func (p *ExchangePublisher) handleTimeout(id string) {
	pm := p.pending.byID(id)
	if pm == nil {
		return
	}
	pm.timedOut = true
	p.evaluate(pm)
}

// evaluate finalizes pm once the signals received so far decide its outcome.
func (p *ExchangePublisher) evaluate(pm *pendingMessage) {
	if pm.finalized {
		return
	}
	final, reason, kind := pm.outcome(p.sendTimeout)
	if !final {
		return
	}
	p.complete(pm, reason, kind)
}

// complete is the only place a tracked message leaves the store.
func (p *ExchangePublisher) complete(pm *pendingMessage, reason string, kind error) {
	if pm.finalized {
		return
	}
	pm.finalized = true
	if pm.timer != nil {
		pm.timer.Stop()
	}
	p.pending.remove(pm)
	p.trackPending()

	var err error
	if kind != nil {
		err = &PublishError{
			Exchange:   p.exchange,
			RoutingKey: pm.msg.RoutingKey,
			MessageID:  pm.id,
			Mandatory:  pm.msg.Mandatory,
			Reason:     reason,
			Err:        kind,
			Timestamp:  time.Now(),
		}
		p.logger.Warn("publish failed",
			"exchange", p.exchange,
			"routingKey", pm.msg.RoutingKey,
			"messageId", pm.id,
			"reason", reason)
	}

	pm.completion.resolve(err)
	p.metrics.observePublish(p.exchange, err, time.Since(pm.publishedAt))
}

func (p *ExchangePublisher) failUnpublished(item *queuedMessage, reason string, err error) {
	item.completion.resolve(&PublishError{
		Exchange:   p.exchange,
		RoutingKey: item.msg.RoutingKey,
		MessageID:  item.id,
		Mandatory:  item.msg.Mandatory,
		Reason:     reason,
		Err:        err,
		Timestamp:  time.Now(),
	})
	p.metrics.observePublish(p.exchange, err, 0)

	p.logger.Error("publish attempt failed",
		"exchange", p.exchange,
		"messageId", item.id,
		"reason", reason,
		"error", err)
}

func (p *ExchangePublisher) trackPending() {
	n := p.pending.size()
	p.pendingCount.Store(int64(n))
	p.metrics.setPending(p.exchange, n)
}

func (p *ExchangePublisher) shutdown() {
	p.queueMu.Lock()
	queued := p.queue
	p.queue = nil
	p.queuedCount.Store(0)
	p.queueMu.Unlock()

	for _, item := range queued {
		p.failUnpublished(item, "publisher closed", ErrPublisherClosed)
	}

	p.drainEvents()
	for _, pm := range p.pending.all() {
		p.complete(pm, "publisher closed", ErrPublisherClosed)
	}

	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			p.logger.Warn("failed to close publisher channel", "exchange", p.exchange, "error", err)
		}
	}
	p.ch = nil
}
