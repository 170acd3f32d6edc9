package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakePublish is one message written to a fakeChannel.
type fakePublish struct {
	seqNo      uint64
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

type fakeNack struct {
	tag     uint64
	requeue bool
}

// fakeChannel implements Channel in memory. Broker behaviour is scripted by
// the test through onPublish and the confirm/returnMessage/shutdown helpers.
type fakeChannel struct {
	mu sync.Mutex

	closed      bool
	confirmMode bool
	nextSeq     uint64

	published []fakePublish
	acks      []uint64
	nacks     []fakeNack

	confirms []chan amqp.Confirmation
	returns  []chan amqp.Return
	closes   []chan *amqp.Error
	cancels  []chan string

	deliveries   chan amqp.Delivery
	delivered    map[uint64]amqp.Delivery
	lastTag      uint64
	streamDone   bool
	consumerTag  string
	autoAck      bool
	cancelled    bool
	prefetch     int
	deliveryOnce sync.Once

	exchangeChecks int
	exchangeErr    error
	queueErr       error
	consumeErr     error
	publishErr     error

	// onPublish runs after a publish is recorded, outside the lock.
	onPublish func(ch *fakeChannel, p fakePublish)
	// onQos runs before QoS is applied, outside the lock.
	onQos func()
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{nextSeq: 1}
}

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.confirmMode = true
	return nil
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, c)
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, c)
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, c)
	return c
}

func (f *fakeChannel) NotifyCancel(c chan string) chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, c)
	return c
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	p := fakePublish{
		seqNo:      f.nextSeq,
		exchange:   exchange,
		routingKey: key,
		mandatory:  mandatory,
		msg:        msg,
	}
	f.nextSeq++
	f.published = append(f.published, p)
	hook := f.onPublish
	f.mu.Unlock()

	if hook != nil {
		hook(f, p)
	}
	return nil
}

func (f *fakeChannel) ExchangeDeclarePassive(string, string, bool, bool, bool, bool, amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeChecks++
	return f.exchangeErr
}

func (f *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return amqp.Queue{}, f.queueErr
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	hook := f.onQos
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(_, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.consumerTag = consumer
	f.autoAck = autoAck
	f.deliveries = make(chan amqp.Delivery, 16)
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.cancelled = true
	f.closeDeliveriesLocked()
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.nacks = append(f.nacks, fakeNack{tag: tag, requeue: requeue})

	// A requeued message comes back under a new tag, flagged as redelivered.
	if d, ok := f.delivered[tag]; ok && requeue && f.deliveries != nil && !f.streamDone {
		delete(f.delivered, tag)
		f.lastTag++
		d.DeliveryTag = f.lastTag
		d.Redelivered = true
		f.delivered[d.DeliveryTag] = d
		f.deliveries <- d
	}
	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.shutdown(nil)
	return nil
}

// shutdown closes the channel the way the client library does: the close
// reason goes to every NotifyClose listener, then all notification and
// delivery channels are closed.
func (f *fakeChannel) shutdown(reason *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true

	for _, c := range f.closes {
		if reason != nil {
			c <- reason
		}
		close(c)
	}
	for _, c := range f.cancels {
		close(c)
	}
	for _, c := range f.confirms {
		close(c)
	}
	for _, c := range f.returns {
		close(c)
	}
	f.closeDeliveriesLocked()
}

// closeWithReason marks the channel closed and reports reason to the
// NotifyClose listeners only, leaving delivery streams open.
func (f *fakeChannel) closeWithReason(reason *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, c := range f.closes {
		c <- reason
	}
}

// markClosed flips the closed flag without notifying anyone.
func (f *fakeChannel) markClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeChannel) closeDeliveriesLocked() {
	if f.deliveries == nil {
		return
	}
	f.deliveryOnce.Do(func() {
		f.streamDone = true
		close(f.deliveries)
	})
}

// confirm sends a broker ack or nack for seqNo.
func (f *fakeChannel) confirm(seqNo uint64, ack bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, c := range f.confirms {
		c <- amqp.Confirmation{DeliveryTag: seqNo, Ack: ack}
	}
}

// returnMessage sends a basic.return for p.
func (f *fakeChannel) returnMessage(p fakePublish, code uint16, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, c := range f.returns {
		c <- amqp.Return{
			ReplyCode:  code,
			ReplyText:  text,
			Exchange:   p.exchange,
			RoutingKey: p.routingKey,
			MessageId:  p.msg.MessageId,
		}
	}
}

// serverCancel simulates the broker cancelling the consumer, e.g. when its
// queue is deleted.
func (f *fakeChannel) serverCancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, c := range f.cancels {
		c <- f.consumerTag
	}
	f.closeDeliveriesLocked()
}

// deliver pushes a message to the consumer.
func (f *fakeChannel) deliver(tag uint64, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := amqp.Delivery{
		DeliveryTag: tag,
		ConsumerTag: f.consumerTag,
		MessageId:   body,
		Body:        []byte(body),
	}
	if f.delivered == nil {
		f.delivered = make(map[uint64]amqp.Delivery)
	}
	f.delivered[tag] = d
	if tag > f.lastTag {
		f.lastTag = tag
	}
	f.deliveries <- d
}

func (f *fakeChannel) publishedMessages() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePublish(nil), f.published...)
}

func (f *fakeChannel) ackedTags() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.acks...)
}

func (f *fakeChannel) nackedTags() []fakeNack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeNack(nil), f.nacks...)
}

func (f *fakeChannel) tag() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumerTag
}

func (f *fakeChannel) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeChannel) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeChecks
}

// autoConfirm makes the channel ack every publish immediately.
func autoConfirm(ch *fakeChannel, p fakePublish) {
	ch.confirm(p.seqNo, true)
}

// fakeConnection hands out fakeChannels. configure runs on every new channel
// before it is returned.
type fakeConnection struct {
	mu         sync.Mutex
	closed     bool
	channels   []*fakeChannel
	channelErr error
	closes     []chan *amqp.Error
	configure  func(ch *fakeChannel)
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	if c.configure != nil {
		c.configure(ch)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConnection) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := append([]*fakeChannel(nil), c.channels...)
	for _, n := range c.closes {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
}

func (c *fakeConnection) setChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelErr = err
}

func (c *fakeConnection) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConnection) lastChannel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// fakeDialer records dial attempts and returns connections from next.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	urls    []string
	configs []amqp.Config
	fails   int
	conns   []*fakeConnection
	// configure is passed on to every connection
	configure func(ch *fakeChannel)
}

var errDialRefused = errors.New("dial tcp: connection refused")

func (d *fakeDialer) dial(url string, cfg amqp.Config) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	d.configs = append(d.configs, cfg)
	if d.fails > 0 {
		d.fails--
		return nil, errDialRefused
	}
	conn := newFakeConnection()
	conn.configure = d.configure
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}
