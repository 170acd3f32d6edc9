package rabbitmq

import (
	"context"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Completion is the single-resolution result handle of an enqueued publish.
// The first call to resolve wins; later attempts are no-ops.
type Completion struct {
	messageID string
	once      sync.Once
	done      chan struct{}
	err       error
}

func newCompletion(messageID string) *Completion {
	return &Completion{
		messageID: messageID,
		done:      make(chan struct{}),
	}
}

// MessageID returns the generated identifier of the tracked message.
func (c *Completion) MessageID() string {
	return c.messageID
}

// Done is closed once the publish has reached a terminal outcome.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal outcome. It is nil for a confirmed publish and
// also nil while the publish is still pending; check Done first.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the publish resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve reports whether this call was the one that completed the handle.
func (c *Completion) resolve(err error) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// OutboundMessage is a message waiting to be published on an exchange.
type OutboundMessage struct {
	RoutingKey  string
	Headers     amqp.Table
	ContentType string
	Body        []byte
	Persistent  bool
	Mandatory   bool
}

type confirmState int

const (
	confirmPending confirmState = iota
	confirmAcked
	confirmNacked
)

// pendingMessage is the tracked state of one published message. It is only
// touched by the owning publisher's event loop.
type pendingMessage struct {
	id          string
	seqNo       uint64
	msg         *OutboundMessage
	completion  *Completion
	publishedAt time.Time
	timer       *time.Timer

	timedOut  bool
	returned  bool
	returnMsg string
	confirm   confirmState
	finalized bool
}

// outcome applies the finalization rule. final is false while the message
// must keep waiting for further broker signals.
func (p *pendingMessage) outcome(sendTimeout time.Duration) (final bool, reason string, err error) {
	switch {
	case p.timedOut:
		return true, "timeout of " + sendTimeout.String() + " reached", ErrPublishTimedOut
	case p.msg.Mandatory && p.returned:
		return true, "returned by broker: " + p.returnMsg, ErrPublishUnroutable
	case p.confirm == confirmNacked:
		return true, "nacked by broker", ErrPublishRejected
	case p.confirm == confirmAcked:
		return true, "", nil
	}
	return false, "", nil
}

// pendingStore owns every tracked message. The two indexes only point into
// the store and entries are removed exclusively through remove.
type pendingStore struct {
	entries map[string]*pendingMessage
	bySeqNo map[uint64]string
	byMsgID map[string]uint64
}

func newPendingStore() *pendingStore {
	return &pendingStore{
		entries: make(map[string]*pendingMessage),
		bySeqNo: make(map[uint64]string),
		byMsgID: make(map[string]uint64),
	}
}

func (s *pendingStore) add(p *pendingMessage) {
	s.entries[p.id] = p
	s.bySeqNo[p.seqNo] = p.id
	s.byMsgID[p.id] = p.seqNo
}

func (s *pendingStore) bySeq(seqNo uint64) *pendingMessage {
	id, ok := s.bySeqNo[seqNo]
	if !ok {
		return nil
	}
	return s.entries[id]
}

func (s *pendingStore) byID(id string) *pendingMessage {
	return s.entries[id]
}

// upTo returns tracked messages with a sequence number <= seqNo in ascending order.
func (s *pendingStore) upTo(seqNo uint64) []*pendingMessage {
	var result []*pendingMessage
	for seq, id := range s.bySeqNo {
		if seq <= seqNo {
			result = append(result, s.entries[id])
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seqNo < result[j].seqNo })
	return result
}

func (s *pendingStore) remove(p *pendingMessage) {
	if seq, ok := s.byMsgID[p.id]; ok {
		delete(s.bySeqNo, seq)
	}
	delete(s.byMsgID, p.id)
	delete(s.entries, p.id)
}

func (s *pendingStore) all() []*pendingMessage {
	result := make([]*pendingMessage, 0, len(s.entries))
	for _, p := range s.entries {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seqNo < result[j].seqNo })
	return result
}

func (s *pendingStore) size() int {
	return len(s.entries)
}
