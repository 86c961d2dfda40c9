package serial

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Subscriber receives decoded messages from a KeepReceivePort.
// Subscribers are removed by identity, so the dynamic type must be comparable
// (pointer receivers are the usual choice).
type Subscriber[T any] interface {
	Receive(msg T)
}

type funcSubscriber[T any] struct {
	fn func(T)
}

func (f *funcSubscriber[T]) Receive(msg T) { f.fn(msg) }

// KeepReceivePort keeps its device polled for as long as it is open and fans
// each decoded message out to every subscriber. Writes do not wait for a reply.
//
// Without a decoder each raw chunk is delivered as one message, which requires
// T to accept a []byte. Subscribers must not modify delivered slices.
type KeepReceivePort[T any] struct {
	t      Transport
	poller *Poller
	reg    *Registry
	queue  *chunkQueue

	mu      sync.Mutex
	subs    []Subscriber[T]
	decoder *Locked[T]
	maxRead int
	started bool
	closed  bool

	startMu      sync.Mutex
	dispatchOnce sync.Once
	stop         chan struct{}
}

// NewKeepReceivePort wraps an opened transport. Most callers use OpenKeepReceive.
func NewKeepReceivePort[T any](t Transport) *KeepReceivePort[T] {
	return &KeepReceivePort[T]{
		t:       t,
		poller:  NewPoller(t),
		queue:   newChunkQueue(),
		maxRead: DefaultMaxReadSize,
		stop:    make(chan struct{}),
	}
}

// Path returns the device path.
func (k *KeepReceivePort[T]) Path() string { return k.t.Path() }

// Kind reports KindKeepReceive.
func (k *KeepReceivePort[T]) Kind() Kind { return KindKeepReceive }

// SetDecoder installs the framing decoder. It has no effect once the first
// subscriber has started polling.
func (k *KeepReceivePort[T]) SetDecoder(d Decoder[T]) *KeepReceivePort[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		logger().Warn().Str("device", k.Path()).Msg("decoder set after receive started, ignored")
		return k
	}
	if d == nil {
		k.decoder = nil
	} else {
		k.decoder = Lock(d)
	}
	return k
}

// SetMaxReadSize sets the poller buffer size. It has no effect once the
// first subscriber has started polling.
func (k *KeepReceivePort[T]) SetMaxReadSize(n int) *KeepReceivePort[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		logger().Warn().Str("device", k.Path()).Msg("max read size set after receive started, ignored")
		return k
	}
	if n > 0 {
		k.maxRead = n
	}
	return k
}

// SetReadInterval sets the pause between polls. Shorter intervals cost more CPU.
func (k *KeepReceivePort[T]) SetReadInterval(d time.Duration) *KeepReceivePort[T] {
	k.poller.SetReadInterval(d)
	return k
}

// AddSubscriber registers s and starts polling if it is not running yet.
func (k *KeepReceivePort[T]) AddSubscriber(s Subscriber[T]) error {
	if s == nil {
		return nil
	}
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	if k.decoder == nil {
		if _, ok := any([]byte(nil)).(T); !ok {
			k.mu.Unlock()
			var zero T
			return fmt.Errorf("%w: subscriber expects %T", ErrFramingTypeMismatch, zero)
		}
	}
	next := make([]Subscriber[T], 0, len(k.subs)+1)
	next = append(next, k.subs...)
	k.subs = append(next, s)
	k.mu.Unlock()
	return k.start()
}

// AddSubscriberFunc registers fn and returns the handle to pass to RemoveSubscriber.
func (k *KeepReceivePort[T]) AddSubscriberFunc(fn func(T)) (Subscriber[T], error) {
	s := &funcSubscriber[T]{fn: fn}
	if err := k.AddSubscriber(s); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveSubscriber removes s. Polling continues with no subscribers.
func (k *KeepReceivePort[T]) RemoveSubscriber(s Subscriber[T]) {
	k.mu.Lock()
	defer k.mu.Unlock()
	next := make([]Subscriber[T], 0, len(k.subs))
	for _, cur := range k.subs {
		if cur != s {
			next = append(next, cur)
		}
	}
	k.subs = next
}

// Subscribers returns the number of registered subscribers.
func (k *KeepReceivePort[T]) Subscribers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.subs)
}

// Receiving reports whether the device is being polled.
func (k *KeepReceivePort[T]) Receiving() bool {
	return k.poller.Running()
}

// Write sends p without waiting. Concurrent writers must coordinate themselves.
func (k *KeepReceivePort[T]) Write(p []byte) (int, error) {
	logSend(k.Path(), p)
	return k.t.Write(p)
}

// Close drops all subscribers, closes the decoder and the device, and
// removes the port from its registry.
func (k *KeepReceivePort[T]) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.subs = nil
	dec := k.decoder
	k.decoder = nil
	k.mu.Unlock()

	close(k.stop)
	if dec != nil {
		dec.Close()
	}
	err := k.poller.Close()
	if k.reg != nil {
		k.reg.Remove(k)
	}
	return err
}

// start launches the dispatcher once and the poller whenever it is not
// running, so a session that died on a read error is replaced.
func (k *KeepReceivePort[T]) start() error {
	if k.poller.Running() {
		return nil
	}
	k.startMu.Lock()
	defer k.startMu.Unlock()
	if k.poller.Running() {
		return nil
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	k.started = true
	size := k.maxRead
	k.mu.Unlock()

	k.dispatchOnce.Do(func() { go k.dispatchLoop() })
	k.poller.SetSink(k.queue.push)
	return k.poller.Start(size)
}

func (k *KeepReceivePort[T]) dispatchLoop() {
	for {
		select {
		case <-k.stop:
			return
		case <-k.queue.signal:
		}
		for {
			chunk, ok := k.queue.pop()
			if !ok {
				break
			}
			k.dispatch(chunk)
		}
	}
}

func (k *KeepReceivePort[T]) dispatch(chunk []byte) {
	logReceive(k.Path(), chunk)

	k.mu.Lock()
	dec := k.decoder
	subs := k.subs
	k.mu.Unlock()

	var msgs []T
	if dec != nil {
		msgs = dec.Decode(chunk)
	} else {
		m, ok := any(chunk).(T)
		if !ok {
			logger().Error().Str("device", k.Path()).Msg("raw chunk does not fit subscriber type, dropped")
			return
		}
		msgs = []T{m}
	}
	recordMessages(k.Path(), len(msgs))
	for _, m := range msgs {
		for _, s := range subs {
			s.Receive(m)
		}
	}
}

// chunkQueue is an unbounded FIFO between the poller and the dispatcher,
// so a slow subscriber never holds up the next read.
type chunkQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{q: queue.New(), signal: make(chan struct{}, 1)}
}

func (c *chunkQueue) push(chunk []byte) {
	c.mu.Lock()
	c.q.Add(chunk)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *chunkQueue) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q.Length() == 0 {
		return nil, false
	}
	return c.q.Remove().([]byte), true
}
