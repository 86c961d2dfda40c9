package serial

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultResponseTimeout is the collection window used when none is given.
const DefaultResponseTimeout = 200 * time.Millisecond

// Response holds the bytes collected during one write/wait cycle.
// Data has the requested capacity; only Data[:Size] was received.
type Response struct {
	Data []byte
	Size int
}

// Bytes returns the received portion of Data.
func (r Response) Bytes() []byte {
	return r.Data[:r.Size]
}

// Equal compares the received bytes only, ignoring unused capacity.
func (r Response) Equal(o Response) bool {
	return r.Size == o.Size && bytes.Equal(r.Bytes(), o.Bytes())
}

// RequestOption tunes a single write/wait cycle.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout  time.Duration
	capacity int
}

// WithTimeout sets how long to collect the reply. Default DefaultResponseTimeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithCapacity caps the reply size; bytes past it are dropped.
// Default is the port's max read size.
func WithCapacity(n int) RequestOption {
	return func(o *requestOptions) { o.capacity = n }
}

// WaitResponsePort writes a request and collects whatever the device sends
// back within a fixed window. Cycles are serialized: a second caller's request
// is written only after the first caller's window has closed.
type WaitResponsePort struct {
	t       Transport
	poller  *Poller
	reg     *Registry
	sem     chan struct{}
	maxRead atomic.Int64
	closed  atomic.Bool
}

// NewWaitResponsePort wraps an opened transport. Most callers use OpenWaitResponse.
func NewWaitResponsePort(t Transport) *WaitResponsePort {
	w := &WaitResponsePort{
		t:      t,
		poller: NewPoller(t),
		sem:    make(chan struct{}, 1),
	}
	w.maxRead.Store(DefaultMaxReadSize)
	return w
}

// Path returns the device path.
func (w *WaitResponsePort) Path() string { return w.t.Path() }

// Kind reports KindWaitResponse.
func (w *WaitResponsePort) Kind() Kind { return KindWaitResponse }

// SetMaxReadSize sets the poller buffer size and the default reply capacity.
func (w *WaitResponsePort) SetMaxReadSize(n int) *WaitResponsePort {
	if n > 0 {
		w.maxRead.Store(int64(n))
	}
	return w
}

// SetReadInterval sets the pause between polls inside a window.
func (w *WaitResponsePort) SetReadInterval(d time.Duration) *WaitResponsePort {
	w.poller.SetReadInterval(d)
	return w
}

// Write sends p without collecting a reply. It still waits for any cycle in progress.
func (w *WaitResponsePort) Write(ctx context.Context, p []byte) error {
	if err := w.acquire(ctx); err != nil {
		return err
	}
	defer w.release()
	if w.closed.Load() {
		return ErrClosed
	}
	logSend(w.Path(), p)
	if _, err := w.t.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", w.Path(), err)
	}
	return nil
}

// WriteWaitRsp writes req and returns everything received until the timeout
// elapses. Receiving nothing is not an error.
func (w *WaitResponsePort) WriteWaitRsp(ctx context.Context, req []byte, opts ...RequestOption) (Response, error) {
	o := w.options(opts)
	if err := w.acquire(ctx); err != nil {
		return Response{}, err
	}
	defer w.release()
	if w.closed.Load() {
		return Response{}, ErrClosed
	}
	return w.cycle(ctx, req, o)
}

// WriteAllWaitRsp runs one cycle per request, in order, without letting other
// callers in between. It stops at the first failed cycle and returns the
// responses gathered so far, including the failed one.
func (w *WaitResponsePort) WriteAllWaitRsp(ctx context.Context, reqs [][]byte, opts ...RequestOption) ([]Response, error) {
	o := w.options(opts)
	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()
	if w.closed.Load() {
		return nil, ErrClosed
	}
	out := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		resp, err := w.cycle(ctx, req, o)
		out = append(out, resp)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Close waits for the cycle in progress, closes the device and removes the
// port from its registry.
func (w *WaitResponsePort) Close() error {
	w.sem <- struct{}{}
	defer w.release()
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.poller.Close()
	if w.reg != nil {
		w.reg.Remove(w)
	}
	return err
}

func (w *WaitResponsePort) options(opts []RequestOption) requestOptions {
	o := requestOptions{timeout: DefaultResponseTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = w.readSize()
	}
	if o.timeout < 0 {
		o.timeout = 0
	}
	return o
}

func (w *WaitResponsePort) readSize() int {
	return int(w.maxRead.Load())
}

func (w *WaitResponsePort) acquire(ctx context.Context) error {
	select {
	case w.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WaitResponsePort) release() { <-w.sem }

func (w *WaitResponsePort) cycle(ctx context.Context, req []byte, o requestOptions) (Response, error) {
	path := w.Path()
	col := newCollector(o.capacity)

	if w.t.CountsAvailable() {
		w.poller.Stop()
		w.poller.SetSink(col.add)
		if err := w.poller.Start(w.readSize()); err != nil {
			return col.seal(), err
		}
	} else {
		// Blind reads cannot be interrupted cheaply, so the session is kept
		// across cycles and only the sink is swapped.
		w.poller.SetSink(nil)
		if err := w.poller.Start(w.readSize()); err != nil {
			return col.seal(), err
		}
		w.poller.SetSink(col.add)
	}

	logSend(path, req)
	if _, err := w.t.Write(req); err != nil {
		resp := w.finish(col)
		recordCycle(path, "write_error", resp.Size)
		return resp, fmt.Errorf("write %s: %w", path, err)
	}

	waitErr := sleepOrDone(ctx, o.timeout)
	resp := w.finish(col)
	if resp.Size > 0 {
		logReceive(path, resp.Bytes())
	}

	switch {
	case waitErr != nil:
		recordCycle(path, "canceled", resp.Size)
		return resp, waitErr
	case resp.Size == 0:
		recordCycle(path, "timeout", 0)
	default:
		recordCycle(path, "ok", resp.Size)
	}
	return resp, nil
}

func (w *WaitResponsePort) finish(col *collector) Response {
	if w.t.CountsAvailable() {
		w.poller.Stop()
	} else {
		w.poller.SetSink(nil)
	}
	return col.seal()
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// collector appends chunks into a fixed buffer until sealed. Bytes beyond
// the buffer are dropped.
type collector struct {
	mu     sync.Mutex
	buf    []byte
	size   int
	sealed bool
}

func newCollector(capacity int) *collector {
	return &collector{buf: make([]byte, capacity)}
}

func (c *collector) add(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed || c.size >= len(c.buf) {
		return
	}
	c.size += copy(c.buf[c.size:], chunk)
}

func (c *collector) seal() Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return Response{Data: c.buf, Size: c.size}
}
