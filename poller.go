package serial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Bounds applied to every poll iteration so a misbehaving driver cannot
// stall its session.
const (
	ProbeTimeout = 5 * time.Millisecond
	ReadTimeout  = 10 * time.Millisecond
	StopGrace    = 200 * time.Millisecond
)

// Sink receives each non-empty chunk read by a Poller. The chunk is owned
// by the sink.
type Sink func(chunk []byte)

// Poller repeatedly reads from a Transport and hands chunks to one sink.
// At most one read session is active at a time.
type Poller struct {
	t        Transport
	interval atomic.Int64

	mu     sync.Mutex
	sink   Sink
	cancel context.CancelFunc
	done   chan struct{}

	// probing holds the result channel of an Available call that has not
	// returned yet. At most one is outstanding across sessions.
	probeMu sync.Mutex
	probing chan probeResult
}

type probeResult struct {
	n   int
	err error
}

// NewPoller returns a stopped poller over t with DefaultReadInterval.
func NewPoller(t Transport) *Poller {
	p := &Poller{t: t}
	p.interval.Store(int64(DefaultReadInterval))
	return p
}

// SetReadInterval sets the pause between poll iterations. Zero polls continuously.
func (p *Poller) SetReadInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.interval.Store(int64(d))
}

// ReadInterval returns the pause between poll iterations.
func (p *Poller) ReadInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetSink installs the chunk receiver; nil drops chunks.
func (p *Poller) SetSink(s Sink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

// Running reports whether a read session is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Poller) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Start begins a read session with a scratch buffer of capacity bytes.
// It is a no-op when a session is already running or there is no transport.
func (p *Poller) Start(capacity int) error {
	if capacity <= 0 {
		return ErrInvalidCapacity
	}
	if p.t == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runningLocked() {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.loop(ctx, done, make([]byte, capacity))
	return nil
}

// Stop cancels the session and clears the sink. It waits at most StopGrace
// for the loop to exit; a loop that overruns is abandoned.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.sink = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	timer := time.NewTimer(StopGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger().Debug().Str("device", p.path()).Dur("grace", StopGrace).Msg("poller did not stop in time")
	}
}

// Close stops the session and closes the transport.
func (p *Poller) Close() error {
	p.Stop()
	if p.t == nil {
		return nil
	}
	return p.t.Close()
}

func (p *Poller) path() string {
	if p.t == nil {
		return ""
	}
	return p.t.Path()
}

func (p *Poller) currentSink() Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *Poller) loop(ctx context.Context, done chan struct{}, buf []byte) {
	defer close(done)
	path := p.path()
	for ctx.Err() == nil {
		n, err := p.readOnce(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				logger().Debug().Str("device", path).Err(err).Msg("poller exit")
				return
			}
			recordReadError(path)
			logger().Error().Str("device", path).Err(err).Msg("read failed, poller stopped")
			return
		}
		if n > 0 && ctx.Err() == nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			recordChunk(path, n)
			if sink := p.currentSink(); sink != nil {
				sink(chunk)
			}
		}
		if !sleepCtx(ctx, p.ReadInterval()) {
			return
		}
	}
}

func (p *Poller) readOnce(buf []byte) (int, error) {
	if !p.t.CountsAvailable() {
		return p.t.ReadTimeout(buf, ReadTimeout)
	}
	avail, err := p.probe()
	if err != nil {
		return 0, err
	}
	if avail <= 0 {
		return 0, nil
	}
	if avail > len(buf) {
		avail = len(buf)
	}
	return p.t.ReadTimeout(buf[:avail], ReadTimeout)
}

// probe asks the transport for its queued byte count, giving up after
// ProbeTimeout. A timeout counts as zero. A call that overran is waited on
// again by the next probe instead of starting another one.
func (p *Poller) probe() (int, error) {
	p.probeMu.Lock()
	ch := p.probing
	if ch == nil {
		ch = make(chan probeResult, 1)
		p.probing = ch
		go func() {
			n, err := p.t.Available()
			ch <- probeResult{n, err}
		}()
	}
	p.probeMu.Unlock()

	timer := time.NewTimer(ProbeTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		p.probeMu.Lock()
		if p.probing == ch {
			p.probing = nil
		}
		p.probeMu.Unlock()
		return r.n, r.err
	case <-timer.C:
		return 0, nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
