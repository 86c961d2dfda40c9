package serial

import (
	"fmt"
	"sort"
	"sync"
)

// Kind tags the flavor of a registered channel.
type Kind int

const (
	KindKeepReceive Kind = iota + 1
	KindWaitResponse
)

func (k Kind) String() string {
	switch k {
	case KindKeepReceive:
		return "keep-receive"
	case KindWaitResponse:
		return "wait-response"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Channel is an open port of either flavor.
type Channel interface {
	Path() string
	Kind() Kind
	Close() error
}

// Opener opens the transport for a device.
type Opener func(cfg Config) (Transport, error)

// Registry maps device paths to their single open channel.
type Registry struct {
	mu         sync.Mutex
	channels   map[string]Channel
	opening    map[string]chan struct{} // closed when the open for a path settles
	unreliable map[string]struct{}
	open       Opener
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOpener replaces the transport opener (OpenPort by default).
func WithOpener(o Opener) RegistryOption {
	return func(r *Registry) { r.open = o }
}

// WithUnreliable marks devices whose drivers misreport queued input.
func WithUnreliable(paths ...string) RegistryOption {
	return func(r *Registry) {
		for _, p := range paths {
			r.unreliable[p] = struct{}{}
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		channels:   make(map[string]Channel),
		opening:    make(map[string]chan struct{}),
		unreliable: make(map[string]struct{}),
		open:       defaultOpener,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the channel registered for path, or calls create and
// registers its result. create runs without the registry lock; concurrent
// callers for the same path wait for it and share the outcome, and a failed
// create lets the next waiter try again.
func (r *Registry) GetOrCreate(path string, create func() (Channel, error)) (Channel, error) {
	for {
		r.mu.Lock()
		if ch, ok := r.channels[path]; ok {
			r.mu.Unlock()
			return ch, nil
		}
		if wait, ok := r.opening[path]; ok {
			r.mu.Unlock()
			<-wait
			continue
		}
		wait := make(chan struct{})
		r.opening[path] = wait
		r.mu.Unlock()

		ch, err := create()

		r.mu.Lock()
		delete(r.opening, path)
		if err == nil {
			r.channels[path] = ch
		}
		r.mu.Unlock()
		close(wait)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Get returns the channel registered for path.
func (r *Registry) Get(path string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[path]
	return ch, ok
}

// Remove deletes the entry holding ch. Matching is by identity, so a stale
// channel never evicts a newer one opened on the same path.
func (r *Registry) Remove(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, cur := range r.channels {
		if cur == ch {
			delete(r.channels, path)
			return true
		}
	}
	return false
}

// Len returns the number of open channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Paths returns the registered device paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for p := range r.channels {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every registered channel.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	chs := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chs = append(chs, ch)
	}
	r.mu.Unlock()

	var first error
	for _, ch := range chs {
		if err := ch.Close(); err != nil && first == nil {
			first = err
		}
		r.Remove(ch)
	}
	return first
}

// MarkUnreliable flags path for blind polling. It only affects channels
// opened afterwards.
func (r *Registry) MarkUnreliable(path string) {
	r.mu.Lock()
	r.unreliable[path] = struct{}{}
	r.mu.Unlock()
}

// UnmarkUnreliable clears the flag set by MarkUnreliable.
func (r *Registry) UnmarkUnreliable(path string) {
	r.mu.Lock()
	delete(r.unreliable, path)
	r.mu.Unlock()
}

// IsUnreliable reports whether path is flagged for blind polling.
func (r *Registry) IsUnreliable(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unreliable[path]
	return ok
}

// AsKeepReceive converts ch to a keep-receive port carrying T.
func AsKeepReceive[T any](ch Channel) (*KeepReceivePort[T], error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrKindMismatch)
	}
	k, ok := ch.(*KeepReceivePort[T])
	if !ok {
		var zero T
		return nil, fmt.Errorf("%w: %s is %s, want keep-receive of %T", ErrKindMismatch, ch.Path(), ch.Kind(), zero)
	}
	return k, nil
}

// AsWaitResponse converts ch to a wait-response port.
func AsWaitResponse(ch Channel) (*WaitResponsePort, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrKindMismatch)
	}
	w, ok := ch.(*WaitResponsePort)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrKindMismatch, ch.Path(), ch.Kind(), KindWaitResponse)
	}
	return w, nil
}
