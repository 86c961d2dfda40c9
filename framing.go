package serial

import (
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
)

// Decoder turns raw chunks into messages. It may buffer partial input
// between calls. Close releases any buffered state.
type Decoder[T any] interface {
	Decode(chunk []byte) []T
	Close()
}

// DecoderFunc adapts a stateless function to Decoder.
type DecoderFunc[T any] func(chunk []byte) []T

func (f DecoderFunc[T]) Decode(chunk []byte) []T { return f(chunk) }
func (f DecoderFunc[T]) Close()                  {}

// Locked serializes access to a Decoder: one Decode at a time, Close once.
type Locked[T any] struct {
	mu     sync.Mutex
	d      Decoder[T]
	closed bool
}

// Lock wraps d. Wrapping an already locked decoder returns it unchanged.
func Lock[T any](d Decoder[T]) *Locked[T] {
	if l, ok := d.(*Locked[T]); ok {
		return l
	}
	return &Locked[T]{d: d}
}

// Decode runs the wrapped decoder. After Close it returns nil.
func (l *Locked[T]) Decode(chunk []byte) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.d.Decode(chunk)
}

// Close closes the wrapped decoder exactly once.
func (l *Locked[T]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.d.Close()
}

// TextEncoding is the canonical text form a chunk is converted to before matching.
type TextEncoding int

const (
	// EncodingText matches against the bytes as a string.
	EncodingText TextEncoding = iota
	// EncodingHex matches against upper-case hex digits, two per byte.
	EncodingHex
)

func (e TextEncoding) encode(chunk []byte) string {
	if e == EncodingHex {
		return strings.ToUpper(hex.EncodeToString(chunk))
	}
	return string(chunk)
}

// PatternDecoder accumulates chunks and extracts every match of a pattern,
// leftmost first. Unmatched input stays buffered for later chunks.
type PatternDecoder struct {
	re          *regexp.Regexp
	enc         TextEncoding
	buf         strings.Builder
	maxBuffered int
}

var _ Decoder[string] = (*PatternDecoder)(nil)

// PatternOption configures a PatternDecoder.
type PatternOption func(*PatternDecoder)

// WithEncoding sets the canonical text form. Default EncodingText.
func WithEncoding(e TextEncoding) PatternOption {
	return func(d *PatternDecoder) { d.enc = e }
}

// WithMaxBuffered caps the accumulation buffer; the oldest data is dropped
// once it grows past n. Zero means unbounded.
func WithMaxBuffered(n int) PatternOption {
	return func(d *PatternDecoder) { d.maxBuffered = n }
}

// NewPatternDecoder matches the shortest run from start to terminator,
// both included, e.g. start "AT" and terminator "\r\n". The run between
// them never crosses a line break; use NewRegexpDecoder for multi-line frames.
func NewPatternDecoder(start, terminator string, opts ...PatternOption) *PatternDecoder {
	re := regexp.MustCompile(regexp.QuoteMeta(start) + `[^\r\n]*?` + regexp.QuoteMeta(terminator))
	return NewRegexpDecoder(re, opts...)
}

// NewRegexpDecoder extracts matches of re.
func NewRegexpDecoder(re *regexp.Regexp, opts ...PatternOption) *PatternDecoder {
	d := &PatternDecoder{re: re}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode appends chunk and returns the matches completed by it.
func (d *PatternDecoder) Decode(chunk []byte) []string {
	d.append(chunk)
	var out []string
	for {
		m, ok := d.extract()
		if !ok {
			break
		}
		out = append(out, m)
	}
	return out
}

// Close discards buffered partial input.
func (d *PatternDecoder) Close() {
	d.buf.Reset()
}

// Buffered returns the unmatched input held for the next chunk.
func (d *PatternDecoder) Buffered() string {
	return d.buf.String()
}

func (d *PatternDecoder) append(chunk []byte) {
	d.buf.WriteString(d.enc.encode(chunk))
	if d.maxBuffered > 0 && d.buf.Len() > d.maxBuffered {
		tail := d.buf.String()[d.buf.Len()-d.maxBuffered:]
		d.buf.Reset()
		d.buf.WriteString(tail)
	}
}

func (d *PatternDecoder) extract() (string, bool) {
	s := d.buf.String()
	loc := d.re.FindStringIndex(s)
	if loc == nil || loc[0] == loc[1] {
		return "", false
	}
	m := s[loc[0]:loc[1]]
	rest := s[:loc[0]] + s[loc[1]:]
	d.buf.Reset()
	d.buf.WriteString(rest)
	return m, true
}

// SingleDecoder is the one-message variant of PatternDecoder: each chunk
// yields at most the first complete match.
type SingleDecoder struct {
	p *PatternDecoder
}

var _ Decoder[string] = (*SingleDecoder)(nil)

// NewSingleDecoder builds a SingleDecoder over start/terminator.
func NewSingleDecoder(start, terminator string, opts ...PatternOption) *SingleDecoder {
	return &SingleDecoder{p: NewPatternDecoder(start, terminator, opts...)}
}

// Next appends chunk and returns the first match, if any.
func (d *SingleDecoder) Next(chunk []byte) (string, bool) {
	d.p.append(chunk)
	return d.p.extract()
}

func (d *SingleDecoder) Decode(chunk []byte) []string {
	if m, ok := d.Next(chunk); ok {
		return []string{m}
	}
	return nil
}

func (d *SingleDecoder) Close() { d.p.Close() }

// Buffered returns the input held for the next chunk.
func (d *SingleDecoder) Buffered() string { return d.p.Buffered() }
