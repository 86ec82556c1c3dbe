package logstream

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Channel identifies the output stream a line was read from.
type Channel string

const (
	Stdout Channel = "stdout"
	Stderr Channel = "stderr"
)

// Line is one observable unit of process output. Text is the chunk exactly as
// it was read from the stream; it may contain zero or several newlines.
type Line struct {
	Text    string    `json:"log"`
	Channel Channel   `json:"type"`
	Time    time.Time `json:"-"`
}

// Buffer is an in-memory, append-only log of Lines that can be written to by
// a single writer and read from by multiple readers, such that every reader
// sees every line in the order it was appended.
//
// Appending never blocks on readers. Each stream returned by NewStream first
// replays all lines appended so far, then follows new lines until the buffer
// is closed or the stream's context is canceled.
//
// The buffer must always be closed once no more lines are expected, otherwise
// readers following it will wait forever.
type Buffer struct {
	mu     sync.Mutex
	lines  []Line
	closed bool

	// Readers that have caught up with the writer park on one of these until
	// the next Append or Close.
	notifiers map[int64]chan struct{}
	nextID    int64
}

func NewBuffer() *Buffer {
	return &Buffer{
		notifiers: make(map[int64]chan struct{}),
	}
}

// Append adds a line to the buffer. It returns io.ErrClosedPipe if the buffer
// has already been closed.
func (b *Buffer) Append(line Line) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return io.ErrClosedPipe
	}
	if line.Time.IsZero() {
		line.Time = time.Now()
	}
	b.lines = append(b.lines, line)
	b.notifyLocked()
	return nil
}

// Close seals the buffer. Closing an already closed buffer is a no-op.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.notifyLocked()
	return nil
}

func (b *Buffer) notifyLocked() {
	for _, nc := range b.notifiers {
		select {
		case nc <- struct{}{}:
		default:
		}
	}
}

// Lines returns a copy of every line appended so far.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Text concatenates the text of every line read from the given channel.
func (b *Buffer) Text(channel Channel) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, l := range b.lines {
		if l.Channel == channel {
			sb.WriteString(l.Text)
		}
	}
	return sb.String()
}

// NewStream returns a channel that receives every line in the buffer, in
// order, and is closed once the buffer is closed and fully read or ctx is
// canceled.
func (b *Buffer) NewStream(ctx context.Context) <-chan Line {
	b.mu.Lock()
	notifier := make(chan struct{}, 1)
	b.nextID++
	id := b.nextID
	b.notifiers[id] = notifier
	b.mu.Unlock()

	rc := make(chan Line, 1)
	go func() {
		defer close(rc)
		defer func() {
			b.mu.Lock()
			delete(b.notifiers, id)
			b.mu.Unlock()
		}()
		off := 0
		for {
			b.mu.Lock()
			pending := b.lines[off:len(b.lines):len(b.lines)]
			closed := b.closed
			b.mu.Unlock()

			for _, line := range pending {
				select {
				case rc <- line:
				case <-ctx.Done():
					return
				}
			}
			off += len(pending)
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-notifier:
			case <-ctx.Done():
				return
			}
		}
	}()
	return rc
}

// Writer returns an io.Writer that appends each chunk written to it as a
// single Line tagged with the given channel.
func (b *Buffer) Writer(channel Channel) io.Writer {
	return &chunkWriter{buf: b, channel: channel}
}

type chunkWriter struct {
	buf     *Buffer
	channel Channel
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.buf.Append(Line{Text: string(p), Channel: w.channel}); err != nil {
		return 0, err
	}
	return len(p), nil
}
