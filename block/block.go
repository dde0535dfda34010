// Package block implements the buffer-handle abstraction that lets
// recovery code treat an offline filesystem image as if it were a
// mounted filesystem's buffer cache.
package block

import (
	"fmt"
	"sync"

	"miren.dev/ext3ck/pkg/multierror"
)

// Mode selects the direction of an RWBlock call.
type Mode int

const (
	Read Mode = iota
	Write
)

// Device is the block I/O channel the buffer layer reads and writes
// through. It is the sole external collaborator of this package.
type Device interface {
	ReadBlock(blockNumber uint64, dst []byte) error
	WriteBlock(blockNumber uint64, src []byte) error
}

// Buffer is a handle to one block-sized region of the underlying
// device. A Buffer is exclusively owned by whoever holds it; nothing
// in this package makes a Buffer safe to share across goroutines.
type Buffer struct {
	dev         Device
	blockNumber uint64
	data        []byte

	uptodate bool
	dirty    bool
	err      error

	layer *Layer
}

// BlockNumber returns the device block number backing this buffer.
func (b *Buffer) BlockNumber() uint64 { return b.blockNumber }

// Data returns the buffer's backing bytes. Callers may read or mutate
// them directly; mutation does not imply Dirty — call MarkDirty.
func (b *Buffer) Data() []byte { return b.data }

// Uptodate reports whether the buffer's contents reflect the device.
func (b *Buffer) Uptodate() bool { return b.uptodate }

// Dirty reports whether the buffer has unwritten local changes.
func (b *Buffer) Dirty() bool { return b.dirty }

// Err returns the error recorded by the most recent I/O attempt on
// this buffer, or nil.
func (b *Buffer) Err() error { return b.err }

// MarkDirty sets the dirty flag so the buffer is written back on
// release.
func (b *Buffer) MarkDirty() { b.dirty = true }

// Metrics is an optional hook the buffer layer reports outstanding
// handle counts to: each call carries the current total, not a
// change. NewLayer treats a nil Metrics as a no-op sink.
type Metrics interface {
	BuffersOutstanding(count int)
}

type noopMetrics struct{}

func (noopMetrics) BuffersOutstanding(int) {}

// Layer is the block buffer layer: it allocates buffer handles and
// drives reads/writes against a Device. A Layer is not safe for
// concurrent use by multiple goroutines, matching the single-threaded
// recovery model in spec §5.
type Layer struct {
	dev     Device
	metrics Metrics

	mu          sync.Mutex
	outstanding int
}

// NewLayer creates a buffer layer over dev. If metrics is nil, buffer
// counts are not reported anywhere.
func NewLayer(dev Device, metrics Metrics) *Layer {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Layer{dev: dev, metrics: metrics}
}

// GetBlock allocates a fresh handle for blockNumber. No I/O occurs;
// the buffer starts neither uptodate nor dirty.
func (l *Layer) GetBlock(blockNumber uint64, blockSize int) *Buffer {
	l.mu.Lock()
	l.outstanding++
	l.metrics.BuffersOutstanding(l.outstanding)
	l.mu.Unlock()

	return &Buffer{
		dev:         l.dev,
		blockNumber: blockNumber,
		data:        make([]byte, blockSize),
		layer:       l,
	}
}

// RWBlock performs the requested I/O on each buffer independently.
// A per-buffer failure is recorded on that buffer and does not stop
// processing of the rest. The combination of mode and buffer state
// that requires no I/O is silently skipped (e.g. Read on an already
// uptodate buffer, or Write on a buffer that isn't dirty).
func (l *Layer) RWBlock(mode Mode, buffers ...*Buffer) {
	for _, b := range buffers {
		switch mode {
		case Read:
			if b.uptodate {
				continue
			}
			if err := b.dev.ReadBlock(b.blockNumber, b.data); err != nil {
				b.err = fmt.Errorf("reading block %d: %w", b.blockNumber, err)
				continue
			}
			b.uptodate = true
			b.err = nil
		case Write:
			if !b.dirty {
				continue
			}
			if err := b.dev.WriteBlock(b.blockNumber, b.data); err != nil {
				b.err = fmt.Errorf("writing block %d: %w", b.blockNumber, err)
				continue
			}
			b.dirty = false
			b.uptodate = true
			b.err = nil
		}
	}
}

// WaitOnBuffer issues a synchronous read if the buffer is not
// already uptodate.
func (l *Layer) WaitOnBuffer(b *Buffer) error {
	if b.uptodate {
		return nil
	}
	l.RWBlock(Read, b)
	return b.err
}

// IsUptodate reports whether b's contents reflect the device.
func (l *Layer) IsUptodate(b *Buffer) bool {
	return b.uptodate
}

// ReleaseBuffer writes the buffer back if dirty, then frees the
// handle. A write-back failure is returned but the buffer is still
// released — the caller cannot meaningfully retry a release.
func (l *Layer) ReleaseBuffer(b *Buffer) error {
	var err error
	if b.dirty {
		l.RWBlock(Write, b)
		err = b.err
	}

	l.mu.Lock()
	l.outstanding--
	l.metrics.BuffersOutstanding(l.outstanding)
	l.mu.Unlock()

	return err
}

// ReleaseAll releases every buffer, collecting any write-back errors
// into a single error via multierror so that a caller tearing down
// several buffers on an error path sees everything that went wrong.
func (l *Layer) ReleaseAll(buffers ...*Buffer) error {
	var errs error
	for _, b := range buffers {
		if err := l.ReleaseBuffer(b); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
