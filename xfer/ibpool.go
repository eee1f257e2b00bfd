package xfer

import (
	"errors"
	"sync/atomic"
)

// IBPool dispenses fixed-size intermediate-buffer windows carved out of one
// backing memory. Windows are provisioned lazily up to the backing size and
// recycled through a buffered channel.
type IBPool struct {
	mem    Memory
	size   uint64
	pool   chan uint64
	next   atomic.Uint64
	closed atomic.Bool
}

// ErrPoolExhausted is returned when the backing memory has no more windows
// to provision and none are free.
var ErrPoolExhausted = errors.New("xfer: intermediate buffer pool exhausted")

// NewIBPool carves windows of `size` bytes out of mem.
func NewIBPool(mem Memory, size uint64) (*IBPool, error) {
	if size == 0 || size > mem.Size() {
		return nil, errors.New("xfer: IB pool requires a positive window size within the backing memory")
	}
	capacity := mem.Size() / size
	return &IBPool{
		mem:  mem,
		size: size,
		pool: make(chan uint64, capacity),
	}, nil
}

// Memory returns the backing memory windows live in.
func (p *IBPool) Memory() Memory { return p.mem }

// WindowSize returns the size of each dispensed window.
func (p *IBPool) WindowSize() uint64 { return p.size }

// Acquire returns the offset of a free window, provisioning a fresh one
// when none are pooled.
func (p *IBPool) Acquire() (uint64, error) {
	if p.closed.Load() {
		return 0, errors.New("xfer: IB pool closed")
	}
	select {
	case off := <-p.pool:
		return off, nil
	default:
		off := p.next.Add(p.size) - p.size
		if off+p.size > p.mem.Size() {
			// roll back the provisional claim and wait-free fail
			p.next.Add(^(p.size - 1))
			return 0, ErrPoolExhausted
		}
		return off, nil
	}
}

// Release returns a window to the pool for reuse.
func (p *IBPool) Release(offset uint64) {
	if p.closed.Load() {
		return
	}
	select {
	case p.pool <- offset:
	default:
	}
}

// Close prevents further acquisitions.
func (p *IBPool) Close() {
	p.closed.CompareAndSwap(false, true)
}
