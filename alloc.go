// MIT License
//
// Copyright (c) 2016-2017 xtaci
// Copyright (c) 2024 netmux contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package netmux

import "sync"

var debruijinPos = [...]byte{0, 9, 1, 10, 13, 21, 2, 29, 11, 14, 16, 18, 22, 25, 3, 30, 8, 12, 20, 28, 15, 17, 24, 7, 19, 27, 23, 6, 26, 5, 4, 31}

// bufferPool is a size-classed []byte allocator for per-packet wire
// buffers, used by Connection's send and receive loops and by
// MessageReader's decompression scratch buffer.
// Grounded on xtaci/smux's alloc.go: fragmentation waste is bounded to 50%
// by rounding every request up to the next power of two.
type bufferPool struct {
	buffers []sync.Pool
}

// newBufferPool builds a pool for buffers up to 1<<maxBits bytes.
func newBufferPool(maxBits int) *bufferPool {
	p := &bufferPool{buffers: make([]sync.Pool, maxBits+1)}
	for k := range p.buffers {
		i := k
		p.buffers[k].New = func() interface{} {
			b := make([]byte, 1<<uint(i))
			return &b
		}
	}
	return p
}

var defaultBufferPool = newBufferPool(17) // 1B -> 128K

// Get returns a []byte of length size with capacity rounded up to the next
// power of two.
func (p *bufferPool) Get(size int) *[]byte {
	if size <= 0 {
		return nil
	}
	bits := msb(size)
	if bits >= len(p.buffers) || (size != 1<<bits && bits+1 >= len(p.buffers)) {
		b := make([]byte, size)
		return &b
	}
	if size == 1<<bits {
		b := p.buffers[bits].Get().(*[]byte)
		*b = (*b)[:size]
		return b
	}
	b := p.buffers[bits+1].Get().(*[]byte)
	*b = (*b)[:size]
	return b
}

// Put returns a buffer obtained from Get for reuse. Buffers not obtained
// from the pool (oversized ones) are silently dropped.
func (p *bufferPool) Put(b *[]byte) {
	if b == nil {
		return
	}
	bits := msb(cap(*b))
	if cap(*b) == 0 || bits >= len(p.buffers) || cap(*b) != 1<<bits {
		return
	}
	p.buffers[bits].Put(b)
}

// msb returns the position of the most significant set bit of size.
func msb(size int) int {
	v := uint32(size)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return int(debruijinPos[(v*0x07C4ACDD)>>27])
}
