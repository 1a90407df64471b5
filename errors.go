// MIT License
//
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

import "errors"

// Transient errors: surfaced per message via completion callback, the
// connection stays alive.
var (
	ErrQueueFull = errors.New("netmux: queue full")
	ErrPoolFull  = errors.New("netmux: pool full")
	ErrTimeout   = errors.New("netmux: timeout")
)

// Protocol errors: fatal for the connection that observed them.
var (
	ErrBadPacket          = errors.New("netmux: bad packet")
	ErrUnknownType        = errors.New("netmux: unknown type")
	ErrDeserialization    = errors.New("netmux: deserialization error")
	ErrSerialization      = errors.New("netmux: serialization error")
	ErrPacketSizeExceeded = errors.New("netmux: packet size exceeded")
	ErrCompression        = errors.New("netmux: compression error")
)

// Operational errors: returned synchronously from the triggering call.
var (
	ErrConnectionInexistent = errors.New("netmux: connection does not exist")
	ErrPoolInexistent       = errors.New("netmux: pool does not exist")
	ErrTypeNotRegistered    = errors.New("netmux: type not registered")
	ErrServerOnly           = errors.New("netmux: service is server-only")
	ErrDelayedClosed        = errors.New("netmux: connection delayed-closed")
)

// Connection lifecycle errors: surfaced to each still-attached message via
// completion.
var (
	ErrConnectionClosed = errors.New("netmux: connection closed")
	ErrConnectionKilled = errors.New("netmux: connection killed")
	ErrCanceled         = errors.New("netmux: message canceled")
)

// ErrGoAway indicates message-id space (or stream-id space) exhaustion; the
// pool/connection pair should be retired and replaced.
var ErrGoAway = errors.New("netmux: id space exhausted, start a new connection")
