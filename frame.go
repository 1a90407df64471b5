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

import (
	"encoding/binary"
	"fmt"
)

// PacketType identifies the kind of a framed packet on the wire.
type PacketType byte

const (
	SwitchToNewMessage PacketType = iota + 1
	SwitchToOldMessage
	ContinuedMessage
	KeepAlive
	CancelMessage
	CancelRequest
	AckCount
	Update
)

func (t PacketType) isOk() bool {
	return t >= SwitchToNewMessage && t <= Update
}

func (t PacketType) String() string {
	switch t {
	case SwitchToNewMessage:
		return "SwitchToNewMessage"
	case SwitchToOldMessage:
		return "SwitchToOldMessage"
	case ContinuedMessage:
		return "ContinuedMessage"
	case KeepAlive:
		return "KeepAlive"
	case CancelMessage:
		return "CancelMessage"
	case CancelRequest:
		return "CancelRequest"
	case AckCount:
		return "AckCount"
	case Update:
		return "Update"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

// PacketFlags is a bitfield carried in the packet header.
type PacketFlags byte

const (
	FlagCompressed PacketFlags = 1 << 0
)

// DataType tags segments within a payload after the first; the first
// segment's kind is implied by the packet header's Type field instead.
type DataType byte

const (
	NewMessageSegment DataType = iota + 1
	OldMessageSegment
)

const (
	sizeOfType  = 1
	sizeOfFlags = 1
	sizeOfSize  = 2
	headerSize  = sizeOfType + sizeOfFlags + sizeOfSize

	// MaxPacketSize is the hard wire limit: size must fit in a uint16.
	MaxPacketSize = 65535

	// MinFreePayload is the minimum remaining span fill_packet requires
	// before it will start placing another segment into a packet (see
	// DESIGN.md Open Question decisions).
	MinFreePayload = 16
)

// PacketHeader is the 4-byte header preceding every packet payload.
type PacketHeader struct {
	Type  PacketType
	Flags PacketFlags
	Size  uint16 // total packet length, including the header
}

// Encode writes the header to the first headerSize bytes of buf in network
// byte order, per spec.md §6.
func (h PacketHeader) Encode(buf []byte) {
	_ = buf[headerSize-1]
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[2:4], h.Size)
}

// DecodeHeader parses a header from the first headerSize bytes of buf.
func DecodeHeader(buf []byte) (PacketHeader, error) {
	if len(buf) < headerSize {
		return PacketHeader{}, ErrBadPacket
	}
	h := PacketHeader{
		Type:  PacketType(buf[0]),
		Flags: PacketFlags(buf[1]),
		Size:  binary.BigEndian.Uint16(buf[2:4]),
	}
	if !h.isOk() {
		return PacketHeader{}, ErrBadPacket
	}
	return h, nil
}

func (h PacketHeader) isOk() bool {
	return h.Type.isOk() && int(h.Size) >= headerSize
}

// Compressed reports whether the FlagCompressed bit is set.
func (h PacketHeader) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// PayloadLen returns the number of payload bytes following the header.
func (h PacketHeader) PayloadLen() int { return int(h.Size) - headerSize }

// CompressFunc transforms payload in place and returns the new length.
// Returning (0, nil) means "leave uncompressed". A non-nil error aborts the
// packet and is surfaced to the connection as ErrCompression.
type CompressFunc func(payload []byte) (n int, err error)

// DecompressFunc is the inverse of CompressFunc: it expands src (which was
// produced by the peer's CompressFunc) into dst and returns the number of
// bytes written.
type DecompressFunc func(dst, src []byte) (n int, err error)

// PacketFramer encodes and decodes packet headers and applies the optional
// in-place compression hook described in spec.md §4.1.
type PacketFramer struct {
	MaxPacket  int
	Compress   CompressFunc
	Decompress DecompressFunc
}

// NewPacketFramer returns a framer bounding packets to maxPacket total bytes
// (header included). maxPacket must be in [headerSize, MaxPacketSize].
func NewPacketFramer(maxPacket int, compress CompressFunc, decompress DecompressFunc) *PacketFramer {
	if maxPacket <= 0 || maxPacket > MaxPacketSize {
		maxPacket = MaxPacketSize
	}
	return &PacketFramer{MaxPacket: maxPacket, Compress: compress, Decompress: decompress}
}

// MaxPayload returns the largest payload this framer can place in one
// packet, ignoring compression (which can only shrink the payload).
func (f *PacketFramer) MaxPayload() int {
	return f.MaxPacket - headerSize
}

// FinishPacket stamps the header for a packet whose payload currently
// occupies buf[headerSize:headerSize+payloadLen], applying compression if
// configured and profitable. It returns the total packet length.
func (f *PacketFramer) FinishPacket(buf []byte, typ PacketType, payloadLen int) (int, error) {
	total := headerSize + payloadLen
	if total > MaxPacketSize || total > f.MaxPacket {
		return 0, ErrPacketSizeExceeded
	}

	flags := PacketFlags(0)
	if f.Compress != nil && payloadLen > 0 {
		n, err := f.Compress(buf[headerSize : headerSize+payloadLen])
		if err != nil {
			return 0, ErrCompression
		}
		if n > 0 && n < payloadLen {
			flags |= FlagCompressed
			payloadLen = n
			total = headerSize + payloadLen
		}
	}

	h := PacketHeader{Type: typ, Flags: flags, Size: uint16(total)}
	h.Encode(buf[:headerSize])
	return total, nil
}

// DecodePayload returns the (possibly decompressed) payload of a received
// packet whose raw bytes (header included) are in buf.
func (f *PacketFramer) DecodePayload(h PacketHeader, buf []byte, scratch []byte) ([]byte, error) {
	payload := buf[headerSize:h.Size]
	if !h.Compressed() {
		return payload, nil
	}
	if f.Decompress == nil {
		return nil, ErrCompression
	}
	n, err := f.Decompress(scratch, payload)
	if err != nil {
		return nil, ErrCompression
	}
	return scratch[:n], nil
}
