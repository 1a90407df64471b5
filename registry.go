package netmux

import (
	"encoding/binary"
	"hash/crc32"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Serializer is the cross-language serializer boundary from spec.md §9: a
// concrete protocol layer pushes one value in, then drives Run repeatedly
// against successive output spans until done. The runtime never inspects
// message contents.
type Serializer interface {
	// Push primes the serializer with a new value. It must be called
	// exactly once before the first Run.
	Push(value interface{}, typeIndex uint32) error
	// Run writes as many bytes as fit into dst, returning the count
	// written and whether the value is now fully serialized.
	Run(dst []byte) (n int, done bool, err error)
	// Reset clears serializer state so it can be reused for a new Push,
	// avoiding an allocation. MessageWriter does not call it: it takes a
	// fresh Serializer from the registry for every message.
	Reset()
}

// Deserializer is the read-side counterpart of Serializer.
type Deserializer interface {
	// Run consumes as many bytes of src as it needs, returning the count
	// consumed and whether the value is now fully assembled.
	Run(src []byte) (n int, done bool, err error)
	// Value returns the assembled value. Only valid once Run reports done.
	Value() interface{}
}

// TypeRegistry maps registered Go types to a small integer index and a
// CRC32 "cross-encoded" wire identifier (spec.md §4.3), and manufactures
// Serializer/Deserializer instances backed by CBOR
// (github.com/fxamacker/cbor/v2), grounded on katzenpost's use of CBOR for
// wire encoding of typed values (client2/arq.go, map/client/stream.go).
//
// The registry is populated before it is handed to NewService and is
// read-only thereafter (spec.md §5), so lookups need no lock once
// construction is complete; the lock below only guards concurrent Register
// calls during setup.
type TypeRegistry struct {
	mu      sync.RWMutex
	byIndex []*typeEntry
	byName  map[string]*typeEntry
	byCRC   map[uint32]*typeEntry
	byType  map[reflect.Type]*typeEntry
}

type typeEntry struct {
	name      string
	index     uint32
	crc       uint32
	prototype reflect.Type
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]*typeEntry),
		byCRC:  make(map[uint32]*typeEntry),
		byType: make(map[reflect.Type]*typeEntry),
	}
}

// Register assigns a type index to name/prototype and returns it. Calling
// Register twice with the same name returns the original index.
func (r *TypeRegistry) Register(name string, prototype interface{}) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		return e.index
	}
	e := &typeEntry{
		name:      name,
		index:     uint32(len(r.byIndex)),
		crc:       crc32.ChecksumIEEE([]byte(name)),
		prototype: reflect.TypeOf(prototype),
	}
	r.byIndex = append(r.byIndex, e)
	r.byName[name] = e
	r.byCRC[e.crc] = e
	r.byType[e.prototype] = e
	return e.index
}

// IndexOfValue returns the type index registered for value's concrete type.
func (r *TypeRegistry) IndexOfValue(value interface{}) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[reflect.TypeOf(value)]
	if !ok {
		return 0, false
	}
	return e.index, true
}

// IndexOf returns the type index registered under name.
func (r *TypeRegistry) IndexOf(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return e.index, true
}

// CRCOf returns the wire-level cross-encoded type id for a registered type
// index.
func (r *TypeRegistry) CRCOf(index uint32) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(index) >= len(r.byIndex) {
		return 0, ErrTypeNotRegistered
	}
	return r.byIndex[index].crc, nil
}

// NewSerializer returns a fresh Serializer bound to this registry.
func (r *TypeRegistry) NewSerializer() Serializer {
	return &cborSerializer{}
}

// NewDeserializerByCRC looks up the type named by crc (as placed on the
// wire by a SwitchToNewMessage segment) and returns a Deserializer seeded
// to produce a value of that type, plus its type index.
func (r *TypeRegistry) NewDeserializerByCRC(crc uint32) (Deserializer, uint32, error) {
	r.mu.RLock()
	e, ok := r.byCRC[crc]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, ErrUnknownType
	}
	return &cborDeserializer{prototype: e.prototype}, e.index, nil
}

// cborSerializer implements Serializer by marshaling the whole value ahead
// of time (CBOR values are small relative to packet sizes in practice) and
// then emitting a 4-byte big-endian length prefix followed by the body
// across as many Run calls as the caller needs. The length prefix lets the
// peer's Deserializer recognize completion without re-parsing CBOR
// incrementally, since the value's bytes may be split arbitrarily across
// packets interleaved with unrelated messages (see DESIGN.md).
type cborSerializer struct {
	buf []byte
	off int
}

func (s *cborSerializer) Push(value interface{}, _ uint32) error {
	body, err := cbor.Marshal(value)
	if err != nil {
		return ErrSerialization
	}
	s.buf = make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(s.buf, uint32(len(body)))
	copy(s.buf[4:], body)
	s.off = 0
	return nil
}

func (s *cborSerializer) Run(dst []byte) (int, bool, error) {
	n := copy(dst, s.buf[s.off:])
	s.off += n
	return n, s.off >= len(s.buf), nil
}

func (s *cborSerializer) Reset() {
	s.buf = nil
	s.off = 0
}

// cborDeserializer is the read-side counterpart of cborSerializer.
type cborDeserializer struct {
	prototype reflect.Type

	lenBuf [4]byte
	lenGot int

	length uint32
	body   []byte
	got    int

	value interface{}
}

func (d *cborDeserializer) Run(src []byte) (int, bool, error) {
	consumed := 0
	for d.lenGot < 4 && consumed < len(src) {
		d.lenBuf[d.lenGot] = src[consumed]
		d.lenGot++
		consumed++
	}
	if d.lenGot < 4 {
		return consumed, false, nil
	}
	if d.body == nil {
		d.length = binary.BigEndian.Uint32(d.lenBuf[:])
		d.body = make([]byte, d.length)
	}
	n := copy(d.body[d.got:], src[consumed:])
	d.got += n
	consumed += n
	if d.got < int(d.length) {
		return consumed, false, nil
	}

	val := reflect.New(d.prototype)
	if err := cbor.Unmarshal(d.body, val.Interface()); err != nil {
		return consumed, true, ErrDeserialization
	}
	d.value = val.Elem().Interface()
	return consumed, true, nil
}

func (d *cborDeserializer) Value() interface{} { return d.value }
