package netmux

import "encoding/binary"

// Receiver is the callback boundary MessageReader reports onto (spec.md
// §4.3): a fully-assembled message, or a control packet reported directly
// without any deserialization.
type Receiver interface {
	OnMessage(bundle MessageBundle)
	OnControl(typ PacketType, payload []byte) error
}

// MessageReader is the read-side counterpart of MessageWriter: it decodes
// packet headers via PacketFramer, demultiplexes message segments by wire
// id, and feeds their bytes into per-slot Deserializers until each message
// completes and is handed to Receiver.OnMessage.
//
// MessageReader is driven exclusively by its owning Connection's reactor
// goroutine (spec.md §5: one connection, one reader, no internal locking).
type MessageReader struct {
	framer   *PacketFramer
	registry *TypeRegistry
	receiver Receiver

	slots map[uint16]*readSlot

	scratch []byte
}

// NewMessageReader returns a reader bound to framer/registry, reporting
// completed messages and control packets to receiver.
func NewMessageReader(framer *PacketFramer, registry *TypeRegistry, receiver Receiver) *MessageReader {
	return &MessageReader{
		framer:   framer,
		registry: registry,
		receiver: receiver,
		slots:    make(map[uint16]*readSlot),
		scratch:  *defaultBufferPool.Get(framer.MaxPacket),
	}
}

// OnPacket processes one complete raw packet (header plus payload). The
// caller (Connection's reactor) is responsible for reading exactly
// h.Size bytes off the wire before calling this, using DecodeHeader on the
// first headerSize bytes to learn h.Size.
func (r *MessageReader) OnPacket(raw []byte) error {
	h, err := DecodeHeader(raw)
	if err != nil {
		return err
	}
	payload, err := r.framer.DecodePayload(h, raw, r.scratch)
	if err != nil {
		return err
	}

	switch h.Type {
	case KeepAlive, CancelMessage, CancelRequest, AckCount, Update:
		return r.receiver.OnControl(h.Type, payload)
	case SwitchToNewMessage:
		return r.handleNew(payload)
	case SwitchToOldMessage, ContinuedMessage:
		return r.handleContinuation(payload)
	default:
		return ErrBadPacket
	}
}

func (r *MessageReader) handleNew(payload []byte) error {
	if len(payload) < newSegHeaderLen {
		return ErrBadPacket
	}
	wireID := binary.BigEndian.Uint16(payload[0:2])
	crc := binary.BigEndian.Uint32(payload[2:6])
	reqID := binary.BigEndian.Uint64(payload[6:14])
	respID := binary.BigEndian.Uint64(payload[14:22])
	fb := payload[22]

	deser, typeIndex, err := r.registry.NewDeserializerByCRC(crc)
	if err != nil {
		return err
	}

	var flags MessageFlags
	if fb&segFlagWaitResponse != 0 {
		flags |= WaitResponse
	}
	if fb&segFlagIdempotent != 0 {
		flags |= Idempotent
	}

	slot := &readSlot{
		wireID:       wireID,
		typeIndex:    typeIndex,
		requestID:    reqID,
		responseID:   respID,
		flags:        flags,
		deserializer: deser,
		state:        rsReadBody,
	}
	r.slots[wireID] = slot
	return r.feed(slot, payload[newSegHeaderLen:])
}

func (r *MessageReader) handleContinuation(payload []byte) error {
	if len(payload) < contSegHeaderLen {
		return ErrBadPacket
	}
	wireID := binary.BigEndian.Uint16(payload[0:2])
	slot, ok := r.slots[wireID]
	if !ok {
		return ErrBadPacket
	}
	return r.feed(slot, payload[contSegHeaderLen:])
}

func (r *MessageReader) feed(slot *readSlot, body []byte) error {
	_, done, err := slot.deserializer.Run(body)
	if err != nil {
		delete(r.slots, slot.wireID)
		return err
	}
	if !done {
		return nil
	}

	slot.state = rsDone
	delete(r.slots, slot.wireID)

	bundle := MessageBundle{
		Value:      slot.deserializer.Value(),
		TypeIndex:  slot.typeIndex,
		Flags:      slot.flags,
		RequestID:  slot.requestID,
		ResponseID: slot.responseID,
	}
	r.receiver.OnMessage(bundle)
	return nil
}

// pendingCount reports how many messages are mid-assembly.
func (r *MessageReader) pendingCount() int { return len(r.slots) }
