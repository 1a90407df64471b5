package netmux

import "encoding/binary"

// Segment header layout written at the start of a SwitchToNewMessage
// packet's payload, before the serializer's own bytes. ContinuedMessage and
// SwitchToOldMessage segments carry only the 2-byte wire id, since the
// reader already has a Deserializer parked for that id (spec.md §4.3's
// "cross-encoded" type id is only needed once, at message start).
const (
	newSegHeaderLen  = 2 + 4 + 8 + 8 + 1 // wireID, type crc, requestID, responseID, flags
	contSegHeaderLen = 2                // wireID
)

const (
	segFlagWaitResponse byte = 1 << 0
	segFlagIdempotent   byte = 1 << 1
)

// MessageWriter multiplexes outbound messages from one Connection's
// ConnectionPool handoffs onto a single framed byte stream (spec.md §4.2).
// It owns its own slot table (distinct from ConnectionPool's
// PoolMessageSlot table): a WriteSlot exists only while a message is
// actively being written on this particular connection.
type MessageWriter struct {
	framer   *PacketFramer
	registry *TypeRegistry

	maxMultiplex             int
	maxWaiting               int
	maxPending               int
	maxContinuousPacketCount int

	slots    []WriteSlot
	freeList []int32

	writeQ      indexList
	writeQCount int

	pendingQ      indexList
	pendingQCount int

	hasSynchronousInFlight bool

	rotor           int32 // slot currently being drained; -1 if none
	continuousCount int

	nextWireID  uint16
	wireIDSpent bool

	// liveSlots counts every currently-allocated WriteSlot (write_q,
	// pending_q, and awaiting-response), bounded by maxWaiting
	// independently of maxMultiplex, which bounds write_q.len alone
	// (spec.md §4.2 enqueue outcome 2).
	liveSlots int
}

// NewMessageWriter returns a writer bound to framer/registry with the given
// admission thresholds (spec.md §6 config options).
func NewMessageWriter(framer *PacketFramer, registry *TypeRegistry, maxMultiplex, maxWaiting, maxPending, maxContinuousPacketCount int) *MessageWriter {
	return &MessageWriter{
		framer:                   framer,
		registry:                 registry,
		maxMultiplex:             maxMultiplex,
		maxWaiting:               maxWaiting,
		maxPending:               maxPending,
		maxContinuousPacketCount: maxContinuousPacketCount,
		writeQ:                   newIndexList(),
		pendingQ:                 newIndexList(),
		rotor:                    -1,
	}
}

func (w *MessageWriter) writeLinkOf(i int32) *slotLink   { return &w.slots[i].link }
func (w *MessageWriter) pendingLinkOf(i int32) *slotLink { return &w.slots[i].link }

func (w *MessageWriter) allocSlot() int32 {
	w.liveSlots++
	if n := len(w.freeList); n > 0 {
		idx := w.freeList[n-1]
		w.freeList = w.freeList[:n-1]
		return idx
	}
	w.slots = append(w.slots, WriteSlot{link: emptyLink()})
	return int32(len(w.slots) - 1)
}

func (w *MessageWriter) freeSlot(idx int32) {
	w.slots[idx].reset()
	w.slots[idx].link = emptyLink()
	w.freeList = append(w.freeList, idx)
	w.liveSlots--
}

// enqueue is MessageWriter's admission contract (spec.md §4.2). A terminal
// sentinel is always admitted, to guarantee an orderly close is never
// blocked by backpressure. Otherwise: write_q admits up to maxMultiplex
// concurrently-multiplexed slots, bounded overall by maxWaiting live
// slots (write_q + pending_q + awaiting-response), with at most one
// synchronous message in flight at a time (synchronous-exclusivity);
// overflow goes to pending_q up to maxPending; beyond that, ErrQueueFull.
func (w *MessageWriter) enqueue(bundle MessageBundle, poolSlotIndex int32) error {
	if bundle.isTerminalSentinel() {
		// The sentinel carries no segment header (fillPacket recognizes and
		// drains it before ever touching wireID), so it never draws from the
		// wire-id space; a terminal close must never be blocked by
		// id-exhaustion.
		idx := w.allocSlot()
		w.slots[idx].bundle = bundle
		w.slots[idx].state = wsQueued
		w.slots[idx].wireID = 0
		w.slots[idx].poolSlotIndex = -1
		w.writeQ.pushBack(idx, w.writeLinkOf)
		w.writeQCount++
		return nil
	}

	synchronous := bundle.Flags.has(Synchronous)
	canAdmitToWriteQ := w.writeQCount < w.maxMultiplex && w.liveSlots < w.maxWaiting && !(synchronous && w.hasSynchronousInFlight)

	if canAdmitToWriteQ {
		idx := w.allocSlot()
		wireID, err := w.issueWireID()
		if err != nil {
			w.freeSlot(idx)
			return err
		}
		w.slots[idx].bundle = bundle
		w.slots[idx].state = wsQueued
		w.slots[idx].wireID = wireID
		w.slots[idx].poolSlotIndex = poolSlotIndex
		w.writeQ.pushBack(idx, w.writeLinkOf)
		w.writeQCount++
		if synchronous {
			w.hasSynchronousInFlight = true
		}
		return nil
	}

	if w.pendingQCount < w.maxPending {
		idx := w.allocSlot()
		w.slots[idx].bundle = bundle
		w.slots[idx].state = wsQueued
		w.slots[idx].poolSlotIndex = poolSlotIndex
		w.slots[idx].inPending = true
		w.pendingQ.pushBack(idx, w.pendingLinkOf)
		w.pendingQCount++
		return nil
	}

	return ErrQueueFull
}

// maxWireID is the last wire id this writer will ever hand out. Wire ids
// are never reclaimed mid-connection (only freed slots are), so once the
// 16-bit space is spent the connection must be retired rather than risk a
// live AwaitingResponse slot colliding with a wrapped-around id (grounded
// on SagerNet-smux/session.go's stream-id exhaustion check, session.go:170,178).
const maxWireID = ^uint16(0)

func (w *MessageWriter) issueWireID() (uint16, error) {
	if w.wireIDSpent {
		return 0, ErrGoAway
	}
	id := w.nextWireID
	if id == maxWireID {
		w.wireIDSpent = true
	} else {
		w.nextWireID++
	}
	return id, nil
}

// promotePending moves slots from pending_q into write_q as room and
// synchronous-exclusivity allow, preserving pending_q's relative order.
// Like ConnectionPool.checkPoolForNewMessages, this uses a direct mid-list
// removal rather than a literal rotation (see DESIGN.md).
func (w *MessageWriter) promotePending() {
	for w.writeQCount < w.maxMultiplex && w.pendingQCount > 0 {
		var found int32 = -1
		w.pendingQ.forEach(w.pendingLinkOf, func(idx int32) bool {
			if w.slots[idx].bundle.Flags.has(Synchronous) && w.hasSynchronousInFlight {
				return true
			}
			found = idx
			return false
		})
		if found < 0 {
			return
		}
		w.pendingQ.remove(found, w.pendingLinkOf)
		w.pendingQCount--
		w.slots[found].inPending = false

		wireID, err := w.issueWireID()
		if err != nil {
			// Wire-id space is spent; this particular message cannot be
			// promoted. Leave promotion of its siblings to later attempts
			// (which will hit the same error) and let pumpOutbound's own
			// issueWireID failure retire the connection for good.
			w.slots[found].bundle.complete(nil, err)
			w.freeSlot(found)
			continue
		}
		w.slots[found].wireID = wireID
		w.writeQ.pushBack(found, w.writeLinkOf)
		w.writeQCount++
		if w.slots[found].bundle.Flags.has(Synchronous) {
			w.hasSynchronousInFlight = true
		}
	}
}

// pickSlot returns the write_q slot to service next: the current rotor if
// it still has room under maxContinuousPacketCount, else the front of
// write_q after the rotor has actually been moved to the back (spec.md
// §4.2's fair rotation: "reset to 0 and move the slot to the back of
// write_q"). Every slot remaining in write_q is always wsQueued or
// wsSerializing (it is removed from write_q the moment it completes or
// fails), so the front is always a valid candidate.
func (w *MessageWriter) pickSlot() int32 {
	if w.writeQ.empty() {
		return -1
	}

	if w.rotor >= 0 && w.slots[w.rotor].state != wsEmpty {
		if w.continuousCount < w.maxContinuousPacketCount {
			return w.rotor
		}
		w.writeQ.remove(w.rotor, w.writeLinkOf)
		w.writeQ.pushBack(w.rotor, w.writeLinkOf)
		w.slots[w.rotor].packetCount = 0
		w.rotor = -1
		w.continuousCount = 0
	}

	front := w.writeQ.front()
	if front != w.rotor {
		w.continuousCount = 0
	}
	w.rotor = front
	return front
}

// fillPacket writes at most one packet into buf for the given connection
// output stream. It returns the packet length (0 if there is nothing to
// send right now) and whether a terminal sentinel was just fully drained
// (signaling the caller to proceed to an orderly close).
func (w *MessageWriter) fillPacket(buf []byte) (n int, closing bool, err error) {
	idx := w.pickSlot()
	if idx < 0 {
		return 0, false, nil
	}
	s := &w.slots[idx]

	if s.bundle.isTerminalSentinel() {
		w.dequeueWriteSlot(idx)
		w.freeSlot(idx)
		return 0, true, nil
	}

	maxPayload := w.framer.MaxPayload()
	payload := buf[headerSize:]

	if s.state == wsQueued {
		s.serializer = w.registry.NewSerializer()
		if err := s.serializer.Push(s.bundle.Value, s.bundle.TypeIndex); err != nil {
			w.failSlot(idx, err)
			return 0, false, err
		}
		s.state = wsSerializing
		s.bundle.Flags |= StartedSend

		crc, err := w.registry.CRCOf(s.bundle.TypeIndex)
		if err != nil {
			w.failSlot(idx, err)
			return 0, false, err
		}
		if maxPayload < newSegHeaderLen+MinFreePayload {
			return 0, false, ErrPacketSizeExceeded
		}
		binary.BigEndian.PutUint16(payload[0:2], s.wireID)
		binary.BigEndian.PutUint32(payload[2:6], crc)
		binary.BigEndian.PutUint64(payload[6:14], s.bundle.RequestID)
		binary.BigEndian.PutUint64(payload[14:22], s.bundle.ResponseID)
		var fb byte
		if s.bundle.Flags.has(WaitResponse) {
			fb |= segFlagWaitResponse
		}
		if s.bundle.Flags.has(Idempotent) {
			fb |= segFlagIdempotent
		}
		payload[22] = fb

		written, done, serr := s.serializer.Run(payload[newSegHeaderLen:maxPayload])
		if serr != nil {
			w.failSlot(idx, serr)
			return 0, false, serr
		}
		total, ferr := w.framer.FinishPacket(buf, SwitchToNewMessage, newSegHeaderLen+written)
		if ferr != nil {
			return 0, false, ferr
		}
		w.afterFill(idx, done)
		return total, false, nil
	}

	// Continuation: previously-started message, possibly interleaved with
	// other slots' packets since its last segment.
	typ := ContinuedMessage
	if w.rotor != idx || w.continuousCount == 0 {
		typ = SwitchToOldMessage
	}
	binary.BigEndian.PutUint16(payload[0:2], s.wireID)
	written, done, serr := s.serializer.Run(payload[contSegHeaderLen:maxPayload])
	if serr != nil {
		w.failSlot(idx, serr)
		return 0, false, serr
	}
	total, ferr := w.framer.FinishPacket(buf, typ, contSegHeaderLen+written)
	if ferr != nil {
		return 0, false, ferr
	}
	w.afterFill(idx, done)
	return total, false, nil
}

func (w *MessageWriter) afterFill(idx int32, done bool) {
	s := &w.slots[idx]
	s.packetCount++
	w.continuousCount++

	if !done {
		return
	}

	s.bundle.Flags |= DoneSend
	s.serializer = nil
	w.dequeueWriteSlot(idx)

	if s.bundle.Flags.has(WaitResponse) {
		s.state = wsAwaitingResponse
		// Left un-freed: the slot stays in w.slots so completeAwaiting can
		// find it by request id when a matching response arrives.
		return
	}

	s.state = wsCompleted
	s.bundle.complete(nil, nil)
	w.freeSlot(idx)
}

func (w *MessageWriter) dequeueWriteSlot(idx int32) {
	s := &w.slots[idx]
	if s.bundle.Flags.has(Synchronous) {
		w.hasSynchronousInFlight = false
	}
	w.writeQ.remove(idx, w.writeLinkOf)
	w.writeQCount--
	if w.rotor == idx {
		w.rotor = -1
		w.continuousCount = 0
	}
	w.promotePending()
}

func (w *MessageWriter) failSlot(idx int32, err error) {
	s := &w.slots[idx]
	s.bundle.complete(nil, err)
	w.dequeueWriteSlot(idx)
	w.freeSlot(idx)
}

// cancelByPoolSlot marks the write slot whose bundle originated from
// poolSlotIndex as canceled. A slot still in wsQueued (not yet even
// started serializing) is dropped immediately; one already mid-wire
// (wsSerializing) is left to finish naturally, since the NewMessage
// header may already be on the wire (see DESIGN.md).
func (w *MessageWriter) cancelByPoolSlot(poolSlotIndex int32) {
	for i := range w.slots {
		s := &w.slots[i]
		if s.poolSlotIndex != poolSlotIndex {
			continue
		}
		if s.state == wsQueued {
			s.bundle.complete(nil, ErrCanceled)
			w.dequeueFromEitherQueue(int32(i))
			w.freeSlot(int32(i))
		}
		return
	}
}

func (w *MessageWriter) dequeueFromEitherQueue(idx int32) {
	if w.slots[idx].inPending {
		w.pendingQ.remove(idx, w.pendingLinkOf)
		w.pendingQCount--
		return
	}
	w.dequeueWriteSlot(idx)
}

// completeAll fails every slot still held by this writer (write_q,
// pending_q, and any awaiting-response slots this writer is tracking) with
// cause. Used when the owning Connection is closing or being killed.
func (w *MessageWriter) completeAll(cause error) {
	w.writeQ.forEach(w.writeLinkOf, func(idx int32) bool {
		if !w.slots[idx].bundle.isTerminalSentinel() {
			w.slots[idx].bundle.complete(nil, cause)
		}
		return true
	})
	w.pendingQ.forEach(w.pendingLinkOf, func(idx int32) bool {
		w.slots[idx].bundle.complete(nil, cause)
		return true
	})
	for i := range w.slots {
		if w.slots[i].state == wsAwaitingResponse {
			w.slots[i].bundle.complete(nil, cause)
		}
	}
	w.writeQ = newIndexList()
	w.pendingQ = newIndexList()
	w.writeQCount, w.pendingQCount = 0, 0
	w.slots = nil
	w.freeList = nil
	w.hasSynchronousInFlight = false
	w.rotor = -1
	w.continuousCount = 0
}

// unsentMessages collects every bundle this writer has not yet fully
// handed to the wire (queued, mid-serialization, or pending), for
// ConnectionPool.onConnectionClose to rescue. Each collected bundle's
// Completion moves to the returned UnsentMessage, so a later completeAll
// does not fire it. Awaiting-response slots are excluded: they were
// already fully sent (DoneSend), so completeAll fails them with the close
// cause instead of the pool resending them.
func (w *MessageWriter) unsentMessages() []UnsentMessage {
	var out []UnsentMessage
	collect := func(idx int32) bool {
		if !w.slots[idx].bundle.isTerminalSentinel() {
			out = append(out, UnsentMessage{Bundle: w.slots[idx].bundle, SlotIndex: w.slots[idx].poolSlotIndex})
			w.slots[idx].bundle.Completion = nil
		}
		return true
	}
	w.writeQ.forEach(w.writeLinkOf, collect)
	w.pendingQ.forEach(w.pendingLinkOf, collect)
	return out
}
