package netmux

// writeSlotState is WriteSlot's small state machine (spec.md §4.2):
// Empty -> Queued -> Serializing -> {Completed | AwaitingResponse}.
type writeSlotState int

const (
	wsEmpty writeSlotState = iota
	wsQueued
	wsSerializing
	wsCompleted
	wsAwaitingResponse
)

// WriteSlot holds one outbound message's state while MessageWriter is
// multiplexing it onto the wire: the bundle itself, its live Serializer
// (present only while mid-serialization), the small wire id used to
// demultiplex interleaved segments on the reader side, and the fairness
// counter bounding how many consecutive packets may be filled from this
// slot before MessageWriter rotates to another (spec.md §4.2's
// max_writer_message_continuous_packet_count).
type WriteSlot struct {
	bundle     MessageBundle
	serializer Serializer
	state      writeSlotState

	wireID uint16

	// poolSlotIndex is the originating ConnectionPool's PoolMessageSlot
	// index for this bundle, or -1 if the bundle was never pool-tracked
	// (e.g. a non-cancelable message already recycled on handoff, or the
	// writer's own terminal sentinel). Carried only so
	// ConnectionPool.onConnectionClose can rescue a still-cancelable
	// message back into the same slot (spec.md §4.5).
	poolSlotIndex int32

	// inPending reports whether this slot currently lives in pending_q
	// (true) or write_q (false); used to pick the right list on removal.
	inPending bool

	// packetCount counts packets filled from this slot during the current
	// continuous run; reset to 0 whenever the writer rotates away from it.
	packetCount int

	link slotLink
}

func (s *WriteSlot) reset() {
	s.bundle = MessageBundle{}
	s.serializer = nil
	s.state = wsEmpty
	s.wireID = 0
	s.poolSlotIndex = -1
	s.inPending = false
	s.packetCount = 0
}
