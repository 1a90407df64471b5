package netmux

// readSlotState tracks one in-flight inbound message, keyed by wire id,
// across however many packets its bytes are split over (spec.md §4.3).
type readSlotState int

const (
	rsNotStarted readSlotState = iota
	rsReadBody
	rsDone
)

// readSlot is MessageReader's per-wire-id bookkeeping: the header fields
// captured from the SwitchToNewMessage segment, plus the live Deserializer
// consuming however many ContinuedMessage/SwitchToOldMessage segments
// follow.
type readSlot struct {
	wireID     uint16
	typeIndex  uint32
	requestID  uint64
	responseID uint64
	flags      MessageFlags

	deserializer Deserializer
	state        readSlotState
}
