package netmux

// MessageFlags is the per-message flag bitfield described in spec.md §6.
type MessageFlags uint32

const (
	// Synchronous messages must preserve ordering with other synchronous
	// messages of the same pool.
	Synchronous MessageFlags = 1 << iota
	// Asynchronous is the default; messages may be multiplexed freely.
	Asynchronous
	// WaitResponse messages do not complete on send; they wait for a
	// matching reply keyed on request id.
	WaitResponse
	// Idempotent messages are requeued on connection loss.
	Idempotent
	// StartedSend: bookkeeping, some bytes of this message reached the wire.
	StartedSend
	// DoneSend: bookkeeping, all bytes reached the wire.
	DoneSend
	// Canceled: producer-side cancellation is in effect.
	Canceled
	// OnPeer, BackOnSender, Relayed: role flags set as the value crosses
	// the wire.
	OnPeer
	BackOnSender
	Relayed
)

func (f MessageFlags) has(bit MessageFlags) bool { return f&bit != 0 }

// MessageId uniquely identifies a message owned by a ConnectionPool. The
// Unique field invalidates stale ids after slot recycling (spec.md §3).
type MessageId struct {
	Index  uint32
	Unique uint64
}

// CompletionFunc is invoked exactly once for a message, carrying either the
// user value returned by the peer (for WaitResponse messages) or the
// sender's own value back on send-side failure, along with the error (nil
// on success).
type CompletionFunc func(value interface{}, err error)

// Message is the user-provided typed value plus the small header described
// in spec.md §3. A Message is owned by its producer until passed to Send;
// thereafter the runtime exclusively owns it until the completion callback
// fires.
type Message struct {
	// Value is the typed payload. Its concrete type must be registered
	// with the TypeRegistry in use by the Service.
	Value interface{}

	Flags MessageFlags

	// RequestID/ResponseID implement request/response matching for
	// WaitResponse messages. ResponseID is zero until a reply arrives.
	RequestID  uint64
	ResponseID uint64

	// Completion is called exactly once when the message's lifecycle
	// ends (sent, failed, or a response arrived for WaitResponse
	// messages).
	Completion CompletionFunc
}

// MessageBundle is the internal, move-only representation of a Message
// once it has been handed to the runtime: the value together with its
// registry type index, flags, and response handler. Never cloned.
type MessageBundle struct {
	Value      interface{}
	TypeIndex  uint32
	Flags      MessageFlags
	RequestID  uint64
	ResponseID uint64
	Completion CompletionFunc
}

// isTerminalSentinel reports whether bundle is the empty-message sentinel
// used to schedule an orderly close (spec.md §4.2, enqueue outcome 1).
func (b *MessageBundle) isTerminalSentinel() bool {
	return b.Value == nil && b.TypeIndex == 0 && b.Completion == nil
}

// terminalSentinel returns a bundle recognized by isTerminalSentinel.
func terminalSentinel() MessageBundle { return MessageBundle{} }

// complete invokes the bundle's completion callback, if any, exactly once.
func (b *MessageBundle) complete(value interface{}, err error) {
	if b.Completion != nil {
		cb := b.Completion
		b.Completion = nil
		cb(value, err)
	}
}
