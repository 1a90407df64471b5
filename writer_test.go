package netmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWriter(maxMultiplex, maxWaiting, maxPending, maxContinuous int) (*MessageWriter, *TypeRegistry, uint32) {
	reg := NewTypeRegistry()
	idx := reg.Register("greeting", greetingPayload{})
	framer := NewPacketFramer(256, nil, nil)
	w := NewMessageWriter(framer, reg, maxMultiplex, maxWaiting, maxPending, maxContinuous)
	return w, reg, idx
}

func greetingBundle(typeIdx uint32, flags MessageFlags, done CompletionFunc) MessageBundle {
	return MessageBundle{
		Value:      greetingPayload{From: "a", Text: "hi"},
		TypeIndex:  typeIdx,
		Flags:      flags,
		Completion: done,
	}
}

// enqueue admits up to maxWaiting into write_q, then up to maxPending into
// pending_q, then fails with QueueFull (spec.md §4.2 / §8 scenario 5).
func TestEnqueueAdmissionLadder(t *testing.T) {
	w, _, typeIdx := newTestWriter(8, 2, 2, 4)

	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, nil), -1))
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, nil), -1))
	require.Equal(t, 2, w.writeQCount)

	// The live-slot cap (maxWaiting=2) is now exhausted, so write_q
	// admission closes even though maxMultiplex(8) has headroom left;
	// the next two go to pending_q instead.
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, nil), -1))
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, nil), -1))
	require.Equal(t, 2, w.pendingQCount)

	// Both queues are now full; the fifth message fails.
	failed := false
	err := w.enqueue(greetingBundle(typeIdx, Asynchronous, func(_ interface{}, e error) {
		failed = e == ErrQueueFull
	}), -1)
	require.ErrorIs(t, err, ErrQueueFull)
	_ = failed
}

// A terminal sentinel is always admitted, even when both queues are full.
func TestEnqueueSentinelAlwaysAdmitted(t *testing.T) {
	w, _, typeIdx := newTestWriter(1, 1, 0, 4)
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, nil), -1))
	require.NoError(t, w.enqueue(terminalSentinel(), -1))
}

// Synchronous exclusivity: a second synchronous message cannot enter
// write_q while one is already in flight; it is pushed to pending_q
// instead (and promoted once the first one completes).
func TestEnqueueSynchronousExclusivity(t *testing.T) {
	w, _, typeIdx := newTestWriter(8, 8, 8, 4)

	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Synchronous, nil), -1))
	require.True(t, w.hasSynchronousInFlight)

	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Synchronous, nil), -1))
	require.Equal(t, 1, w.writeQCount)
	require.Equal(t, 1, w.pendingQCount)
}

// promotePending moves a pending synchronous message into write_q once the
// in-flight synchronous message vacates, preserving the pending order for
// any asynchronous entries ahead of it.
func TestPromotePendingRespectsSynchronousExclusivity(t *testing.T) {
	w, _, typeIdx := newTestWriter(8, 1, 8, 4)

	var firstDone bool
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Synchronous, func(_ interface{}, _ error) { firstDone = true }), -1))
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Synchronous, nil), -1)) // -> pending_q (write_q full at maxWaiting=1)
	require.Equal(t, 1, w.pendingQCount)

	// Drive the first message fully onto the wire.
	buf := make([]byte, 256)
	for {
		n, _, err := w.fillPacket(buf)
		require.NoError(t, err)
		if n == 0 || firstDone {
			break
		}
	}
	require.True(t, firstDone)
	require.Equal(t, 0, w.pendingQCount)
	require.Equal(t, 1, w.writeQCount)
}

// Fair rotation: a message that fills maxContinuousPacketCount packets in a
// row is rotated to the back of write_q so a sibling message gets a turn
// (spec.md §4.2 / §8 scenario 2).
func TestFairRotationYieldsToSiblingMessage(t *testing.T) {
	w, reg, _ := newTestWriter(8, 8, 8, 2)

	bigIdx := reg.Register("big", bigPayload{})
	smallIdx, _ := reg.IndexOf("greeting")

	var bigDone, smallDone bool
	big := MessageBundle{Value: bigPayload{Data: make([]byte, 4000)}, TypeIndex: bigIdx, Flags: Asynchronous,
		Completion: func(_ interface{}, _ error) { bigDone = true }}
	small := greetingBundle(smallIdx, Asynchronous, func(_ interface{}, _ error) { smallDone = true })

	require.NoError(t, w.enqueue(big, -1))
	require.NoError(t, w.enqueue(small, -1))

	buf := make([]byte, 256)
	var order []bool // true = the small message produced a packet at this step
	for i := 0; i < 40 && !(bigDone && smallDone); i++ {
		beforeSmall := smallDone
		n, _, err := w.fillPacket(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		order = append(order, smallDone && !beforeSmall)
	}

	require.True(t, smallDone, "small message must complete")
	require.True(t, bigDone, "big message must eventually complete too")
	// The small message must have been served within the first few packets
	// rather than only after the entire big message drained, proving
	// max_continuous_packet_count forced a rotation.
	foundEarly := false
	for i, servedSmall := range order {
		if servedSmall && i < 6 {
			foundEarly = true
		}
	}
	require.True(t, foundEarly, "fair rotation should let the small message through early: %v", order)
}

// cancelByPoolSlot drops a write slot that hasn't started serializing yet.
func TestCancelByPoolSlotDropsQueuedSlot(t *testing.T) {
	w, _, typeIdx := newTestWriter(8, 8, 8, 4)

	var gotErr error
	b := greetingBundle(typeIdx, Asynchronous, func(_ interface{}, e error) { gotErr = e })
	require.NoError(t, w.enqueue(b, 3))

	w.cancelByPoolSlot(3)
	require.ErrorIs(t, gotErr, ErrCanceled)
	require.Equal(t, 0, w.writeQCount)
}

// completeAll fails every still-held slot with the given cause, used on
// connection teardown.
func TestCompleteAllFailsEveryHeldSlot(t *testing.T) {
	w, _, typeIdx := newTestWriter(1, 1, 8, 4)

	var errs []error
	complete := func(_ interface{}, e error) { errs = append(errs, e) }
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, complete), -1)) // write_q
	require.NoError(t, w.enqueue(greetingBundle(typeIdx, Asynchronous, complete), -1)) // pending_q

	w.completeAll(ErrConnectionClosed)
	require.Len(t, errs, 2)
	for _, e := range errs {
		require.ErrorIs(t, e, ErrConnectionClosed)
	}
}

type bigPayload struct {
	Data []byte
}
