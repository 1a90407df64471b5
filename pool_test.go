package netmux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerOnly = true // spawnConnection becomes a no-op counter rollback, no real dialing
	cfg.MaxPerPoolConnectionCount = 2
	return NewService(NewTypeRegistry(), cfg)
}

func asyncBundle() MessageBundle {
	return MessageBundle{Value: "v", Flags: Asynchronous}
}

func syncBundle() MessageBundle {
	return MessageBundle{Value: "v", Flags: Synchronous}
}

// cache and order partition the slot table; async is a subset of order.
func TestPoolListInvariantsAfterSends(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	var ids []MessageId
	ids = append(ids, p.doSend(syncBundle(), false))
	ids = append(ids, p.doSend(asyncBundle(), false))
	ids = append(ids, p.doSend(asyncBundle(), false))

	require.Equal(t, 3, p.orderCount)
	require.True(t, p.cache.empty())

	inOrder := map[int32]bool{}
	p.order.forEach(p.orderLinkOf, func(idx int32) bool { inOrder[idx] = true; return true })
	require.Len(t, inOrder, 3)

	inAsync := map[int32]bool{}
	p.async.forEach(p.asyncLinkOf, func(idx int32) bool { inAsync[idx] = true; return true })
	require.Len(t, inAsync, 2)
	for idx := range inAsync {
		require.True(t, inOrder[idx], "every async slot must also be in order")
	}

	for _, id := range ids {
		require.Equal(t, p.slots[id.Index].unique, id.Unique)
	}
}

// handOff removes a slot from order/async and, for a non-cancelable
// message, recycles it straight into cache.
func TestHandOffRecyclesNonCancelableSlot(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	p.doSend(asyncBundle(), false)
	require.Equal(t, 1, p.orderCount)

	front := p.order.front()
	_, _ = p.handOff(front, 7)

	require.Equal(t, 0, p.orderCount)
	require.True(t, p.async.empty())
	require.False(t, p.cache.empty())
	require.False(t, p.slots[front].inUse)
}

// handOff keeps a cancelable slot alive (by connID) instead of recycling it.
func TestHandOffKeepsCancelableSlotAlive(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	p.doSend(asyncBundle(), true)
	front := p.order.front()
	_, id := p.handOff(front, 7)

	require.True(t, p.slots[front].inUse)
	require.Equal(t, uint32(7), p.slots[front].connID)
	require.Equal(t, id.Index, uint32(front))
}

// checkPoolForNewMessages case 1/2: the first connection to ask for work
// becomes the pool's synchronous connection and receives the front
// (synchronous) message.
func TestCheckPoolDesignatesSynchronousConnection(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	p.doSend(syncBundle(), false)
	p.doSend(asyncBundle(), false)

	bundle, _, ok := p.checkPoolForNewMessages(11)
	require.True(t, ok)
	require.True(t, bundle.Flags.has(Synchronous))
	require.Equal(t, uint32(11), p.syncConnID)
}

// checkPoolForNewMessages case 3: once a different connection owns the
// synchronous stream, a second connection asking for work gets routed
// around the synchronous head to the first asynchronous entry, not the
// synchronous one.
func TestCheckPoolRoutesAsyncAroundForeignSynchronousHead(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	p.doSend(syncBundle(), false)
	p.doSend(syncBundle(), false)
	asyncID := p.doSend(asyncBundle(), false)

	// conn 1 claims the synchronous stream.
	_, firstID, ok := p.checkPoolForNewMessages(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), p.syncConnID)

	// conn 2 must not receive the second synchronous message, now at the
	// head of order; it gets the async one behind it instead.
	bundle, gotID, ok := p.checkPoolForNewMessages(2)
	require.True(t, ok)
	require.True(t, bundle.Flags.has(Synchronous) == false)
	require.Equal(t, asyncID.Index, gotID.Index)
	require.NotEqual(t, firstID.Index, gotID.Index)
}

// With no work and no asynchronous entry to route around a foreign
// synchronous head, the connection parks on conn_waitingq.
func TestCheckPoolParksWaitingConnectionWhenNothingToOffer(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	p.doSend(syncBundle(), false)
	_, _, ok := p.checkPoolForNewMessages(1) // conn 1 takes the only message
	require.True(t, ok)

	_, _, ok = p.checkPoolForNewMessages(2)
	require.False(t, ok)
	require.Contains(t, p.connWaitingQ, uint32(2))
}

func TestCancelMessageIsIdempotent(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	id := p.doSend(asyncBundle(), true)
	p.cancelMessage(id)
	require.True(t, p.slots[id.Index].bundle.Flags.has(Canceled))

	// Second cancel on the same id must not panic or double-deliver; it's
	// a silent no-op once Canceled is already set.
	require.NotPanics(t, func() { p.cancelMessage(id) })
}

func TestCancelMessageStaleIdIsNoop(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	id := p.doSend(asyncBundle(), true)
	front := p.order.front()
	_, _ = p.handOff(front, 1) // keeps the slot alive (cancelable)

	stale := MessageId{Index: id.Index, Unique: id.Unique + 1}
	require.NotPanics(t, func() { p.cancelMessage(stale) })
	require.False(t, p.slots[id.Index].bundle.Flags.has(Canceled))
}

// onConnectionClose: when the dying connection was the pool's last one,
// every slot still pool-resident completes with the close cause.
func TestOnConnectionCloseLastConnectionFailsResidentSlots(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	var gotErr error
	p.doSend(MessageBundle{Value: "v", Flags: Asynchronous, Completion: func(_ interface{}, err error) { gotErr = err }}, false)

	p.activeConnectionCount = 1
	p.onConnectionClose(1, true, false, nil, ErrConnectionClosed)

	require.ErrorIs(t, gotErr, ErrConnectionClosed)
	require.True(t, p.isEmpty())
}

// Idempotent rescue: a message whose connection died mid-flight (DoneSend
// unset) is reinserted at the front of order, preserving relative order
// against what was already pool-resident.
func TestRescuePreservesRelativeOrderAtFront(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")

	// One message stays pool-resident throughout.
	resident := p.doSend(asyncBundle(), false)

	// Two more were already handed to the dying connection and come back
	// as unsent, in their original send order.
	rescued1 := MessageBundle{Value: "r1", Flags: Idempotent | Asynchronous}
	rescued2 := MessageBundle{Value: "r2", Flags: Idempotent | Asynchronous}

	p.activeConnectionCount = 2 // pretend a second connection remains, so this isn't the "last" path
	p.onConnectionClose(9, true, false, []UnsentMessage{
		{Bundle: rescued1, SlotIndex: -1},
		{Bundle: rescued2, SlotIndex: -1},
	}, ErrConnectionClosed)

	var order []string
	p.order.forEach(p.orderLinkOf, func(idx int32) bool {
		order = append(order, p.slots[idx].bundle.Value.(string))
		return true
	})
	require.Equal(t, []string{"r1", "r2", "v"}, order)
	require.Equal(t, p.slots[resident.Index].bundle.Value, "v")
}

// A non-idempotent message that never started sending still gets rescued
// (per spec.md §4.5: requeue unless DoneSend is already set); one that
// finished sending (DoneSend) is dropped instead of resent.
func TestRescueDropsAlreadyDoneNonIdempotentMessages(t *testing.T) {
	svc := testService(t)
	p := svc.getOrCreatePool("peer")
	p.activeConnectionCount = 2

	var doneErr error
	done := MessageBundle{
		Value:      "done",
		Flags:      DoneSend,
		Completion: func(_ interface{}, err error) { doneErr = err },
	}
	notStarted := MessageBundle{Value: "fresh", Flags: Asynchronous}

	p.onConnectionClose(3, true, false, []UnsentMessage{
		{Bundle: done, SlotIndex: -1},
		{Bundle: notStarted, SlotIndex: -1},
	}, ErrConnectionClosed)

	require.ErrorIs(t, doneErr, ErrConnectionClosed)
	require.Equal(t, 1, p.orderCount)
	require.Equal(t, "fresh", p.slots[p.order.front()].bundle.Value)
}
