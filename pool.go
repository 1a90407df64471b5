package netmux

// ConnectionPool is the per-recipient hub described in spec.md §3/§4.5: it
// owns user-visible messages until they are handed to a Connection,
// schedules assignment to connections, enforces pool-wide synchronous
// order, and captures messages back on connection death.
//
// All ConnectionPool methods assume the caller already holds the pool's
// stripe mutex (Service.poolMutex(pool.id)), per spec.md §5's locking
// model. ConnectionPool itself holds no lock.
type ConnectionPool struct {
	id   uint32
	name string

	unique uint64 // monotonic; bumped on every slot allocation (see DESIGN.md)

	slots      []PoolMessageSlot
	order      indexList
	async      indexList
	cache      indexList
	orderCount int

	connWaitingQ []uint32

	activeConnectionCount  int
	pendingConnectionCount int
	pendingResolveCount    int

	syncConnID   uint32 // 0 = invalid
	cancelConnID uint32 // msg_cancel_connection_id, 0 = invalid

	isStopping                  bool
	msgCancelConnectionStopping bool

	svc *Service
}

func newConnectionPool(id uint32, name string, svc *Service) *ConnectionPool {
	return &ConnectionPool{
		id:    id,
		name:  name,
		svc:   svc,
		order: newIndexList(),
		async: newIndexList(),
		cache: newIndexList(),
	}
}

func (p *ConnectionPool) orderLinkOf(i int32) *slotLink { return &p.slots[i].orderLink }
func (p *ConnectionPool) asyncLinkOf(i int32) *slotLink { return &p.slots[i].asyncLink }
func (p *ConnectionPool) cacheLinkOf(i int32) *slotLink { return &p.slots[i].cacheLink }

// allocateSlot returns a slot index from the cache list, or extends the
// slot table, and assigns it a fresh unique value (invalidating any stale
// MessageId referencing a slot previously at this index).
func (p *ConnectionPool) allocateSlot() int32 {
	idx := p.cache.popFront(p.cacheLinkOf)
	if idx < 0 {
		p.slots = append(p.slots, PoolMessageSlot{
			orderLink: emptyLink(), asyncLink: emptyLink(), cacheLink: emptyLink(),
		})
		idx = int32(len(p.slots) - 1)
	}
	p.unique++
	s := &p.slots[idx]
	s.unique = p.unique
	s.inUse = true
	return idx
}

// recycleSlot returns idx to the cache list. The caller must already have
// removed idx from order/async.
func (p *ConnectionPool) recycleSlot(idx int32) {
	s := &p.slots[idx]
	s.bundle = MessageBundle{}
	s.connID = 0
	s.cancelable = false
	s.inUse = false
	p.cache.pushBack(idx, p.cacheLinkOf)
}

// doSend is the admission path described in spec.md §4.5: allocate a slot,
// link it into order (and async, if applicable), and return the MessageId
// the caller can use to track/cancel it.
func (p *ConnectionPool) doSend(bundle MessageBundle, trackable bool) MessageId {
	idx := p.allocateSlot()
	s := &p.slots[idx]
	s.bundle = bundle
	s.cancelable = trackable

	p.order.pushBack(idx, p.orderLinkOf)
	s.inOrder = true
	p.orderCount++
	if !bundle.Flags.has(Synchronous) {
		p.async.pushBack(idx, p.asyncLinkOf)
		s.inAsync = true
	}
	return MessageId{Index: uint32(idx), Unique: s.unique}
}

// wakeAfterSend implements the "waking a connection" policy of spec.md
// §4.5: prefer the pool's designated synchronous connection for
// synchronous messages, then any waiting connection, then spawn a new one
// if the pool has room.
func (p *ConnectionPool) wakeAfterSend(flags MessageFlags) {
	if flags.has(Synchronous) && p.syncConnID != 0 {
		if p.svc.notifyConnection(p.syncConnID) {
			return
		}
		p.syncConnID = 0
	}

	for len(p.connWaitingQ) > 0 {
		id := p.connWaitingQ[0]
		p.connWaitingQ = p.connWaitingQ[1:]
		if p.svc.notifyConnection(id) {
			return
		}
	}

	max := p.svc.config.MaxPerPoolConnectionCount
	if p.activeConnectionCount+p.pendingConnectionCount < max && p.pendingResolveCount < max {
		p.pendingConnectionCount++
		p.pendingResolveCount++
		p.svc.spawnConnection(p)
	}
}

func (p *ConnectionPool) parkWaiting(connID uint32) {
	for _, id := range p.connWaitingQ {
		if id == connID {
			return
		}
	}
	p.connWaitingQ = append(p.connWaitingQ, connID)
}

// handOff removes idx from order/async, assigns it to connID (keeping the
// slot alive if cancelable, recycling it otherwise), and returns a copy of
// its bundle.
func (p *ConnectionPool) handOff(idx int32, connID uint32) (MessageBundle, MessageId) {
	s := &p.slots[idx]
	bundle := s.bundle
	msgID := MessageId{Index: uint32(idx), Unique: s.unique}

	p.order.remove(idx, p.orderLinkOf)
	s.inOrder = false
	p.orderCount--
	if s.inAsync {
		p.async.remove(idx, p.asyncLinkOf)
		s.inAsync = false
	}

	if s.cancelable {
		s.connID = connID
		s.bundle = MessageBundle{Flags: bundle.Flags} // keep flags for cancel bookkeeping
	} else {
		p.recycleSlot(idx)
	}
	return bundle, msgID
}

// checkPoolForNewMessages implements spec.md §4.5's work-handoff policy.
// It returns ok=false (and parks conn on the waiting queue) when there is
// nothing this connection may send right now.
func (p *ConnectionPool) checkPoolForNewMessages(connID uint32) (MessageBundle, MessageId, bool) {
	if p.order.empty() {
		p.parkWaiting(connID)
		return MessageBundle{}, MessageId{}, false
	}

	front := p.order.front()
	frontSlot := &p.slots[front]

	// Case 1: front is asynchronous, or front is synchronous and this is
	// the pool's designated synchronous connection.
	if frontSlot.inAsync || (!frontSlot.inAsync && connID == p.syncConnID) {
		b, id := p.handOff(front, connID)
		return b, id, true
	}

	// Case 2: no synchronous connection designated yet; claim it.
	if p.syncConnID == 0 {
		p.syncConnID = connID
		b, id := p.handOff(front, connID)
		return b, id, true
	}

	// Case 3: front is synchronous and owned by a different connection.
	// Find the first asynchronous message and extract it directly; the
	// intrusive doubly-linked list makes this an O(1) mid-list removal,
	// so the relative order of the untouched synchronous entries is
	// preserved without literally rotating nodes through the list (see
	// DESIGN.md).
	var found int32 = -1
	p.order.forEach(p.orderLinkOf, func(idx int32) bool {
		if p.slots[idx].inAsync {
			found = idx
			return false
		}
		return true
	})
	if found >= 0 {
		b, id := p.handOff(found, connID)
		return b, id, true
	}

	p.parkWaiting(connID)
	return MessageBundle{}, MessageId{}, false
}

// cancelMessage implements spec.md §4.5's cancel_message. It is idempotent:
// a stale or already-canceled id is a silent no-op.
func (p *ConnectionPool) cancelMessage(id MessageId) {
	if int(id.Index) >= len(p.slots) {
		return
	}
	s := &p.slots[id.Index]
	if !s.inUse || s.unique != id.Unique {
		return
	}
	if s.bundle.Flags.has(Canceled) {
		return
	}
	s.bundle.Flags |= Canceled

	if s.connID != 0 {
		p.svc.sendCancelVisitor(s.connID, id)
		return
	}
	if p.cancelConnID != 0 {
		p.svc.sendPushCanceledVisitor(p.cancelConnID, id)
	}
}

// UnsentMessage is what Connection.fetchUnsentMessages yields for each
// in-flight bundle when the connection is dying: the bundle itself and,
// if it still has a backing pool slot (i.e. it was sent trackable/
// cancelable), that slot's index so rescue can reuse the same MessageId.
type UnsentMessage struct {
	Bundle    MessageBundle
	SlotIndex int32 // -1 if the message never had a persistent pool slot
}

// onConnectionClose implements spec.md §4.5's on_connection_close: drop
// the counters, rescue unsent messages (or fail everything if this was the
// pool's last connection).
func (p *ConnectionPool) onConnectionClose(connID uint32, wasActive, wasPending bool, unsent []UnsentMessage, cause error) {
	if wasActive {
		p.activeConnectionCount--
	}
	if wasPending {
		p.pendingConnectionCount--
	}
	if p.syncConnID == connID {
		p.syncConnID = 0
	}
	if p.cancelConnID == connID {
		p.cancelConnID = 0
		p.msgCancelConnectionStopping = false
	}
	// Drop connID from the waiting queue, if parked there.
	filtered := p.connWaitingQ[:0]
	for _, id := range p.connWaitingQ {
		if id != connID {
			filtered = append(filtered, id)
		}
	}
	p.connWaitingQ = filtered

	if p.activeConnectionCount == 0 && p.pendingConnectionCount == 0 {
		p.completeAllResident(cause)
		for _, u := range unsent {
			u.Bundle.complete(nil, cause)
		}
		p.clear()
		return
	}

	p.rescue(unsent, cause)
	p.wakeWaitingAfterRescue()
}

// rescue reinserts still-useful unsent bundles at the front of order, in a
// single pass, preserving their relative order (spec.md §4.5).
func (p *ConnectionPool) rescue(unsent []UnsentMessage, cause error) {
	for i := len(unsent) - 1; i >= 0; i-- {
		u := unsent[i]
		requeue := u.Bundle.Flags.has(Idempotent) || !u.Bundle.Flags.has(DoneSend)
		if !requeue {
			u.Bundle.complete(nil, cause)
			continue
		}

		var idx int32
		if u.SlotIndex >= 0 && int(u.SlotIndex) < len(p.slots) && p.slots[u.SlotIndex].inUse {
			idx = u.SlotIndex
			p.slots[idx].bundle = u.Bundle
			p.slots[idx].connID = 0
		} else {
			idx = p.allocateSlot()
			p.slots[idx].bundle = u.Bundle
			p.slots[idx].cancelable = false
		}

		p.order.pushFront(idx, p.orderLinkOf)
		p.slots[idx].inOrder = true
		p.orderCount++
		if !u.Bundle.Flags.has(Synchronous) {
			p.async.pushFront(idx, p.asyncLinkOf)
			p.slots[idx].inAsync = true
		}
	}
}

func (p *ConnectionPool) wakeWaitingAfterRescue() {
	if p.order.empty() {
		return
	}
	for len(p.connWaitingQ) > 0 {
		id := p.connWaitingQ[0]
		p.connWaitingQ = p.connWaitingQ[1:]
		if p.svc.notifyConnection(id) {
			return
		}
	}
}

// completeAllResident fails every slot still resident in the pool (never
// dispatched to a connection) with cause. Used when the pool's last
// connection dies.
func (p *ConnectionPool) completeAllResident(cause error) {
	p.order.forEach(p.orderLinkOf, func(idx int32) bool {
		p.slots[idx].bundle.complete(nil, cause)
		return true
	})
}

// clear empties the pool's lists and slot table entirely (after the last
// connection has died and every resident slot has been completed).
func (p *ConnectionPool) clear() {
	p.slots = nil
	p.order = newIndexList()
	p.async = newIndexList()
	p.cache = newIndexList()
	p.orderCount = 0
	p.connWaitingQ = nil
	p.syncConnID = 0
	p.cancelConnID = 0
	p.isStopping = false
	p.msgCancelConnectionStopping = false
}

// onConnectionWantStop implements spec.md §4.5's on_connection_want_stop:
// if the stopping connection carried cancellations for the pool, either
// open the cancel grace period (other connections remain) or mark the pool
// stopping (it was the last one). It rescues no messages itself; unsent
// messages return to the pool only in onConnectionClose.
func (p *ConnectionPool) onConnectionWantStop(connID uint32) {
	if p.cancelConnID != connID {
		return
	}
	if p.activeConnectionCount+p.pendingConnectionCount > 1 {
		p.msgCancelConnectionStopping = true
		p.svc.scheduleCancelGraceExpiry(p)
	} else {
		p.isStopping = true
	}
}

// designateCancelConnection makes connID the pool's cancel-delivery
// connection. Service.activateConnection calls it when a connection is
// admitted to a pool that has none; grace-period expiry does not call it.
func (p *ConnectionPool) designateCancelConnection(connID uint32) {
	p.cancelConnID = connID
	p.msgCancelConnectionStopping = false
}

// isEmpty reports whether the pool has no slots and no connections, i.e.
// it is safe to drop from the Service's pool directory.
func (p *ConnectionPool) isEmpty() bool {
	return len(p.slots) == 0 && p.activeConnectionCount == 0 && p.pendingConnectionCount == 0
}
