package netmux

// slotLink is one {prev, next} index pair inside an intrusive list. -1
// means "no link". Grounded on spec.md §9's explicit design note: a flat
// vector of slots plus per-list link fields, avoiding per-message heap
// allocation and the pointer-cycle hazards of a classic linked list.
type slotLink struct {
	prev, next int32
}

func emptyLink() slotLink { return slotLink{prev: -1, next: -1} }

// indexList is an intrusive doubly-linked list over indices into some
// slice of slots. The caller supplies a linkOf accessor so one indexList
// type serves every list in this package (ConnectionPool's order/async/
// cache lists, MessageWriter's write_q/pending_q).
type indexList struct {
	head, tail int32
}

func newIndexList() indexList { return indexList{head: -1, tail: -1} }

func (l *indexList) empty() bool { return l.head < 0 }

func (l *indexList) front() int32 { return l.head }

func (l *indexList) pushBack(idx int32, linkOf func(int32) *slotLink) {
	link := linkOf(idx)
	link.prev = l.tail
	link.next = -1
	if l.tail >= 0 {
		linkOf(l.tail).next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
}

func (l *indexList) pushFront(idx int32, linkOf func(int32) *slotLink) {
	link := linkOf(idx)
	link.next = l.head
	link.prev = -1
	if l.head >= 0 {
		linkOf(l.head).prev = idx
	} else {
		l.tail = idx
	}
	l.head = idx
}

func (l *indexList) remove(idx int32, linkOf func(int32) *slotLink) {
	link := linkOf(idx)
	if link.prev >= 0 {
		linkOf(link.prev).next = link.next
	} else if l.head == idx {
		l.head = link.next
	}
	if link.next >= 0 {
		linkOf(link.next).prev = link.prev
	} else if l.tail == idx {
		l.tail = link.prev
	}
	link.prev, link.next = -1, -1
}

// popFront removes and returns the front of the list, or -1 if empty.
func (l *indexList) popFront(linkOf func(int32) *slotLink) int32 {
	idx := l.head
	if idx < 0 {
		return -1
	}
	l.remove(idx, linkOf)
	return idx
}

// rotateFrontToBack moves the current front element to the back and
// returns its index, or -1 if the list is empty.
// ConnectionPool.checkPoolForNewMessages and MessageWriter.promotePending
// do not use it; they find their entry with forEach and extract it with
// remove (see DESIGN.md).
func (l *indexList) rotateFrontToBack(linkOf func(int32) *slotLink) int32 {
	idx := l.popFront(linkOf)
	if idx < 0 {
		return -1
	}
	l.pushBack(idx, linkOf)
	return idx
}

// forEach walks the list front-to-back, stopping early if fn returns false.
// fn must not mutate the list.
func (l *indexList) forEach(linkOf func(int32) *slotLink, fn func(idx int32) bool) {
	for idx := l.head; idx >= 0; {
		next := linkOf(idx).next
		if !fn(idx) {
			return
		}
		idx = next
	}
}

// PoolMessageSlot is a slot inside a ConnectionPool holding a
// MessageBundle plus the bookkeeping described in spec.md §3: a unique
// counter invalidating stale MessageIds, the connection id currently
// handling the message (if cancelable), a cancelable bit, and linkage into
// the order/async/cache intrusive lists.
type PoolMessageSlot struct {
	bundle MessageBundle
	unique uint64

	inUse bool

	// connID is the id of the connection currently handling this slot, or
	// 0 if the slot has not been dispatched (0 is never a valid
	// connection id; Connection ids are allocated starting at 1).
	connID     uint32
	cancelable bool

	orderLink slotLink
	asyncLink slotLink
	cacheLink slotLink

	inOrder bool
	inAsync bool
}
