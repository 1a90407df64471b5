package netmux

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sagernet/sing/common/bufio"
)

// ConnectionState is Connection's lifecycle state machine (spec.md §4.4):
// Init -> Resolving -> Connecting -> Active -> Stopping -> Stopped.
type ConnectionState int

const (
	StateInit ConnectionState = iota
	StateResolving
	StateConnecting
	StateActive
	StateStopping
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateResolving:
		return "Resolving"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

const keepAliveInterval = 15 * time.Second

// maxBatchPackets bounds how many packets Connection.flushOutbound gathers
// into a single vectorised write before handing them to the transport.
const maxBatchPackets = 16

// Connection drives one physical transport (dialed or accepted) on behalf
// of its ConnectionPool: it pulls pool-assigned messages through a
// MessageWriter onto the wire, and feeds bytes off the wire through a
// MessageReader back to the pool/service (spec.md §4.4).
//
// Connection's own fields are touched from two contexts: the reactor's
// goroutines (recvLoop/sendLoop) and the Service/ConnectionPool under the
// pool's stripe mutex. Every cross-goroutine access funnels through
// withPoolLock, so Connection itself holds no lock of its own beyond the
// channels used to wake its loops (grounded on smux's Session, whose
// recvLoop/keepalive/shaperLoop goroutines coordinate purely via channels
// over a similarly lock-free core).
type Connection struct {
	id   uint32
	pool *ConnectionPool
	svc  *Service

	state    ConnectionState
	outgoing bool
	address  string

	netConn net.Conn
	writer  *MessageWriter
	reader  *MessageReader

	reactor  Reactor
	resolver Resolver

	notifyCh chan struct{}
	closeCh  chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	killed bool
}

func newConnection(id uint32, pool *ConnectionPool, svc *Service, outgoing bool, address string) *Connection {
	framer := svc.newFramer()
	c := &Connection{
		id:       id,
		pool:     pool,
		svc:      svc,
		state:    StateInit,
		outgoing: outgoing,
		address:  address,
		reactor:  svc.config.Reactor,
		resolver: svc.config.Resolver,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	c.writer = NewMessageWriter(framer, svc.registry,
		svc.config.MaxWriterMultiplexMessageCount,
		svc.config.MaxWriterWaitingMessageCount,
		svc.config.MaxWriterPendingMessageCount,
		svc.config.MaxWriterMessageContinuousPacketCount)
	c.reader = NewMessageReader(framer, svc.registry, c)
	return c
}

// withPoolLock runs fn with this connection's pool stripe mutex held,
// matching the lock ordering from spec.md §5 (service mutex before pool
// stripe; here we only need the stripe, since Connection's identity is
// fixed once constructed).
func (c *Connection) withPoolLock(fn func()) {
	mu := c.svc.poolMutex(c.pool.id)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// start moves the connection into Connecting (accepted: it is already
// physically connected, so this is purely the pending-to-active interval
// before activate_connection runs) or Resolving (outgoing: a dial is
// about to start). Either way it ends at activate_connection, which is
// what actually reaches Active and hands the connection to the reactor.
func (c *Connection) start(accepted net.Conn) {
	if !c.outgoing {
		c.netConn = accepted
		c.state = StateConnecting
		c.svc.activateConnection(c, c.svc.config.InitMsgFactory, true)
		return
	}

	c.state = StateResolving
	go c.dial()
}

func (c *Connection) dial() {
	addrs, err := c.resolver.Resolve(c.svc.baseContext(), c.address)
	c.withPoolLock(func() { c.pool.pendingResolveCount-- })
	if err != nil || len(addrs) == 0 {
		c.withPoolLock(func() { c.fail(ErrConnectionInexistent) })
		return
	}

	c.withPoolLock(func() { c.state = StateConnecting })

	conn, err := net.DialTimeout("tcp", addrs[0], 10*time.Second)
	if err != nil {
		c.withPoolLock(func() { c.fail(ErrConnectionInexistent) })
		return
	}

	stopped := false
	c.withPoolLock(func() {
		if c.state == StateStopping || c.state == StateStopped {
			stopped = true
			return
		}
		c.netConn = conn
	})
	if stopped {
		conn.Close()
		return
	}

	c.svc.activateConnection(c, c.svc.config.InitMsgFactory, true)
}

// activate is activate_connection's "activation signal" (spec.md §4.6):
// send initMsgFactory's message first, if any, ahead of anything the pool
// might assign this connection, then flip it to Active and start the
// reactor. Must be called with the pool stripe lock held.
func (c *Connection) activate(initMsgFactory func() Message) {
	if initMsgFactory != nil {
		if bundle, err := c.svc.bundleFor(initMsgFactory()); err == nil {
			c.writer.enqueue(bundle, -1)
		}
	}
	c.state = StateActive
	c.reactor.Start(c)
}

// notifyNewMessage wakes the connection's send loop to pull freshly
// assigned work from its pool. Returns false if the connection cannot
// accept work right now (not yet Active, or already stopping).
func (c *Connection) notifyNewMessage() bool {
	if c.state != StateActive {
		return false
	}
	c.reactor.Notify(c)
	return true
}

// pumpOutbound drains as much pool-assigned work as the writer has room
// for. Called from the send loop, under the pool's stripe lock.
func (c *Connection) pumpOutbound() {
	if c.state != StateActive {
		return
	}
	for c.writer.hasRoom() {
		bundle, msgID, ok := c.pool.checkPoolForNewMessages(c.id)
		if !ok {
			return
		}
		if bundle.Flags.has(Canceled) {
			bundle.complete(nil, ErrCanceled)
			continue
		}
		poolSlot := int32(-1)
		if s := &c.pool.slots[msgID.Index]; s.inUse && s.unique == msgID.Unique {
			poolSlot = int32(msgID.Index)
		}
		if err := c.writer.enqueue(bundle, poolSlot); err != nil {
			bundle.complete(nil, err)
			if err == ErrGoAway {
				// Wire-id space is exhausted: this connection can no
				// longer carry new messages. Retire it; the pool rescues
				// anything already in flight and spawns a replacement.
				c.fail(err)
				return
			}
		}
	}
}

// hasRoom reports whether MessageWriter can accept at least one more
// message right now, mirroring enqueue's own admission ladder so
// pumpOutbound doesn't pull work from the pool that enqueue would just
// reject.
func (w *MessageWriter) hasRoom() bool {
	return (w.writeQCount < w.maxMultiplex && w.liveSlots < w.maxWaiting) || w.pendingQCount < w.maxPending
}

// flushOutbound fills up to maxBatchPackets packets from the writer and
// writes them to the transport in a single vectorised syscall via
// sagernet/sing's scatter-gather writer when the transport supports it,
// falling back to sequential Write otherwise. Returns the number of
// packets written.
func (c *Connection) flushOutbound() int {
	maxPacket := c.writer.framer.MaxPacket
	var pooled []*[]byte
	var buffers [][]byte
	closing := false

	for len(buffers) < maxBatchPackets {
		pb := defaultBufferPool.Get(maxPacket)
		n, didClose, err := c.writer.fillPacket(*pb)
		if err != nil {
			defaultBufferPool.Put(pb)
			for _, p := range pooled {
				defaultBufferPool.Put(p)
			}
			c.withPoolLock(func() { c.fail(err) })
			return len(buffers)
		}
		if didClose {
			closing = true
			defaultBufferPool.Put(pb)
			continue
		}
		if n == 0 {
			defaultBufferPool.Put(pb)
			break
		}
		pooled = append(pooled, pb)
		buffers = append(buffers, (*pb)[:n])
	}

	if len(buffers) > 0 {
		c.writeBuffers(buffers)
	}
	for _, pb := range pooled {
		defaultBufferPool.Put(pb)
	}
	if closing {
		c.withPoolLock(func() { c.finishStop(ErrConnectionClosed) })
	}
	return len(buffers)
}

func (c *Connection) writeBuffers(buffers [][]byte) {
	if vw, ok := bufio.CreateVectorisedWriter(c.netConn); ok {
		if err := vw.WriteVectorised(buffers); err != nil {
			c.withPoolLock(func() { c.fail(err) })
		}
		return
	}
	for _, b := range buffers {
		if _, err := c.netConn.Write(b); err != nil {
			c.withPoolLock(func() { c.fail(err) })
			return
		}
	}
}

// sendControlPacket writes a single non-message packet (CancelMessage,
// CancelRequest, AckCount, Update) directly to the wire, bypassing the
// writer's multiplexing (control packets are small and unordered with
// respect to message segments).
func (c *Connection) sendControlPacket(typ PacketType, payload []byte) {
	buf := make([]byte, headerSize+len(payload))
	copy(buf[headerSize:], payload)
	n, err := c.writer.framer.FinishPacket(buf, typ, len(payload))
	if err != nil {
		return
	}
	c.writeBuffers([][]byte{buf[:n]})
}

func (c *Connection) sendKeepAlive() {
	buf := make([]byte, headerSize)
	n, err := c.writer.framer.FinishPacket(buf, KeepAlive, 0)
	if err != nil {
		return
	}
	c.writeBuffers([][]byte{buf[:n]})
}

// sendLoop is the default Reactor's outbound goroutine: whenever notified
// or on the keepalive tick, drain the pool and flush the wire.
func (c *Connection) sendLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		c.withPoolLock(c.pumpOutbound)
		if c.flushOutbound() > 0 {
			continue
		}
		select {
		case <-c.notifyCh:
		case <-ticker.C:
			c.sendKeepAlive()
		case <-c.closeCh:
			return
		}
	}
}

// recvLoop is the default Reactor's inbound goroutine: read one packet at
// a time and hand it to MessageReader.
func (c *Connection) recvLoop() {
	defer c.wg.Done()
	head := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(c.netConn, head); err != nil {
			c.withPoolLock(func() { c.fail(ErrConnectionClosed) })
			return
		}
		h, err := DecodeHeader(head)
		if err != nil {
			c.withPoolLock(func() { c.fail(err) })
			return
		}
		rawBuf := defaultBufferPool.Get(int(h.Size))
		raw := *rawBuf
		copy(raw, head)
		if h.PayloadLen() > 0 {
			if _, err := io.ReadFull(c.netConn, raw[headerSize:]); err != nil {
				defaultBufferPool.Put(rawBuf)
				c.withPoolLock(func() { c.fail(ErrConnectionClosed) })
				return
			}
		}
		err = c.reader.OnPacket(raw)
		defaultBufferPool.Put(rawBuf)
		if err != nil {
			c.withPoolLock(func() { c.fail(err) })
			return
		}
		select {
		case <-c.closeCh:
			return
		default:
		}
	}
}

// OnMessage implements Receiver: route a response back to its waiting
// sender, or hand a fresh inbound message up to the Service.
func (c *Connection) OnMessage(bundle MessageBundle) {
	if bundle.Flags.has(BackOnSender) {
		if c.writer.completeAwaiting(bundle.ResponseID, bundle.Value) {
			return
		}
	}
	c.svc.deliverInbound(c, bundle)
}

// OnControl implements Receiver for the non-message packet types.
func (c *Connection) OnControl(typ PacketType, payload []byte) error {
	switch typ {
	case CancelMessage:
		if len(payload) < 2 {
			return ErrBadPacket
		}
		wireID := uint16(payload[0])<<8 | uint16(payload[1])
		c.reader.cancel(wireID)
		return nil
	case CancelRequest, AckCount, Update:
		c.svc.handlePeerControl(c, typ, payload)
		return nil
	default:
		return nil
	}
}

// completeAwaiting looks up a WriteSlot parked AwaitingResponse for
// requestID and completes it with value, freeing the slot. Returns false
// if no such slot exists (a response arrived for an id this writer is not
// tracking, e.g. after a reconnect).
func (w *MessageWriter) completeAwaiting(requestID uint64, value interface{}) bool {
	for i := range w.slots {
		s := &w.slots[i]
		if s.state == wsAwaitingResponse && s.bundle.RequestID == requestID {
			s.bundle.complete(value, nil)
			s.state = wsCompleted
			w.freeSlot(int32(i))
			return true
		}
	}
	return false
}

// cancel drops an in-progress inbound message without ever reporting it,
// per a peer's CancelMessage packet.
func (r *MessageReader) cancel(wireID uint16) {
	delete(r.slots, wireID)
}

// beginStop transitions into Stopping: enqueue the terminal sentinel so
// the writer drains in-flight work and then reports closing=true from
// fillPacket, at which point flushOutbound calls finishStop.
func (c *Connection) beginStop(graceful bool) {
	if c.state == StateStopping || c.state == StateStopped {
		return
	}
	c.state = StateStopping
	c.pool.onConnectionWantStop(c.id)
	if graceful {
		c.writer.enqueue(terminalSentinel(), -1)
		c.reactor.Notify(c)
		return
	}
	c.finishStop(ErrConnectionClosed)
}

// finishStop releases the connection's resources and rescues any unsent
// work back into the pool. Must be called with the pool stripe lock held.
func (c *Connection) finishStop(cause error) {
	if c.state == StateStopped {
		return
	}
	wasActive := c.state == StateActive || c.state == StateStopping
	wasPending := c.state == StateResolving || c.state == StateConnecting
	c.state = StateStopped

	unsent := c.writer.unsentMessages()
	c.writer.completeAll(cause)

	c.stopOnce.Do(func() { close(c.closeCh) })
	if c.netConn != nil {
		c.netConn.Close()
	}

	c.pool.onConnectionClose(c.id, wasActive, wasPending, unsent, cause)
	c.svc.dropPoolIfEmpty(c.pool)
	c.svc.forgetConnection(c.id)
	if c.svc.config.ConnectionStopFunc != nil {
		c.svc.config.ConnectionStopFunc(c)
	}
}

// fail is the common path for any fatal I/O or protocol error observed by
// either loop: it kills the connection immediately (no drain).
func (c *Connection) fail(cause error) {
	if c.state == StateStopped {
		return
	}
	c.finishStop(cause)
}

// kill forcibly and immediately terminates the connection, bypassing the
// graceful drain (spec.md §6's forced_close).
func (c *Connection) kill() {
	c.withPoolLock(func() {
		c.killed = true
		c.finishStop(ErrConnectionKilled)
	})
}

// close requests an orderly close: in-flight messages finish sending,
// then the connection stops.
func (c *Connection) close() {
	c.withPoolLock(func() { c.beginStop(true) })
}
