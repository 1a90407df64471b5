package netmux

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ConnectionLifecycleFunc is invoked when a connection reaches a notable
// lifecycle point (spec.md §6's optional connection_{start_incoming,
// start_outgoing,stop}_fnc hooks).
type ConnectionLifecycleFunc func(conn *Connection)

// InboundHandler receives messages that complete on a connection and are
// not themselves a response to one of this side's WaitResponse sends.
type InboundHandler func(connID uint32, msg Message)

// Config holds every option a Service recognizes (spec.md §6).
type Config struct {
	MaxPerPoolConnectionCount              int
	MaxWriterMultiplexMessageCount         int
	MaxWriterWaitingMessageCount           int
	MaxWriterPendingMessageCount           int
	MaxWriterMessageContinuousPacketCount  int
	SessionMutexCount                      int
	MaxPacketSize                          int
	ListenAddress                          string
	DefaultListenPort                      string
	ServerOnly                             bool
	MsgCancelConnectionWaitSeconds         int
	ConnectionStartState                   ConnectionState

	InplaceCompressFunc   CompressFunc
	InplaceDecompressFunc DecompressFunc

	ConnectionStartIncomingFunc ConnectionLifecycleFunc
	ConnectionStartOutgoingFunc ConnectionLifecycleFunc
	ConnectionStopFunc          ConnectionLifecycleFunc

	OnMessage InboundHandler

	// AcceptPoolNameFunc resolves an accepted socket to the recipient-pool
	// name activate_connection should attach it to (spec.md §4.6 case 2). A
	// nil func defaults to the remote address; a func returning "" selects
	// case 1 instead (a pure accepted connection with no pool at all).
	AcceptPoolNameFunc func(netConn net.Conn) string

	// InitMsgFactory, if set, is invoked by activate_connection for every
	// connection (accepted or outgoing) right before the activation signal;
	// its message is enqueued ahead of anything the pool might assign
	// (spec.md §4.6's init_msg_factory).
	InitMsgFactory func() Message

	Reactor  Reactor
	Resolver Resolver
}

// DefaultConfig returns sane defaults for every threshold, matching the
// teacher's own conservative defaults (xtaci/smux's 4096-stream, 65536-
// byte-frame ceilings) scaled to this runtime's message-oriented model.
func DefaultConfig() Config {
	return Config{
		MaxPerPoolConnectionCount:             4,
		MaxWriterMultiplexMessageCount:        32,
		MaxWriterWaitingMessageCount:          256,
		MaxWriterPendingMessageCount:          1024,
		MaxWriterMessageContinuousPacketCount: 4,
		SessionMutexCount:                     16,
		MaxPacketSize:                         MaxPacketSize,
		DefaultListenPort:                     "7777",
		MsgCancelConnectionWaitSeconds:        5,
		ConnectionStartState:                  StateInit,
		Reactor:                               NewGoroutineReactor(),
		Resolver:                              NewDefaultResolver(),
	}
}

// Service is the top-level runtime object (spec.md §4.6): it owns the
// pool directory, the striped pool-mutex array, the connection directory,
// and the listener for accepted connections.
type Service struct {
	serviceMu   sync.Mutex
	poolsByName map[string]*ConnectionPool
	poolsByID   map[uint32]*ConnectionPool
	nextPoolID  uint32

	poolStripes []sync.Mutex

	connMu      sync.Mutex
	connections map[uint32]*Connection
	nextConnID  uint32

	registry *TypeRegistry
	config   Config
	log      *Logger

	listener net.Listener
	closeCh  chan struct{}
	closeWG  sync.WaitGroup
}

// NewService constructs a Service. registry must already have every
// message type the application will send or receive registered.
func NewService(registry *TypeRegistry, config Config) *Service {
	if config.SessionMutexCount <= 0 {
		config.SessionMutexCount = 1
	}
	if config.Reactor == nil {
		config.Reactor = NewGoroutineReactor()
	}
	if config.Resolver == nil {
		config.Resolver = NewDefaultResolver()
	}
	return &Service{
		poolsByName: make(map[string]*ConnectionPool),
		poolsByID:   make(map[uint32]*ConnectionPool),
		poolStripes: make([]sync.Mutex, config.SessionMutexCount),
		connections: make(map[uint32]*Connection),
		registry:    registry,
		config:      config,
		log:         NewLogger("netmux"),
		closeCh:     make(chan struct{}),
		nextConnID:  1,
		nextPoolID:  1,
	}
}

// Reconfigure replaces the Service's Config. Existing connections keep the
// writer/reader/framer built from the config snapshot active at their
// construction; pool-level limits such as MaxPerPoolConnectionCount are
// read from the current Config on each use, so existing pools observe them
// at once. The new Config is not validated, no listener is opened or
// closed, and the pool-mutex stripe count stays as NewService set it.
func (s *Service) Reconfigure(config Config) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	if config.Reactor == nil {
		config.Reactor = s.config.Reactor
	}
	if config.Resolver == nil {
		config.Resolver = s.config.Resolver
	}
	s.config = config
}

func (s *Service) poolMutex(poolID uint32) *sync.Mutex {
	return &s.poolStripes[poolID%uint32(len(s.poolStripes))]
}

func (s *Service) newFramer() *PacketFramer {
	return NewPacketFramer(s.config.MaxPacketSize, s.config.InplaceCompressFunc, s.config.InplaceDecompressFunc)
}

func (s *Service) baseContext() context.Context { return context.Background() }

// getOrCreatePool returns the named pool, creating it (under the service
// mutex, then immediately releasing it before anyone touches the pool's
// own stripe) if it does not exist yet.
func (s *Service) getOrCreatePool(name string) *ConnectionPool {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	if p, ok := s.poolsByName[name]; ok {
		return p
	}
	id := s.nextPoolID
	s.nextPoolID++
	p := newConnectionPool(id, name, s)
	s.poolsByName[name] = p
	s.poolsByID[id] = p
	return p
}

func (s *Service) lookupPoolByID(id uint32) (*ConnectionPool, bool) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	p, ok := s.poolsByID[id]
	return p, ok
}

// dropPoolIfEmpty removes a pool from the directory once it has no slots
// and no connections left (called after ConnectionPool.clear()).
func (s *Service) dropPoolIfEmpty(p *ConnectionPool) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	if p.isEmpty() {
		delete(s.poolsByName, p.name)
		delete(s.poolsByID, p.id)
	}
}

func (s *Service) registerConnection(c *Connection) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connections[c.id] = c
}

func (s *Service) forgetConnection(id uint32) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.connections, id)
}

func (s *Service) lookupConnection(id uint32) (*Connection, bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	c, ok := s.connections[id]
	return c, ok
}

func (s *Service) allocConnID() uint32 {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	id := s.nextConnID
	s.nextConnID++
	return id
}

// notifyConnection wakes connID's send loop. Called by ConnectionPool
// while already holding that pool's stripe lock.
func (s *Service) notifyConnection(id uint32) bool {
	c, ok := s.lookupConnection(id)
	if !ok {
		return false
	}
	return c.notifyNewMessage()
}

// spawnConnection dials a new outgoing connection for pool (whose name is
// used as the dial address, per this Service's pooling convention: one
// pool per logical remote endpoint). Called by ConnectionPool.wakeAfterSend
// while already holding that pool's stripe lock. Of the reservation made
// by the caller, pendingResolveCount is released by dial() as soon as the
// resolver returns, and pendingConnectionCount once dial() either fails
// (via Connection.fail -> onConnectionClose) or succeeds (via
// activateConnection).
func (s *Service) spawnConnection(pool *ConnectionPool) {
	if s.config.ServerOnly {
		pool.pendingConnectionCount--
		pool.pendingResolveCount--
		return
	}
	id := s.allocConnID()
	c := newConnection(id, pool, s, true, pool.name)
	s.registerConnection(c)
	c.start(nil)
}

// ListenAndServe opens the configured listen address and accepts
// connections until Close is called.
func (s *Service) ListenAndServe() error {
	addr := s.config.ListenAddress
	if addr == "" {
		addr = net.JoinHostPort("", s.config.DefaultListenPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "netmux: listen")
	}
	s.listener = ln
	s.closeWG.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Service) acceptLoop() {
	defer s.closeWG.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				s.log.Warningf("accept: %v", err)
				return
			}
		}
		s.handleAccepted(netConn)
	}
}

// handleAccepted resolves an accepted socket's recipient pool (spec.md
// §4.6 cases 1/2, via AcceptPoolNameFunc) and runs it through
// activate_connection. The pending-connection slot reserved here is
// released by activateConnection, mirroring the reservation
// ConnectionPool.wakeAfterSend makes before spawning an outgoing
// connection.
func (s *Service) handleAccepted(netConn net.Conn) {
	addr := netConn.RemoteAddr().String()
	recipientName := addr
	if s.config.AcceptPoolNameFunc != nil {
		recipientName = s.config.AcceptPoolNameFunc(netConn)
	}

	var pool *ConnectionPool
	if recipientName == "" {
		pool = s.newPrivatePool()
	} else {
		pool = s.getOrCreatePool(recipientName)
	}

	id := s.allocConnID()
	c := newConnection(id, pool, s, false, addr)
	s.registerConnection(c)

	mu := s.poolMutex(pool.id)
	mu.Lock()
	pool.pendingConnectionCount++
	mu.Unlock()

	c.start(netConn)
}

// newPrivatePool allocates a pool for an accepted connection whose
// activate_connection call deliberately leaves recipient_name empty
// (spec.md §4.6 case 1: "a pure server-side accepted connection with no
// pool"). It gets a real pool id, so Connection/finishStop's invariant
// that every connection has a non-nil pool still holds, but it is never
// registered under a name, so no Send call can ever reach it and
// max_per_pool_connection_count is trivially satisfied by its single
// occupant.
func (s *Service) newPrivatePool() *ConnectionPool {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	id := s.nextPoolID
	s.nextPoolID++
	p := newConnectionPool(id, "", s)
	s.poolsByID[id] = p
	return p
}

// Close stops accepting new connections and forcibly closes every live
// connection.
func (s *Service) Close() error {
	close(s.closeCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.closeWG.Wait()

	s.connMu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.kill()
	}
	return nil
}

// Send enqueues msg on the pool named poolName, creating the pool (and,
// eventually, its first connection) if it does not yet exist.
func (s *Service) Send(poolName string, msg Message) (MessageId, error) {
	bundle, err := s.bundleFor(msg)
	if err != nil {
		return MessageId{}, err
	}
	pool := s.getOrCreatePool(poolName)
	return s.sendToPool(pool, bundle)
}

// SendToPoolID is the pool-id variant of Send, for callers that already
// hold a MessageId/pool id pair from a previous Send.
func (s *Service) SendToPoolID(poolID uint32, msg Message) (MessageId, error) {
	pool, ok := s.lookupPoolByID(poolID)
	if !ok {
		return MessageId{}, ErrPoolInexistent
	}
	bundle, err := s.bundleFor(msg)
	if err != nil {
		return MessageId{}, err
	}
	return s.sendToPool(pool, bundle)
}

// SendToConnection is the connection-id variant: it bypasses pool
// scheduling entirely and enqueues directly onto one already-established
// connection's writer. This is how responses to WaitResponse messages are
// normally sent back, since a reply belongs on the same wire its request
// arrived on, not wherever the pool scheduler would otherwise place it.
func (s *Service) SendToConnection(connID uint32, msg Message) error {
	bundle, err := s.bundleFor(msg)
	if err != nil {
		return err
	}
	c, ok := s.lookupConnection(connID)
	if !ok {
		return ErrConnectionInexistent
	}
	var enqErr error
	c.withPoolLock(func() {
		enqErr = c.writer.enqueue(bundle, -1)
		if enqErr == nil {
			c.reactor.Notify(c)
		}
	})
	return enqErr
}

func (s *Service) bundleFor(msg Message) (MessageBundle, error) {
	idx, ok := s.registry.IndexOfValue(msg.Value)
	if !ok {
		return MessageBundle{}, ErrTypeNotRegistered
	}
	return MessageBundle{
		Value:      msg.Value,
		TypeIndex:  idx,
		Flags:      msg.Flags,
		RequestID:  msg.RequestID,
		ResponseID: msg.ResponseID,
		Completion: msg.Completion,
	}, nil
}

func (s *Service) sendToPool(pool *ConnectionPool, bundle MessageBundle) (MessageId, error) {
	mu := s.poolMutex(pool.id)
	mu.Lock()
	defer mu.Unlock()
	trackable := bundle.Flags.has(WaitResponse) || bundle.Flags.has(Synchronous)
	id := pool.doSend(bundle, trackable)
	pool.wakeAfterSend(bundle.Flags)
	return id, nil
}

// CancelMessage cancels a previously-sent message, identified by the pool
// it was sent on and the MessageId Send returned (spec.md §4.5). Canceling
// a stale or already-delivered id is a silent no-op.
func (s *Service) CancelMessage(poolID uint32, id MessageId) error {
	pool, ok := s.lookupPoolByID(poolID)
	if !ok {
		return ErrPoolInexistent
	}
	mu := s.poolMutex(pool.id)
	mu.Lock()
	defer mu.Unlock()
	pool.cancelMessage(id)
	return nil
}

// sendCancelVisitor asks connID's writer to drop a message it is holding
// for poolSlotIndex, if it has not yet started serializing it.
func (s *Service) sendCancelVisitor(connID uint32, id MessageId) {
	c, ok := s.lookupConnection(connID)
	if !ok {
		return
	}
	c.withPoolLock(func() { c.writer.cancelByPoolSlot(int32(id.Index)) })
}

// sendPushCanceledVisitor notifies the peer, over connID, that the message
// it is receiving the continuation of (if any) has been canceled
// application-side. The wire-level correlation is necessarily coarse (a
// 16-bit hint derived from the local pool slot index). On the receiving
// side, Connection.OnControl passes CancelRequest to handlePeerControl,
// which only logs it; no application callback receives it (see DESIGN.md).
func (s *Service) sendPushCanceledVisitor(connID uint32, id MessageId) {
	c, ok := s.lookupConnection(connID)
	if !ok {
		return
	}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(id.Index))
	c.withPoolLock(func() { c.sendControlPacket(CancelRequest, payload) })
}

// scheduleCancelGraceExpiry arranges for pool's cancel-delivery connection
// designation to lapse after MsgCancelConnectionWaitSeconds if no
// replacement has claimed it by then (spec.md §4.5's
// on_connection_want_stop grace period).
func (s *Service) scheduleCancelGraceExpiry(pool *ConnectionPool) {
	d := time.Duration(s.config.MsgCancelConnectionWaitSeconds) * time.Second
	time.AfterFunc(d, func() {
		mu := s.poolMutex(pool.id)
		mu.Lock()
		defer mu.Unlock()
		if pool.msgCancelConnectionStopping {
			pool.isStopping = true
			pool.msgCancelConnectionStopping = false
		}
	})
}

// deliverInbound hands a fully-assembled inbound message (not a response
// to one of our own WaitResponse sends) up to the application.
func (s *Service) deliverInbound(c *Connection, bundle MessageBundle) {
	if s.config.OnMessage == nil {
		return
	}
	s.config.OnMessage(c.id, Message{
		Value:      bundle.Value,
		Flags:      bundle.Flags,
		RequestID:  bundle.RequestID,
		ResponseID: bundle.ResponseID,
	})
}

// handlePeerControl handles the control packet types that are not routed
// through MessageReader's cancel path.
func (s *Service) handlePeerControl(c *Connection, typ PacketType, payload []byte) {
	s.log.Debugf("connection %d: received control packet %s (%d bytes)", c.id, typ, len(payload))
}

// activateConnection implements spec.md §4.6's activate_connection: the
// single transition point where a freshly accepted or freshly connected
// socket, already holding a pendingConnectionCount reservation made by its
// caller (handleAccepted or ConnectionPool.wakeAfterSend), is admitted
// into its pool and flipped live, or closed instead.
//
// Any pool lookup/creation this needed (getOrCreatePool, newPrivatePool)
// has already happened by the time this runs, so only the pool stripe is
// taken here, released, then re-taken via withPoolLock for the actual
// state transition (spec.md §5: service mutex, when needed, always comes
// before the pool stripe, never interleaved with it).
//
// Returns whether the connection was activated (false means it was
// closed instead, per may_quit, because the pool is already at
// max_per_pool_connection_count).
func (s *Service) activateConnection(c *Connection, initMsgFactory func() Message, mayQuit bool) bool {
	pool := c.pool
	mu := s.poolMutex(pool.id)
	mu.Lock()

	// The pendingConnectionCount reservation is only released here, in the
	// same critical section as the activeConnectionCount increment, so
	// that a decline (below) leaves the reservation in place for
	// finishStop's ordinary wasPending accounting (c.state is still
	// Resolving/Connecting at that point) to release exactly once.
	max := s.config.MaxPerPoolConnectionCount
	if pool.activeConnectionCount+1 > max && mayQuit {
		mu.Unlock()
		c.withPoolLock(func() { c.fail(ErrPoolFull) })
		return false
	}

	pool.pendingConnectionCount--
	pool.activeConnectionCount++
	if pool.cancelConnID == 0 {
		pool.designateCancelConnection(c.id)
	}
	mu.Unlock()

	c.withPoolLock(func() { c.activate(initMsgFactory) })

	if c.outgoing {
		if s.config.ConnectionStartOutgoingFunc != nil {
			s.config.ConnectionStartOutgoingFunc(c)
		}
	} else if s.config.ConnectionStartIncomingFunc != nil {
		s.config.ConnectionStartIncomingFunc(c)
	}
	return true
}

// WarmPool forces a pool to consider spawning a new outgoing connection
// right now, even without a pending send (spec.md §6). Useful for warming
// a pool ahead of traffic.
func (s *Service) WarmPool(poolName string) error {
	if s.config.ServerOnly {
		return ErrServerOnly
	}
	pool := s.getOrCreatePool(poolName)
	mu := s.poolMutex(pool.id)
	mu.Lock()
	defer mu.Unlock()
	max := s.config.MaxPerPoolConnectionCount
	if pool.activeConnectionCount+pool.pendingConnectionCount >= max {
		return nil
	}
	pool.pendingConnectionCount++
	pool.pendingResolveCount++
	s.spawnConnection(pool)
	return nil
}

// DelayedClose requests an orderly close of connID: in-flight messages
// finish sending, then the connection stops (spec.md §6).
func (s *Service) DelayedClose(connID uint32) error {
	c, ok := s.lookupConnection(connID)
	if !ok {
		return ErrConnectionInexistent
	}
	c.close()
	return nil
}

// ForcedClose immediately kills connID, failing any in-flight messages.
func (s *Service) ForcedClose(connID uint32) error {
	c, ok := s.lookupConnection(connID)
	if !ok {
		return ErrConnectionInexistent
	}
	c.kill()
	return nil
}
