package netmux

// Reactor is the pluggable I/O driver for a Connection (spec.md §4.4 and
// §6): given an Active connection, it is responsible for eventually
// calling the connection's send/receive paths until told to stop. Most
// callers use the shipped goroutineReactor; the interface exists so a
// Service embedded in an event-loop-based host (e.g. one futures/epoll
// runtime) can drive connections on its own loop instead of spawning
// goroutines.
type Reactor interface {
	// Start begins driving conn's I/O. Must not block.
	Start(conn *Connection)
	// Notify wakes conn's outbound path to check for freshly queued work.
	// Safe to call from any goroutine, including before Start or after
	// the connection has stopped (a no-op then).
	Notify(conn *Connection)
}

// goroutineReactor is the default Reactor: one sendLoop goroutine and one
// recvLoop goroutine per connection, coordinating via channels. Grounded
// on xtaci/smux's Session, which spawns an equivalent recvLoop/sendLoop/
// keepalive trio off of session construction.
type goroutineReactor struct{}

// NewGoroutineReactor returns the default goroutine-per-connection Reactor.
func NewGoroutineReactor() Reactor { return goroutineReactor{} }

func (goroutineReactor) Start(conn *Connection) {
	conn.wg.Add(2)
	go conn.sendLoop()
	go conn.recvLoop()
}

func (goroutineReactor) Notify(conn *Connection) {
	select {
	case conn.notifyCh <- struct{}{}:
	default:
	}
}
