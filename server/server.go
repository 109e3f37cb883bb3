// Package server implements the RUDP demultiplexer: one shared UDP
// socket fanning datagrams out to per-peer sessions, and routing
// application sends back down by opaque connection identifier.
package server

import (
	"errors"
	"log"
	"net"
	"sync"

	"github.com/gorudp/rudp/internal/bufpool"
	"github.com/gorudp/rudp/rudp"
)

// ReceivedSegment is handed to the application callback for each
// in-order segment a session releases.
type ReceivedSegment struct {
	Flags      byte
	HeaderSize byte
	Payload    []byte
}

// OnReceive is invoked whenever one or more in-order segments are ready
// for a connection (spec.md §6's constructor callback).
type OnReceive func(srv *Server, connID uint32, segments []ReceivedSegment)

// Server owns one UDP socket and demultiplexes it across sessions keyed
// by peer address, plus a connection-id↔endpoint binding on top.
type Server struct {
	conn *net.UDPConn
	pool *bufpool.Pool

	onReceive OnReceive
	debug     bool

	mu       sync.Mutex
	sessions map[string]*rudp.Session // endpoint string -> session
	idToAddr map[uint32]net.Addr      // connection id -> endpoint
	addrToID map[string]uint32        // endpoint -> connection id
	onClose  map[string]func()        // endpoint -> on_close hook from Connect

	closeSignal chan struct{}
	wg          sync.WaitGroup
}

// Listen binds a UDP socket on addr and starts the receive loop. onReceive
// is called from the receive-loop goroutine for every batch of in-order
// segments a session releases. poolSize sizes the ring pool the receive
// loop borrows datagram buffers from (config.AppConfig.PoolSize); debug
// gates the per-datagram trace logging receiveLoop and handleDatagram emit
// beyond the errors they always log.
func Listen(addr string, onReceive OnReceive, poolSize int, debug bool) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	srv := newServer(conn, onReceive, poolSize, debug)
	srv.wg.Add(1)
	go srv.receiveLoop()
	return srv, nil
}

func newServer(conn *net.UDPConn, onReceive OnReceive, poolSize int, debug bool) *Server {
	return &Server{
		conn:        conn,
		pool:        bufpool.New("RUDP: ", poolSize),
		onReceive:   onReceive,
		debug:       debug,
		sessions:    make(map[string]*rudp.Session),
		idToAddr:    make(map[uint32]net.Addr),
		addrToID:    make(map[string]uint32),
		onClose:     make(map[string]func()),
		closeSignal: make(chan struct{}),
	}
}

// LocalAddr returns the bound local address.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) write(b []byte, addr net.Addr) (int, error) {
	return s.conn.WriteTo(b, addr)
}

// receiveLoop is the demultiplexer's single reader: it posts a receive,
// and on completion immediately re-posts, exactly as spec.md §4.4
// describes. A borrowed buffer is returned to the pool as soon as its
// bytes have been copied out for session processing.
func (s *Server) receiveLoop() {
	defer s.wg.Done()
	for {
		elem := s.pool.Get()
		n, addr, err := s.conn.ReadFrom(elem.Bytes()[:bufpool.DatagramSize])
		if err != nil {
			select {
			case <-s.closeSignal:
				return
			default:
			}
			log.Printf("rudp: receive loop: %v", err)
			continue
		}
		datagram := append([]byte(nil), elem.Bytes()[:n]...)
		s.pool.Return(elem)
		if s.debug {
			log.Printf("rudp: received %d bytes from %s", n, addr)
		}
		s.handleDatagram(datagram, addr)
	}
}

func (s *Server) handleDatagram(datagram []byte, addr net.Addr) {
	key := addr.String()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	isSyn := len(datagram) > 0 && datagram[0]&rudp.FlagSYN != 0
	// A SYN-ACK is the peer's reply to this side's own Connect, not a
	// new handshake, so only a bare SYN counts as a collision.
	if isSyn && ok && datagram[0]&rudp.FlagACK == 0 {
		// SYN collision: the peer is restarting a handshake against an
		// endpoint we already have an established session for. Replace
		// it wholesale rather than handing the new SYN to the old
		// session, which would simply reject it (spec.md §7).
		delete(s.sessions, key)
		if id, bound := s.addrToID[key]; bound {
			delete(s.idToAddr, id)
			delete(s.addrToID, key)
		}
		delete(s.onClose, key)
		s.mu.Unlock()
		sess.Close()
		sess = nil
		ok = false
		s.mu.Lock()
	}
	if !ok {
		if !isSyn {
			s.mu.Unlock()
			return
		}
		sess = s.newSessionLocked(addr, false)
	}
	s.mu.Unlock()

	received, err := sess.Receive(datagram)
	if err != nil {
		if errors.Is(err, rudp.ErrInvalidPacket) {
			log.Printf("rudp: invalid packet from %s: %v", addr, err)
			return
		}
		log.Printf("rudp: receive from %s: %v", addr, err)
		return
	}
	if s.debug && len(received) > 0 {
		log.Printf("rudp: %s released %d segment(s)", addr, len(received))
	}
	if len(received) > 0 && s.onReceive != nil {
		s.mu.Lock()
		id, bound := s.addrToID[key]
		s.mu.Unlock()
		if bound {
			segs := make([]ReceivedSegment, len(received))
			for i, seg := range received {
				segs[i] = ReceivedSegment{Flags: seg.Flags, HeaderSize: seg.HeaderSize, Payload: seg.Payload()}
			}
			s.onReceive(s, id, segs)
		}
	}

	if len(datagram) > 0 && datagram[0]&rudp.FlagRST != 0 {
		s.dropSession(key)
	}
}

func (s *Server) newSessionLocked(addr net.Addr, client bool) *rudp.Session {
	key := addr.String()
	cfg := rudp.DefaultSessionConfig()
	sess := rudp.NewSession(addr, client, cfg, s.write, func(sess *rudp.Session) {
		s.onSessionClosed(key, sess)
	})
	s.sessions[key] = sess
	s.idToAddr[cfg.ConnectionIdentifier] = addr
	s.addrToID[key] = cfg.ConnectionIdentifier
	return sess
}

func (s *Server) onSessionClosed(key string, sess *rudp.Session) {
	s.mu.Lock()
	if s.sessions[key] != sess {
		// A session replaced by a SYN collision closes after its
		// successor owns the endpoint; leave the successor's entries.
		s.mu.Unlock()
		return
	}
	hook := s.onClose[key]
	delete(s.sessions, key)
	if id, ok := s.addrToID[key]; ok {
		delete(s.idToAddr, id)
	}
	delete(s.addrToID, key)
	delete(s.onClose, key)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (s *Server) dropSession(key string) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Connect dials addr: creates (or reuses) a session for it and sends a
// SYN. The connection-id→endpoint binding is recorded when the session
// is created, before the SYN goes out.
// onClose, if non-nil, runs once the session later closes.
func (s *Server) Connect(addr string, cb func(success bool, connID uint32), onClose func()) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	key := udpAddr.String()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = s.newSessionLocked(udpAddr, true)
	}
	if onClose != nil {
		s.onClose[key] = onClose
	}
	s.mu.Unlock()

	sess.Connect(func(success bool, connID uint32) {
		if cb != nil {
			cb(success, connID)
		}
	})
	return nil
}

// Send routes payload to the session bound to connID.
func (s *Server) Send(connID uint32, payload []byte, cb func(bool)) {
	s.mu.Lock()
	addr, ok := s.idToAddr[connID]
	var sess *rudp.Session
	if ok {
		sess = s.sessions[addr.String()]
	}
	s.mu.Unlock()
	if !ok || sess == nil {
		if cb != nil {
			cb(false)
		}
		return
	}
	sess.Send(payload, cb)
}

// Disconnect locates the session bound to connID and tears it down.
func (s *Server) Disconnect(connID uint32) {
	s.mu.Lock()
	addr, ok := s.idToAddr[connID]
	var sess *rudp.Session
	if ok {
		sess = s.sessions[addr.String()]
	}
	s.mu.Unlock()
	if ok && sess != nil {
		sess.Disconnect()
	}
}

// Close shuts the receive loop down and closes the underlying socket.
// Sessions already open are not individually torn down; closing the
// socket is sufficient since no further datagrams will be read or
// written through it.
func (s *Server) Close() error {
	close(s.closeSignal)
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
