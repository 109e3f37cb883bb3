package rudp

import (
	"encoding/binary"
	"log"
	"net"
	"sync/atomic"
	"time"
)

// State is a session's position in its lifecycle (spec.md §4.3).
type State int

const (
	StateInitial State = iota
	StateOpened
	StateBroken
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateInitial:
		return "Initial"
	case StateOpened:
		return "Opened"
	case StateBroken:
		return "Broken"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type sendSlot struct {
	occupied bool
	segment  []byte
	cb       func(bool)
	timer    *time.Timer
	attempts int
}

type recvSlot struct {
	occupied   bool
	flags      byte
	headerSize byte
	data       []byte
}

type pendingSend struct {
	segment []byte
	cb      func(bool)
	onSent  func()
}

type callback struct {
	fn func(bool)
	ok bool
}

// Session is one RUDP connection's state machine. It owns no socket
// directly: the demultiplexer (package server) hands it datagrams to
// process and supplies the function it uses to write datagrams back out.
//
// Every mutable field below is touched only from the goroutine running
// Session.run, so none of it needs a lock — callers reach it exclusively
// through channel operations, the same way the teacher's PcpProtocolConnection
// serializes state behind its inputChannel.
type Session struct {
	inbox  chan func()
	stopCh chan struct{}

	stopped atomic.Bool

	client bool
	state  State

	selfConfig   SessionConfig
	remoteConfig SessionConfig

	receiveBuffer [256]recvSlot
	receiveHead   uint8

	sendBuffer      [256]sendSlot
	sendHead        uint8
	acknowledgeHead uint8

	outOfSequenceCount        int
	unacknowledgedPacketCount int
	cumulativeAckCount        int

	pending []pendingSend

	cumulativeAckTimer *time.Timer
	nullSegmentTimer   *time.Timer
	transferStateTimer *time.Timer

	remoteAddr net.Addr
	writeFunc  func([]byte, net.Addr) (int, error)
	onClosed   func(*Session)
}

// NewSession creates a session bound to remoteAddr. client distinguishes
// the asymmetric null-segment/transfer-state recovery behaviour
// (spec.md §12). write is used for every outgoing datagram; onClosed, if
// non-nil, is invoked exactly once, off the session's own goroutine, when
// the session reaches StateClosed.
func NewSession(remoteAddr net.Addr, client bool, selfConfig SessionConfig, write func([]byte, net.Addr) (int, error), onClosed func(*Session)) *Session {
	s := &Session{
		inbox:      make(chan func(), 64),
		stopCh:     make(chan struct{}),
		client:     client,
		state:      StateInitial,
		selfConfig: selfConfig,
		remoteAddr: remoteAddr,
		writeFunc:  write,
		onClosed:   onClosed,
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.stopCh:
			return
		}
	}
}

// post hands fn to the session's own goroutine and returns immediately;
// used for requests that don't need a synchronous result.
func (s *Session) post(fn func()) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.inbox <- fn:
	case <-s.stopCh:
	}
}

func fireCallbacks(cbs []callback) {
	if len(cbs) == 0 {
		return
	}
	go func() {
		for _, c := range cbs {
			c.fn(c.ok)
		}
	}()
}

// finishClose, called from inside the session's goroutine right after a
// handler that may have transitioned the session to Closed, fires the
// on-close hook and stops the goroutine — both off-loop, so a hook that
// calls back into the session's exported methods cannot deadlock against
// its own run loop.
func (s *Session) finishClose(closedNow bool) {
	if !closedNow {
		return
	}
	hook := s.onClosed
	s.stopped.Store(true)
	go func() {
		if hook != nil {
			hook(s)
		}
		close(s.stopCh)
	}()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	reply := make(chan State, 1)
	s.post(func() { reply <- s.state })
	select {
	case st := <-reply:
		return st
	case <-s.stopCh:
		return StateClosed
	}
}

// SelfConfig returns the negotiated configuration this side proposed
// (post-negotiation, the merged value).
func (s *Session) SelfConfig() SessionConfig {
	reply := make(chan SessionConfig, 1)
	s.post(func() { reply <- s.selfConfig })
	select {
	case c := <-reply:
		return c
	case <-s.stopCh:
		return SessionConfig{}
	}
}

// RemoteConfig returns the peer's negotiated configuration.
func (s *Session) RemoteConfig() SessionConfig {
	reply := make(chan SessionConfig, 1)
	s.post(func() { reply <- s.remoteConfig })
	select {
	case c := <-reply:
		return c
	case <-s.stopCh:
		return SessionConfig{}
	}
}

// ConnectionIdentifier returns this side's connection identifier, used by
// the demultiplexer to bind an id to a peer endpoint.
func (s *Session) ConnectionIdentifier() uint32 {
	reply := make(chan uint32, 1)
	s.post(func() { reply <- s.selfConfig.ConnectionIdentifier })
	select {
	case id := <-reply:
		return id
	case <-s.stopCh:
		return 0
	}
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}

// Connect sends a SYN carrying this side's configuration. cb fires once
// the SYN is actually handed to the write function, not once it's
// acknowledged (spec.md §4.3's connect()).
func (s *Session) Connect(cb func(success bool, connID uint32)) {
	s.post(func() {
		s.client = true
		seg := buildSynSegment(0, s.selfConfig)
		connID := s.selfConfig.ConnectionIdentifier
		cbs, closedNow := s.enqueueOrSend(seg, nil, func() {
			if cb != nil {
				go cb(true, connID)
			}
		})
		s.finishClose(closedNow)
		fireCallbacks(cbs)
	})
}

// Send frames payload as a data segment and enqueues it. cb, if non-nil,
// fires exactly once: with true on acknowledgement, or with false if the
// session closes before that happens.
func (s *Session) Send(payload []byte, cb func(bool)) {
	seg := make([]byte, controlHeaderSize+len(payload))
	seg[0] = FlagACK
	seg[1] = controlHeaderSize
	copy(seg[controlHeaderSize:], payload)
	if s.stopped.Load() {
		if cb != nil {
			fireCallbacks([]callback{{cb, false}})
		}
		return
	}
	s.post(func() {
		cbs, closedNow := s.enqueueOrSend(seg, cb, nil)
		s.finishClose(closedNow)
		fireCallbacks(cbs)
	})
}

// Disconnect sends a RST and closes the session once it's been written.
func (s *Session) Disconnect() {
	s.post(func() {
		seg := buildControlSegment(FlagRST)
		cbs, closedNow := s.enqueueOrSend(seg, nil, func() {
			cbs2, closedNow2 := s.closeInternal()
			s.finishClose(closedNow2)
			fireCallbacks(cbs2)
		})
		s.finishClose(closedNow)
		fireCallbacks(cbs)
	})
}

// Close tears the session down immediately without sending a RST.
func (s *Session) Close() {
	s.post(func() {
		cbs, closedNow := s.closeInternal()
		s.finishClose(closedNow)
		fireCallbacks(cbs)
	})
}

// Receive processes one datagram received from the session's peer and
// returns the in-order segments it released, each carrying its own
// flags/header-size along with its payload (a run flushed by a single
// reordered arrival can span several originally-received segments), plus
// ErrInvalidPacket if the datagram failed validation.
func (s *Session) Receive(datagram []byte) ([]Segment, error) {
	type result struct {
		segments []Segment
		err      error
	}
	reply := make(chan result, 1)
	ok := false
	select {
	case s.inbox <- func() {
		var segments []Segment
		cbs, closedNow, err := s.receiveInternal(datagram, func(seg Segment) {
			segments = append(segments, seg)
		})
		s.finishClose(closedNow)
		fireCallbacks(cbs)
		reply <- result{segments, err}
	}:
		ok = true
	case <-s.stopCh:
	}
	if !ok {
		return nil, ErrInvalidPacket
	}
	select {
	case r := <-reply:
		return r.segments, r.err
	case <-s.stopCh:
		return nil, ErrInvalidPacket
	}
}

// isValidSequenceNumber implements the half-open window test used to
// validate a peer-supplied ACK number: it must equal acknowledge_head−1
// (the "nothing new acknowledged" case) or lie in [acknowledge_head,
// send_head).
func (s *Session) isValidSequenceNumber(n uint8) bool {
	if n == s.acknowledgeHead-1 {
		return true
	}
	return uint8(n-s.acknowledgeHead) < uint8(s.sendHead-s.acknowledgeHead)
}

// readyToSend implements the flow-control predicate (spec.md §4.3).
func (s *Session) readyToSend() bool {
	return s.sendHead+1 != s.acknowledgeHead &&
		s.unacknowledgedPacketCount <= int(s.remoteConfig.MaxOutOfStandingSegs)
}

// enqueueOrSend is the internal primitive behind Connect/Send/Disconnect
// and the pending-queue flush: if the window has room it transmits segment
// immediately, assigning it the next sequence number; otherwise it queues
// the request for later delivery. onSent, if non-nil, fires the moment
// the segment is actually written (used by Connect/Disconnect, which care
// about transmission rather than acknowledgement).
func (s *Session) enqueueOrSend(segment []byte, cb func(bool), onSent func()) ([]callback, bool) {
	if s.state == StateClosed {
		if cb != nil {
			return []callback{{cb, false}}, false
		}
		return nil, false
	}
	if !s.readyToSend() {
		s.pending = append(s.pending, pendingSend{segment: segment, cb: cb, onSent: onSent})
		return nil, false
	}
	s.transmit(segment, cb, onSent)
	return nil, false
}

// transmit assigns the next sequence number to segment, stamps its ACK
// number and checksum, stores it in the send ring, writes it, and arms
// whichever timers its flags require.
func (s *Session) transmit(segment []byte, cb func(bool), onSent func()) {
	seq := s.sendHead
	segment[2] = seq
	if segment[0]&FlagACK != 0 {
		segment[3] = s.receiveHead - 1
	}
	headerSize := segment[1]
	if len(segment) > int(headerSize) {
		segment[0] |= FlagCHK
	}
	stampChecksum(segment, headerSize)

	s.sendBuffer[seq] = sendSlot{occupied: true, segment: segment, cb: cb, attempts: 1}
	s.sendHead++
	s.unacknowledgedPacketCount++

	s.writeDatagram(segment)

	flags := segment[0]
	if len(segment) > int(headerSize) || flags&FlagNUL != 0 || flags&FlagRST != 0 {
		s.armRetransmissionTimer(seq)
	}
	s.resetCumulativeAckCounter()
	s.armNullSegmentTimer()

	if onSent != nil {
		onSent()
	}
}

// resend rewrites the stored bytes of every occupied slot in [begin, end)
// to the wire unchanged — same sequence number, same checksum — which is
// what the retransmission timer and EAK processing both need: the peer
// must see byte-identical retransmissions, not a new send.
func (s *Session) resend(begin, end uint8) {
	for seq := begin; seq != end; seq++ {
		slot := &s.sendBuffer[seq]
		if slot.occupied {
			s.writeDatagram(slot.segment)
		}
	}
}

func (s *Session) writeDatagram(segment []byte) {
	if s.writeFunc == nil {
		return
	}
	if _, err := s.writeFunc(segment, s.remoteAddr); err != nil {
		log.Printf("rudp: write to %s failed: %v", s.remoteAddr, err)
	}
}

func (s *Session) sendControlSegment(flags byte) {
	s.enqueueOrSend(buildControlSegment(flags), nil, nil)
}

// armRetransmissionTimer (re)starts the per-slot retransmission timer.
func (s *Session) armRetransmissionTimer(seq uint8) {
	slot := &s.sendBuffer[seq]
	if slot.timer != nil {
		slot.timer.Stop()
	}
	d := time.Duration(s.selfConfig.RetransmissionTimeoutMs) * time.Millisecond
	slot.timer = time.AfterFunc(d, func() { s.onRetransmissionTimeout(seq) })
}

func (s *Session) onRetransmissionTimeout(seq uint8) {
	s.post(func() {
		slot := &s.sendBuffer[seq]
		if !slot.occupied {
			return
		}
		slot.attempts++
		if slot.attempts > int(s.selfConfig.MaxRetrans)+1 {
			cbs, closedNow := s.closeInternal()
			s.finishClose(closedNow)
			fireCallbacks(cbs)
			return
		}
		s.resend(seq, seq+1)
		s.armRetransmissionTimer(seq)
	})
}

// incrementCumulativeAck implements the cumulative-ack timer described in
// spec.md §4.3: the first increment arms the timer; crossing max_cum_ack
// flushes immediately.
func (s *Session) incrementCumulativeAck() {
	s.cumulativeAckCount++
	if s.cumulativeAckCount == 1 {
		d := time.Duration(s.selfConfig.CumulativeAckTimeoutMs) * time.Millisecond
		s.cumulativeAckTimer = time.AfterFunc(d, s.onCumulativeAckTimeout)
	}
	if s.cumulativeAckCount > int(s.selfConfig.MaxCumAck) {
		s.flushCumulativeAck()
	}
}

func (s *Session) onCumulativeAckTimeout() {
	s.post(func() { s.flushCumulativeAck() })
}

func (s *Session) flushCumulativeAck() {
	s.resetCumulativeAckCounter()
	s.sendControlSegment(FlagACK)
}

func (s *Session) resetCumulativeAckCounter() {
	if s.cumulativeAckTimer != nil {
		s.cumulativeAckTimer.Stop()
		s.cumulativeAckTimer = nil
	}
	s.cumulativeAckCount = 0
}

// armNullSegmentTimer (re)starts the keep-alive timer. The server side
// waits twice as long as the client before deciding the connection is
// broken, so a slow client has a chance to probe first (spec.md §12).
func (s *Session) armNullSegmentTimer() {
	if s.nullSegmentTimer != nil {
		s.nullSegmentTimer.Stop()
	}
	mult := time.Duration(1)
	if !s.client {
		mult = 2
	}
	d := mult * time.Duration(s.selfConfig.NullSegmentTimeoutMs) * time.Millisecond
	s.nullSegmentTimer = time.AfterFunc(d, s.onNullSegmentTimeout)
}

func (s *Session) onNullSegmentTimeout() {
	s.post(func() {
		if s.client {
			if s.state == StateOpened {
				s.sendControlSegment(FlagACK | FlagNUL)
			}
			return
		}
		s.state = StateBroken
		s.armTransferStateTimer()
	})
}

func (s *Session) armTransferStateTimer() {
	if s.transferStateTimer != nil {
		s.transferStateTimer.Stop()
	}
	d := time.Duration(s.selfConfig.TransferStateTimeoutMs) * time.Millisecond
	s.transferStateTimer = time.AfterFunc(d, s.onTransferStateTimeout)
}

func (s *Session) onTransferStateTimeout() {
	s.post(func() {
		cbs, closedNow := s.closeInternal()
		s.finishClose(closedNow)
		fireCallbacks(cbs)
	})
}

// closeInternal cancels every timer, drains the send ring and pending
// queue firing their callbacks with false, and moves the session to
// StateClosed. It is idempotent: a session already Closed returns nil,
// false.
func (s *Session) closeInternal() ([]callback, bool) {
	if s.state == StateClosed {
		return nil, false
	}
	s.state = StateClosed

	if s.cumulativeAckTimer != nil {
		s.cumulativeAckTimer.Stop()
		s.cumulativeAckTimer = nil
	}
	if s.nullSegmentTimer != nil {
		s.nullSegmentTimer.Stop()
		s.nullSegmentTimer = nil
	}
	if s.transferStateTimer != nil {
		s.transferStateTimer.Stop()
		s.transferStateTimer = nil
	}

	var cbs []callback
	for i := range s.sendBuffer {
		slot := &s.sendBuffer[i]
		if slot.occupied {
			if slot.timer != nil {
				slot.timer.Stop()
			}
			if slot.cb != nil {
				cbs = append(cbs, callback{slot.cb, false})
			}
			*slot = sendSlot{}
		}
	}
	for _, p := range s.pending {
		if p.cb != nil {
			cbs = append(cbs, callback{p.cb, false})
		}
	}
	s.pending = nil
	s.unacknowledgedPacketCount = 0

	return cbs, true
}

// receiveInternal implements the thirteen-step receive pipeline of
// spec.md §4.3. deliver is invoked, in order, with the segment of every
// datagram released from the receive ring during this call.
func (s *Session) receiveInternal(datagram []byte, deliver func(Segment)) ([]callback, bool, error) {
	// Steps 1-4: common header validation, checksum, sequence/ack validation.
	if len(datagram) < minHeaderSize {
		return nil, false, ErrInvalidPacket
	}
	flags := datagram[0]
	if !checkCommonHeader(flags) {
		return nil, false, ErrInvalidPacket
	}
	headerSize := datagram[1]
	if headerSize < minHeaderSize || int(headerSize) > len(datagram) {
		return nil, false, ErrInvalidPacket
	}
	if headerSize < controlHeaderSize {
		return nil, false, ErrInvalidPacket
	}
	seq := datagram[2]
	ack := datagram[3]

	expected := binary.BigEndian.Uint16(datagram[headerSize-2 : headerSize])
	datagram[headerSize-2] = 0
	datagram[headerSize-1] = 0
	var got uint16
	if flags&FlagCHK != 0 {
		got = checksum(datagram)
	} else {
		got = checksum(datagram[:headerSize])
	}
	if got != expected {
		return nil, false, ErrInvalidPacket
	}

	if flags&FlagACK != 0 && !s.isValidSequenceNumber(ack) {
		return nil, false, ErrInvalidPacket
	}

	// A RST from the peer tears the session down.
	if flags&FlagRST != 0 {
		cbs, closedNow := s.closeInternal()
		return cbs, closedNow, nil
	}

	// Step 5: SYN handling. By the time the demultiplexer routes a SYN
	// here the collision case has already been resolved (the
	// demultiplexer replaces an established session rather than handing
	// the new SYN to it), so a SYN seen by an already-Opened server
	// session is simply rejected.
	if flags&FlagSYN != 0 {
		if !s.client && s.state != StateInitial {
			return nil, false, ErrInvalidPacket
		}
		peerCfg, err := ParseSessionConfig(datagram[4 : headerSize-2])
		if err != nil {
			return nil, false, ErrInvalidPacket
		}
		for i := range s.receiveBuffer {
			s.receiveBuffer[i] = recvSlot{}
		}
		s.receiveHead = seq
		s.remoteConfig = peerCfg
		s.selfConfig.Minimise(peerCfg)
		s.remoteConfig.Minimise(s.selfConfig)
		s.state = StateOpened
	}

	// Step 6: transfer-state recovery. A nonzero adjust byte rotates the
	// receive ring by +adjust rather than discarding it, so out-of-order
	// segments already buffered survive the resync at their shifted
	// slots; a zero adjust byte is a no-op (no ring touch, no state
	// change).
	if flags&FlagTCS != 0 && headerSize >= tcsHeaderSize {
		adjust := datagram[4]
		if adjust != 0 {
			copied := s.receiveBuffer
			s.receiveBuffer = [256]recvSlot{}
			for i := 0; i < 256; i++ {
				s.receiveBuffer[(uint8(i)+adjust)&0xFF] = copied[i]
			}
			s.receiveHead = seq
			s.state = StateOpened
		}
	}

	// Step 7: duplicate suppression.
	if s.receiveBuffer[seq].occupied {
		return nil, false, nil
	}

	// Step 8: store.
	hasPayload := len(datagram) > int(headerSize)
	stored := append([]byte(nil), datagram...)
	s.receiveBuffer[seq] = recvSlot{occupied: true, flags: flags, headerSize: headerSize, data: stored}

	// Step 9: advance receive_head over the now-contiguous run, delivering
	// payloads in order.
	advanced := false
	for i := 0; i < 256; i++ {
		slot := &s.receiveBuffer[s.receiveHead]
		if !slot.occupied {
			break
		}
		if len(slot.data) > int(slot.headerSize) {
			deliver(Segment{Flags: slot.flags, HeaderSize: slot.headerSize, data: slot.data})
		}
		*slot = recvSlot{}
		s.receiveHead++
		advanced = true
	}
	if advanced {
		s.outOfSequenceCount = 0
	} else {
		s.outOfSequenceCount++
	}

	// Step 10: cumulative-ACK processing against the send ring.
	var cbs []callback
	if flags&FlagACK != 0 {
		for s.acknowledgeHead != ack+1 {
			slot := &s.sendBuffer[s.acknowledgeHead]
			if slot.occupied {
				if slot.timer != nil {
					slot.timer.Stop()
				}
				if slot.cb != nil {
					cbs = append(cbs, callback{slot.cb, true})
				}
				*slot = sendSlot{}
				s.unacknowledgedPacketCount--
			}
			s.acknowledgeHead++
		}
	}

	// Step 11: handshake response.
	if flags&FlagSYN != 0 {
		if flags&FlagACK == 0 {
			seg := buildSynSegment(FlagACK, s.selfConfig)
			s.enqueueOrSend(seg, nil, nil)
		} else {
			s.sendControlSegment(FlagACK)
		}
	}

	// Step 12: cumulative-ack counter bump for anything carrying data or a
	// transfer-state recovery.
	if hasPayload || flags&FlagTCS != 0 {
		s.incrementCumulativeAck()
	}

	// Step 13a: selective-ACK processing.
	if flags&FlagEAK != 0 && headerSize > controlHeaderSize {
		list := stored[4 : headerSize-2]
		var lastListed uint8
		haveLast := false
		for _, s2 := range list {
			slot := &s.sendBuffer[s2]
			if slot.occupied {
				if slot.timer != nil {
					slot.timer.Stop()
				}
				if slot.cb != nil {
					cbs = append(cbs, callback{slot.cb, true})
				}
				*slot = sendSlot{}
				s.unacknowledgedPacketCount--
			}
			lastListed = s2
			haveLast = true
		}
		if haveLast {
			s.resend(s.acknowledgeHead, lastListed)
		}
	}

	// Step 13b: keep-alive response.
	if flags&FlagNUL != 0 {
		s.sendControlSegment(FlagACK)
	}

	// Step 13c: selective-ACK generation for our own receive gaps. The
	// listed sequence numbers must start at receive_head and wrap around
	// the ring, not run in raw ascending index order: the peer uses the
	// last byte in this list as the upper bound for its own resend, so a
	// wrapped ring (e.g. receive_head=250, occupied {252,253,5,6}) needs
	// last=6, not last=253.
	if s.outOfSequenceCount >= int(s.selfConfig.MaxOutOfSeq) {
		var seqs []byte
		for i := 0; i < 256; i++ {
			idx := s.receiveHead + uint8(i)
			if s.receiveBuffer[idx].occupied {
				seqs = append(seqs, idx)
			}
		}
		s.outOfSequenceCount = 0
		if len(seqs) > 0 {
			s.enqueueOrSend(buildEakSegment(seqs), nil, nil)
		}
	}

	// Step 13d: flush whatever the window now has room for.
	for len(s.pending) > 0 && s.readyToSend() {
		p := s.pending[0]
		s.pending = s.pending[1:]
		s.transmit(p.segment, p.cb, p.onSent)
	}

	return cbs, false, nil
}
