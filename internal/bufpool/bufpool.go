// Package bufpool provides the ring-pool-backed arena the demultiplexer
// borrows receive buffers from, one per inbound datagram.
package bufpool

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// DatagramSize is the element size of every pooled buffer: large enough
// to hold a maximum-size RUDP segment without ever truncating a datagram
// read off the socket.
const DatagramSize = 2048

var emptySlice = make([]byte, DatagramSize)

// datagram is the rp.DataInterface implementation stored in each ring
// element, mirroring the teacher's lib.Payload.
type datagram struct {
	bytes  []byte
	length int
}

// newDatagram is the factory ringpool calls to populate each element; it
// takes no parameters, matching the fixed DatagramSize of this arena.
func newDatagram(params ...interface{}) rp.DataInterface {
	if len(params) != 0 {
		log.Println("bufpool: newDatagram takes no parameters")
	}
	return &datagram{bytes: make([]byte, DatagramSize)}
}

func (d *datagram) Copy(src []byte) error {
	if len(src) > len(d.bytes) {
		return fmt.Errorf("bufpool: datagram of %d bytes exceeds pool element size %d", len(src), len(d.bytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("bufpool: source is empty")
	}
	copy(d.bytes, src)
	d.length = len(src)
	return nil
}

func (d *datagram) Reset() {
	copy(d.bytes, emptySlice)
	d.length = 0
}

func (d *datagram) SetContent(s string) {
	copy(d.bytes, s)
	d.length = len(s)
}

func (d *datagram) PrintContent() {
	fmt.Println("bufpool: content:", string(d.bytes[:d.length]))
}

func (d *datagram) GetSlice() []byte {
	return d.bytes[:d.length]
}

// Pool is a fixed-size arena of DatagramSize-byte buffers that the
// demultiplexer's receive loop borrows from on every ReadFrom and
// returns once the loop has copied the datagram out for session
// processing.
type Pool struct {
	ring *rp.RingPool
}

// New creates a pool of size elements, named for log output the way the
// teacher names its own "PCP: " pool.
func New(name string, size int) *Pool {
	ring := rp.NewRingPool(name, size, newDatagram, DatagramSize)
	return &Pool{ring: ring}
}

// Element is a borrowed buffer; call Return when done with it.
type Element struct {
	raw *rp.Element
	d   *datagram
}

// Get borrows an element from the pool.
func (p *Pool) Get() *Element {
	e := p.ring.GetElement()
	return &Element{raw: e, d: e.Data.(*datagram)}
}

// Return releases the element back to the pool.
func (p *Pool) Return(e *Element) {
	p.ring.ReturnElement(e.raw)
}

// Fill copies b (typically straight off a socket read) into the
// element's backing buffer.
func (e *Element) Fill(b []byte) error {
	return e.d.Copy(b)
}

// Bytes returns the portion of the backing buffer filled by Fill.
func (e *Element) Bytes() []byte {
	return e.d.GetSlice()
}
