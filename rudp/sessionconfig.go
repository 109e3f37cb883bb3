package rudp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// SessionConfigSize is the fixed on-wire size of a session configuration
// record, carried in a SYN or SYN-ACK segment's variant payload.
const SessionConfigSize = 22

const sessionConfigMarker = 0x10

// SessionConfig is the negotiable per-session configuration record
// exchanged during the handshake (spec.md §4.2).
type SessionConfig struct {
	MaxOutOfStandingSegs    uint8
	OptionFlags             uint8
	Reserved                uint8
	MaximumSegmentSize      uint16
	RetransmissionTimeoutMs uint16
	CumulativeAckTimeoutMs  uint16
	NullSegmentTimeoutMs    uint16
	TransferStateTimeoutMs  uint16
	MaxRetrans              uint8
	MaxCumAck               uint8
	MaxOutOfSeq             uint8
	MaxAutoReset            uint8
	ConnectionIdentifier    uint32
}

// DefaultSessionConfig returns the configuration a fresh client or server
// session proposes before negotiation, with a freshly-drawn connection
// identifier.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxOutOfStandingSegs:    64,
		OptionFlags:             0x02, // carried on the wire; not interpreted by this package
		MaximumSegmentSize:      1350,
		RetransmissionTimeoutMs: 1000,
		CumulativeAckTimeoutMs:  500,
		NullSegmentTimeoutMs:    1000,
		TransferStateTimeoutMs:  1000,
		MaxRetrans:              3,
		MaxCumAck:               32,
		MaxOutOfSeq:             32,
		MaxAutoReset:            0,
		ConnectionIdentifier:    randomConnectionIdentifier(),
	}
}

func randomConnectionIdentifier() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// ParseSessionConfig decodes a 22-byte session configuration record.
func ParseSessionConfig(b []byte) (SessionConfig, error) {
	var c SessionConfig
	if len(b) != SessionConfigSize {
		return c, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadConfig, SessionConfigSize, len(b))
	}
	if b[0] != sessionConfigMarker {
		return c, fmt.Errorf("%w: marker byte is 0x%02x", ErrBadConfig, b[0])
	}
	c.MaxOutOfStandingSegs = b[1]
	c.OptionFlags = b[2]
	c.Reserved = b[3]
	c.MaximumSegmentSize = binary.BigEndian.Uint16(b[4:6])
	c.RetransmissionTimeoutMs = binary.BigEndian.Uint16(b[6:8])
	c.CumulativeAckTimeoutMs = binary.BigEndian.Uint16(b[8:10])
	c.NullSegmentTimeoutMs = binary.BigEndian.Uint16(b[10:12])
	c.TransferStateTimeoutMs = binary.BigEndian.Uint16(b[12:14])
	c.MaxRetrans = b[14]
	c.MaxCumAck = b[15]
	c.MaxOutOfSeq = b[16]
	c.MaxAutoReset = b[17]
	c.ConnectionIdentifier = binary.BigEndian.Uint32(b[18:22])
	return c, nil
}

// Serialize encodes c into buf, which must be exactly SessionConfigSize
// bytes long.
func (c SessionConfig) Serialize(buf []byte) error {
	if len(buf) != SessionConfigSize {
		return ErrCannotSerializeConfig
	}
	buf[0] = sessionConfigMarker
	buf[1] = c.MaxOutOfStandingSegs
	buf[2] = c.OptionFlags
	buf[3] = c.Reserved
	binary.BigEndian.PutUint16(buf[4:6], c.MaximumSegmentSize)
	binary.BigEndian.PutUint16(buf[6:8], c.RetransmissionTimeoutMs)
	binary.BigEndian.PutUint16(buf[8:10], c.CumulativeAckTimeoutMs)
	binary.BigEndian.PutUint16(buf[10:12], c.NullSegmentTimeoutMs)
	binary.BigEndian.PutUint16(buf[12:14], c.TransferStateTimeoutMs)
	buf[14] = c.MaxRetrans
	buf[15] = c.MaxCumAck
	buf[16] = c.MaxOutOfSeq
	buf[17] = c.MaxAutoReset
	binary.BigEndian.PutUint32(buf[18:22], c.ConnectionIdentifier)
	return nil
}

// Minimise implements the protocol's `&=` merge: every negotiated timeout
// and retry/window bound is replaced by the smaller of the two sides'
// values. It deliberately leaves MaxOutOfStandingSegs, OptionFlags,
// MaximumSegmentSize and ConnectionIdentifier untouched.
func (c *SessionConfig) Minimise(other SessionConfig) {
	c.RetransmissionTimeoutMs = minUint16(c.RetransmissionTimeoutMs, other.RetransmissionTimeoutMs)
	c.CumulativeAckTimeoutMs = minUint16(c.CumulativeAckTimeoutMs, other.CumulativeAckTimeoutMs)
	c.NullSegmentTimeoutMs = minUint16(c.NullSegmentTimeoutMs, other.NullSegmentTimeoutMs)
	c.TransferStateTimeoutMs = minUint16(c.TransferStateTimeoutMs, other.TransferStateTimeoutMs)
	c.MaxRetrans = minUint8(c.MaxRetrans, other.MaxRetrans)
	c.MaxCumAck = minUint8(c.MaxCumAck, other.MaxCumAck)
	c.MaxOutOfSeq = minUint8(c.MaxOutOfSeq, other.MaxOutOfSeq)
	c.MaxAutoReset = minUint8(c.MaxAutoReset, other.MaxAutoReset)
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func minUint8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
