package rudp

// Flag bits of a segment's first header byte (spec.md §3).
const (
	FlagSYN byte = 1 << 7
	FlagACK byte = 1 << 6
	FlagEAK byte = 1 << 5
	FlagRST byte = 1 << 4
	FlagNUL byte = 1 << 3
	FlagCHK byte = 1 << 2
	FlagTCS byte = 1 << 1
)

const commonHeaderSize = 4    // flags, header size, seq, ack
const minHeaderSize = commonHeaderSize
const controlHeaderSize = 6   // common header + 2-byte checksum, no variant payload
const tcsHeaderSize = 7       // control header + 1-byte adjust
const synHeaderSize = 4 + SessionConfigSize + 2

// Segment is the parsed view of one delivered datagram, handed to the
// server's receive callback alongside its application payload.
type Segment struct {
	Flags      byte
	HeaderSize byte
	data       []byte
}

// Payload returns the bytes following the segment's header.
func (s Segment) Payload() []byte {
	return s.data[s.HeaderSize:]
}

// checkCommonHeader validates the role-bit invariant: exactly one of
// SYN/EAK/RST/NUL/TCS is set, or none of them with ACK set alone; EAK and
// NUL additionally require ACK to also be set.
func checkCommonHeader(flags byte) bool {
	role := flags & (FlagSYN | FlagEAK | FlagRST | FlagNUL | FlagTCS)
	switch role {
	case 0:
		return flags&FlagACK != 0
	case FlagSYN, FlagRST, FlagTCS:
		return true
	case FlagEAK, FlagNUL:
		return flags&FlagACK != 0
	default:
		return false
	}
}

// buildControlSegment allocates a bare 6-byte-header segment (ACK, NUL,
// RST, or a plain ACK-only datagram) with no variant payload.
func buildControlSegment(flags byte) []byte {
	seg := make([]byte, controlHeaderSize)
	seg[0] = flags
	seg[1] = controlHeaderSize
	return seg
}

// buildSynSegment allocates a SYN (or SYN-ACK, if the caller passes
// FlagACK in flags) segment carrying cfg as its variant payload.
func buildSynSegment(flags byte, cfg SessionConfig) []byte {
	seg := make([]byte, synHeaderSize)
	seg[0] = flags | FlagSYN
	seg[1] = synHeaderSize
	_ = cfg.Serialize(seg[4 : 4+SessionConfigSize])
	return seg
}

// buildTcsSegment allocates a transfer-state-recovery segment carrying a
// single adjust byte.
func buildTcsSegment(adjust byte) []byte {
	seg := make([]byte, tcsHeaderSize)
	seg[0] = FlagTCS
	seg[1] = tcsHeaderSize
	seg[4] = adjust
	return seg
}

// buildEakSegment allocates an extended-ACK segment listing seqs, one
// raw sequence byte per out-of-order slot currently held.
func buildEakSegment(seqs []byte) []byte {
	size := controlHeaderSize + len(seqs)
	seg := make([]byte, size)
	seg[0] = FlagEAK | FlagACK
	seg[1] = byte(size)
	copy(seg[4:4+len(seqs)], seqs)
	return seg
}
