package rudp

import (
	"encoding/binary"
	"net"
	"testing"
)

// A corrupted incoming datagram must never panic the receive pipeline
// and must always resolve to either a clean delivery or
// ErrInvalidPacket — this is the property-based coverage the original
// reference implementation's fuzz harness exercised for malformed
// segments (SPEC_FULL.md's recovered fuzz coverage).
func TestReceiveNeverPanicsOnCorruptInput(t *testing.T) {
	s := NewSession(testServerAddr, false, DefaultSessionConfig(), func([]byte, net.Addr) (int, error) {
		return 0, nil
	}, nil)
	defer s.Close()

	seed := []byte{FlagSYN, synHeaderSize, 0, 0}
	seed = append(seed, make([]byte, SessionConfigSize+2)...)

	for i := 0; i < 2000; i++ {
		mutated := append([]byte(nil), seed...)
		flip := (i * 7) % len(mutated)
		mutated[flip] ^= byte(i + 1)
		if i%5 == 0 && len(mutated) > 1 {
			mutated = mutated[:len(mutated)-(i%len(mutated))/3-1]
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Receive panicked on input %v: %v", mutated, r)
				}
			}()
			if _, err := s.Receive(mutated); err != nil && err != ErrInvalidPacket {
				t.Fatalf("Receive returned unexpected error %v for input %v", err, mutated)
			}
		}()

		if s.State() == StateClosed {
			// A mutated segment that passes validation with RST set
			// pushes the session to Closed; once that happens there's
			// nothing further to fuzz against this instance.
			return
		}
	}
}

// TestReceiveSynWithMalformedConfigIsInvalidPacket confirms a SYN whose
// embedded session-configuration record fails to parse is reported as
// ErrInvalidPacket, not the session-configuration codec's own
// ErrBadConfig: the receive path's contract is that it only ever
// surfaces ErrInvalidPacket to callers.
func TestReceiveSynWithMalformedConfigIsInvalidPacket(t *testing.T) {
	s := NewSession(testServerAddr, false, DefaultSessionConfig(), func([]byte, net.Addr) (int, error) {
		return 0, nil
	}, nil)
	defer s.Close()

	seg := make([]byte, synHeaderSize)
	seg[0] = FlagSYN
	seg[1] = synHeaderSize
	// Leave the embedded config all zero bytes: its marker byte won't be
	// sessionConfigMarker, so ParseSessionConfig fails.
	stampChecksum(seg, seg[1])

	if _, err := s.Receive(seg); err != ErrInvalidPacket {
		t.Errorf("err = %v, want %v", err, ErrInvalidPacket)
	}
}

func TestReceiveEmptyAndNilNeverPanic(t *testing.T) {
	s := NewSession(testServerAddr, true, DefaultSessionConfig(), func([]byte, net.Addr) (int, error) {
		return 0, nil
	}, nil)
	defer s.Close()

	for _, in := range [][]byte{nil, {}, {0x00}, {0xFF}, {0xFF, 0xFF, 0xFF, 0xFF}} {
		if _, err := s.Receive(in); err != ErrInvalidPacket {
			t.Errorf("Receive(%v) err = %v, want %v", in, err, ErrInvalidPacket)
		}
	}
}

// TestChecksumFuzzRoundTrip confirms stampChecksum's result is stable:
// zeroing the checksum field it just wrote and recomputing must
// reproduce the exact same bytes, across a spread of lengths and byte
// patterns.
func TestChecksumFuzzRoundTrip(t *testing.T) {
	for length := 2; length < 64; length++ {
		b := make([]byte, length)
		for i := range b {
			b[i] = byte((i*31 + length*17) % 256)
		}
		b[0] |= FlagCHK
		stampChecksum(b, byte(length))
		stamped := append([]byte(nil), b[length-2:length]...)

		b[length-2], b[length-1] = 0, 0
		recomputed := checksum(b)
		got := make([]byte, 2)
		binary.BigEndian.PutUint16(got, recomputed)

		if got[0] != stamped[0] || got[1] != stamped[1] {
			t.Errorf("length %d: recomputed checksum %v != stamped %v", length, got, stamped)
		}
	}
}
