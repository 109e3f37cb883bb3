package rudp

import "errors"

// Error kinds named in the protocol's error handling design. The receive
// path only ever surfaces ErrInvalidPacket to callers; ErrBadConfig and
// ErrCannotSerializeConfig are returned by the session configuration
// codec, and ErrInvalidAck/ErrSendBufferFull are kept for higher-layer
// callers even though this package never returns them itself (an
// out-of-window ACK number and a full send window both fold into
// ErrInvalidPacket and the pending queue respectively).
var (
	ErrBadConfig             = errors.New("rudp: malformed session configuration record")
	ErrCannotSerializeConfig = errors.New("rudp: output buffer is not sized for a session configuration record")
	ErrInvalidPacket         = errors.New("rudp: invalid segment")
	ErrInvalidAck            = errors.New("rudp: invalid acknowledgement number")
	ErrSendBufferFull        = errors.New("rudp: send buffer full")
)
