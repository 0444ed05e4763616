package raproto

import "errors"

// Error taxonomy for protocol operations (spec.md §4.1 "Error reporting",
// §7 "Propagation policy"). Handshake failures are terminal; steady-state
// failures mark the connection dead without propagating upward.
var (
	ErrBadMagic               = errors.New("raproto: bad magic")
	ErrUnsupportedProtocol    = errors.New("raproto: unsupported protocol version")
	ErrPasswordRequired       = errors.New("raproto: password required")
	ErrCompressionUnsupported = errors.New("raproto: compression unsupported")
	ErrTimeout                = errors.New("raproto: timeout")
	ErrShortRead              = errors.New("raproto: short read")
	ErrShortWrite             = errors.New("raproto: short write")
	ErrEOF                    = errors.New("raproto: eof")
	ErrMalformedPayload       = errors.New("raproto: malformed payload")
	ErrWrongCommand           = errors.New("raproto: wrong command")
)
