package rollback

import "errors"

// errPeerDisconnected is returned by drainIncoming when the peer sends
// CMD_DISCONNECT; Update treats it like any other transport failure and
// moves the engine to StateDisconnected.
var errPeerDisconnected = errors.New("rollback: peer disconnected")
