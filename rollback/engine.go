// Package rollback implements the client-side rollback/replay engine that
// sits between an emulator core and an established RA netplay connection:
// per-frame input exchange, speculative execution with replay-on-correction,
// and CRC-based desync detection (spec.md §4.2).
package rollback

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/maxpoletaev/dendy/raproto"
)

// Engine drives one netplay session. Quit, Update, PostFrame, Pause,
// Resume and Disconnect take the engine's mutex; the Is*/GetStatusMessage
// queries read atomics only. GetInput is called synchronously from within
// Core.RunOneFrame (same goroutine as Update/doRollback) and must never
// block on it, so it reads the replay atomics, selfFrame and the frame
// ring directly without locking.
type Engine struct {
	mu sync.Mutex

	conn      *bufferedConn
	core      Core
	ring      *frameRing
	clientNum uint32

	selfFrame           uint32
	lastConfirmedRemote uint16
	haveConfirmedRemote bool

	oldestWrong     uint32
	haveOldestWrong bool

	state          atomic.Int32
	replaying      atomic.Bool
	replayFrame    atomic.Uint32
	connected      atomic.Bool
	desyncDetected atomic.Bool
	statusMsg      atomic.Pointer[string]
}

// Init establishes the engine over an already-handshaken connection. conn
// is owned by the engine only once Init returns successfully; on error the
// caller is still responsible for closing it. startFrame and clientNum
// come from a completed raproto.HandshakeContext.
func Init(conn net.Conn, core Core, startFrame, clientNum uint32) (*Engine, error) {
	stateSize := core.SerializeSize()
	if stateSize <= 0 {
		return nil, fmt.Errorf("rollback: invalid state size %d", stateSize)
	}

	e := &Engine{
		conn:      newBufferedConn(conn),
		core:      core,
		ring:      newFrameRing(stateSize),
		clientNum: clientNum,
		selfFrame: startFrame,
	}

	if err := e.saveState(startFrame); err != nil {
		return nil, fmt.Errorf("rollback: initial snapshot: %w", err)
	}

	e.connected.Store(true)
	e.setState(StateConnected)
	e.setStatus("Rollback active")

	return e, nil
}

// Quit tears the engine down: best-effort CMD_DISCONNECT, then closes the
// connection. It does not fail the caller's shutdown path if the peer is
// already gone.
func (e *Engine) Quit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected.Load() {
		if err := raproto.SendCommand(e.conn, raproto.CmdDisconnect, nil); err != nil {
			logf("disconnect notice failed: %v", err)
		}
	}

	e.setState(StateQuit)
	e.connected.Store(false)

	return e.conn.Close()
}

func (e *Engine) saveState(frame uint32) error {
	return e.core.Serialize(e.ring.state(frame))
}

func (e *Engine) loadState(frame uint32) error {
	return e.core.Unserialize(e.ring.state(frame))
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

func (e *Engine) setStatus(msg string) { e.statusMsg.Store(&msg) }

// Update records this tick's local input, sends it to the peer, then
// drains whatever the peer has sent since the last tick and resolves any
// rollback the new data implies — all before the caller runs the core for
// the current frame (spec.md §2 steps 3-4, §4.2 steps 3-4). localInput is
// the controller state sampled for our own player slot this frame.
// Transport failures are not returned: they move the engine to
// StateDisconnected and are reported through IsConnected and
// GetStatusMessage.
func (e *Engine) Update(localInput uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Load() != int32(StateConnected) {
		return nil
	}

	e.ring.initSlotIfFresh(e.selfFrame, e.haveConfirmedRemote, e.lastConfirmedRemote)

	slot := e.ring.slot(e.selfFrame)
	slot.localInput = localInput

	if err := raproto.SendInput(e.conn, e.selfFrame, e.clientNum, localInput); err != nil {
		e.connected.Store(false)
		e.setState(StateDisconnected)
		e.setStatus(err.Error())
		return nil
	}

	if err := e.drainIncoming(); err != nil {
		e.connected.Store(false)
		e.setState(StateDisconnected)

		if errors.Is(err, errPeerDisconnected) {
			e.setStatus("Server disconnected")
		} else {
			e.setStatus(err.Error())
		}

		return nil
	}

	if e.haveOldestWrong {
		oldest := e.oldestWrong
		e.haveOldestWrong = false
		e.doRollback(oldest)
	}

	return nil
}

// PostFrame is called immediately after the caller runs the core for the
// current (non-replay) frame: it fingerprints the state the frame was run
// with, snapshots the resulting state for next frame's rollback base, and
// advances the frame counter.
func (e *Engine) PostFrame() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame := e.selfFrame
	slot := e.ring.slot(frame)

	// The CRC the host computes for frame is of the state at the *start*
	// of frame — i.e. the snapshot already sitting in ring.state(frame)
	// from Init or the previous PostFrame, not the state this frame just
	// produced (spec.md §3, §4.2 step 6; netplay_rollback.c:517).
	if dueForCRC(frame) {
		slot.crc = checksum(e.ring.state(frame))

		if err := raproto.SendCRC(e.conn, frame, slot.crc); err != nil {
			logf("send crc failed: %v", err)
		}
	}

	if err := e.saveState(frame + 1); err != nil {
		return fmt.Errorf("rollback: snapshot frame %d: %w", frame+1, err)
	}

	slot.stateSaved = true
	e.selfFrame = frame + 1

	return nil
}

// GetInput returns the controller state the core should use for port for
// the frame currently being simulated — either the live tick frame, or (if
// a replay is in progress) the frame being replayed. Ports are fixed by
// the protocol, independent of our negotiated client number: port 0 is
// always the host, port 1 is always this client (spec.md §4.2, §6;
// Rollback_getInput). It must never take e.mu: the core calls this
// synchronously from within RunOneFrame, which is invoked from inside
// Update/doRollback while the lock is already held by this same goroutine.
func (e *Engine) GetInput(port uint32) uint16 {
	frame := e.selfFrame
	if e.replaying.Load() {
		frame = e.replayFrame.Load()
	}

	slot := e.ring.slot(frame)
	if port == 0 {
		return slot.remoteInput
	}

	return slot.localInput
}

// IsReplaying reports whether the core is currently being driven through a
// rollback replay. The core uses this to suppress audio/video output.
func (e *Engine) IsReplaying() bool { return e.replaying.Load() }

// IsActive reports whether the engine holds a session (connected, or
// disconnected with its ring still retained), as opposed to idle or quit.
func (e *Engine) IsActive() bool {
	s := State(e.state.Load())
	return s == StateConnected || s == StateDisconnected
}

// IsConnected reports whether the transport is still usable.
func (e *Engine) IsConnected() bool { return e.connected.Load() }

// IsDesynced reports whether a CRC mismatch with the host has been
// observed. Desync is orthogonal to State: it never forces a transition by
// itself.
func (e *Engine) IsDesynced() bool { return e.desyncDetected.Load() }

// GetStatusMessage returns a short human-readable description of the
// engine's current condition, suitable for an on-screen overlay.
func (e *Engine) GetStatusMessage() string {
	if p := e.statusMsg.Load(); p != nil {
		return *p
	}
	return ""
}

// Pause and Resume notify the peer of a local pause state change. They do
// not stop the engine from draining incoming commands.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStatus("Paused")
	return raproto.SendCommand(e.conn, raproto.CmdPause, nil)
}

func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStatus("Rollback active")
	return raproto.SendCommand(e.conn, raproto.CmdResume, nil)
}

// Disconnect marks the session dead locally without attempting to notify
// the peer, for use when the transport is already known to be broken.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected.Store(false)
	e.setState(StateDisconnected)
}

func logf(format string, args ...any) {
	log.Printf("[rollback] "+format, args...)
}
