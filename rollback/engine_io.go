package rollback

import (
	"fmt"
	"time"

	"github.com/maxpoletaev/dendy/internal/binario"
	"github.com/maxpoletaev/dendy/raproto"
)

// drainIncoming consumes every command already buffered on the wire,
// non-blockingly, dispatching each to its handler (spec.md §4.2
// "process_incoming"). It returns once the peer has nothing more pending.
func (e *Engine) drainIncoming() error {
	for e.conn.hasPendingData() {
		hdr, err := raproto.ReadHeader(e.conn, time.Time{})
		if err != nil {
			return fmt.Errorf("rollback: read header: %w", err)
		}

		switch hdr.Cmd {
		case raproto.CmdInput:
			if err := e.handleInput(hdr.Size); err != nil {
				return err
			}

		case raproto.CmdCRC:
			if err := e.handleCRC(hdr.Size); err != nil {
				return err
			}

		case raproto.CmdLoadSavestate:
			if err := e.handleLoadSavestate(hdr.Size); err != nil {
				return err
			}

		case raproto.CmdDisconnect:
			_ = raproto.DrainBytes(e.conn, hdr.Size)
			return errPeerDisconnected

		case raproto.CmdPause:
			_ = raproto.DrainBytes(e.conn, hdr.Size)
			e.setStatus("Server paused")

		case raproto.CmdResume:
			_ = raproto.DrainBytes(e.conn, hdr.Size)
			e.setStatus("Rollback active")

		default:
			if err := raproto.DrainBytes(e.conn, hdr.Size); err != nil {
				return fmt.Errorf("rollback: drain cmd 0x%04x: %w", hdr.Cmd, err)
			}
		}
	}

	return nil
}

func (e *Engine) handleInput(size uint32) error {
	buf := make([]byte, 12)

	n, err := raproto.ReadPayload(e.conn, size, buf)
	if err != nil {
		return fmt.Errorf("rollback: read input: %w", err)
	}

	frame, player, input, err := raproto.ParseInput(buf[:n])
	if err != nil {
		logf("malformed CMD_INPUT dropped: %v", err)
		return nil
	}

	// The host echoes our own input back; it carries nothing new.
	if player == e.clientNum {
		return nil
	}

	e.applyRemoteInput(frame, input)

	return nil
}

func (e *Engine) applyRemoteInput(frame uint32, input uint16) {
	slot := e.ring.slot(frame)

	if frame < e.selfFrame && slot.remoteInput != input {
		if !e.haveOldestWrong || frame < e.oldestWrong {
			e.oldestWrong = frame
			e.haveOldestWrong = true
		}
	}

	slot.remoteInput = input
	slot.remoteConfirmed = true

	e.lastConfirmedRemote = input
	e.haveConfirmedRemote = true
}

func (e *Engine) handleCRC(size uint32) error {
	buf := make([]byte, 8)

	n, err := raproto.ReadPayload(e.conn, size, buf)
	if err != nil {
		return fmt.Errorf("rollback: read crc: %w", err)
	}

	if n < 8 {
		logf("malformed CMD_CRC dropped")
		return nil
	}

	r := binario.NewReader(buf[:n])
	frame := r.Uint32()
	theirCRC := r.Uint32()

	slot := e.ring.slot(frame)
	if slot.stateSaved && slot.crc != theirCRC {
		e.desyncDetected.Store(true)
		logf("desync detected at frame %d: local=%08x remote=%08x", frame, slot.crc, theirCRC)
	}

	return nil
}

// handleLoadSavestate implements the host-forced resync path. Unlike every
// other command its payload begins with its own frame/size sub-header, so
// the outer declared size can't be trusted to size a single read: we read
// the 8-byte sub-header first, then allocate exactly the state bytes it
// names.
func (e *Engine) handleLoadSavestate(payloadSize uint32) error {
	if payloadSize < 8 {
		return raproto.DrainBytes(e.conn, payloadSize)
	}

	sub := make([]byte, 8)
	if err := raproto.ReadExact(e.conn, sub); err != nil {
		return fmt.Errorf("rollback: read load-savestate header: %w", err)
	}

	r := binario.NewReader(sub)
	frame := r.Uint32()
	size := r.Uint32()

	remaining := payloadSize - 8
	if size > remaining {
		if err := raproto.DrainBytes(e.conn, remaining); err != nil {
			return fmt.Errorf("rollback: drain load-savestate: %w", err)
		}
		logf("malformed CMD_LOAD_SAVESTATE dropped: declares %d bytes, only %d remain", size, remaining)
		return nil
	}

	buf := make([]byte, size)
	if err := raproto.ReadExact(e.conn, buf); err != nil {
		return fmt.Errorf("rollback: read savestate body: %w", err)
	}

	if remaining > size {
		if err := raproto.DrainBytes(e.conn, remaining-size); err != nil {
			return fmt.Errorf("rollback: drain savestate trailer: %w", err)
		}
	}

	if int(size) != e.ring.stateSize {
		logf("CMD_LOAD_SAVESTATE dropped: savestate size %d does not match core state size %d", size, e.ring.stateSize)
		return nil
	}

	if err := e.core.Unserialize(buf); err != nil {
		return fmt.Errorf("rollback: apply host savestate: %w", err)
	}

	e.ring.initSlot(frame)
	copy(e.ring.state(frame), buf)
	e.selfFrame = frame

	e.desyncDetected.Store(false)
	e.setStatus(fmt.Sprintf("Resync from server (frame %d)", frame))
	logf("resynced to frame %d via host savestate", frame)

	return nil
}

// doRollback replays frames [oldest, e.selfFrame) from the last state known
// to be correct, recomputing state and CRC as it goes (spec.md §4.2
// "Rollback-replay algorithm"). If the gap reaches the ring's capacity the
// needed state has already been overwritten and the rollback is abandoned;
// the engine relies on the host's CMD_LOAD_SAVESTATE to recover from there.
func (e *Engine) doRollback(oldest uint32) {
	gap := e.selfFrame - oldest
	if gap >= ringSize {
		logf("rollback gap %d does not fit ring capacity %d, abandoning", gap, ringSize)
		e.setStatus("rollback overflow")
		return
	}

	if err := e.loadState(oldest); err != nil {
		logf("rollback: load state at frame %d: %v", oldest, err)
		return
	}

	e.replaying.Store(true)

	for f := oldest; f < e.selfFrame; f++ {
		slot := e.ring.slot(f)

		// state(f) is still the start-of-frame-f snapshot at this point
		// (loaded above, or saved by the previous iteration) — the same
		// convention PostFrame uses for the live path.
		if dueForCRC(f) {
			slot.crc = checksum(e.ring.state(f))
		}

		e.replayFrame.Store(f)
		e.core.RunOneFrame()

		if err := e.saveState(f + 1); err != nil {
			logf("rollback: resave state at frame %d: %v", f+1, err)
			break
		}

		slot.stateSaved = true
	}

	e.replaying.Store(false)
}
