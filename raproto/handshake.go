package raproto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/maxpoletaev/dendy/internal/binario"
)

// ClientHandshake performs the client-side handshake against an RA host
// (spec.md §4.1 "Client handshake (sequence)"): connection header
// exchange, CMD_NICK, CMD_INFO, CMD_SYNC, CMD_PLAY, and a wait for the
// YOU-bit CMD_MODE that confirms (or refuses) our player slot. ctx.Conn
// must already be an established TCP connection. On success ctx is
// filled in with the negotiated protocol, our client number, the start
// frame, and the host's nickname. Failures from the handshake are
// terminal — the caller should close the connection.
func ClientHandshake(ctx *HandshakeContext) error {
	conn := ctx.Conn
	deadline := time.Now().Add(handshakeTimeout)

	if err := sendClientHeader(conn); err != nil {
		return fmt.Errorf("send client header: %w", err)
	}

	if err := recvServerHeader(conn, ctx, deadline); err != nil {
		return fmt.Errorf("recv server header: %w", err)
	}

	if err := SendCommand(conn, CmdNick, fixedField(ctx.Nick, NickLen)); err != nil {
		return fmt.Errorf("send nick: %w", err)
	}

	if err := recvServerNick(conn, ctx, deadline); err != nil {
		return fmt.Errorf("recv server nick: %w", err)
	}

	// The server's CMD_INFO is inspected for diagnostics only; content is
	// already established host-side.
	if _, _, err := RecvCommand(conn, make([]byte, 256), deadline); err != nil {
		return fmt.Errorf("recv server info: %w", err)
	}

	info := binario.NewWriter(nil).
		Uint32(ctx.ContentCRC).
		FixedString(ctx.CoreName, CoreNameLen).
		FixedString(ctx.CoreVer, CoreVersionLen).
		Bytes()

	if err := SendCommand(conn, CmdInfo, info); err != nil {
		return fmt.Errorf("send info: %w", err)
	}

	if err := recvSync(conn, ctx, deadline); err != nil {
		return fmt.Errorf("recv sync: %w", err)
	}

	// Auto-assign a device, not a slave, no specific share mode.
	if err := SendCommand(conn, CmdPlay, binario.NewWriter(nil).Uint32(0).Bytes()); err != nil {
		return fmt.Errorf("send play: %w", err)
	}

	if err := waitForMode(conn, ctx, deadline); err != nil {
		return fmt.Errorf("wait for mode: %w", err)
	}

	return nil
}

func fixedField(s string, n int) []byte {
	return binario.NewWriter(nil).FixedString(s, n).Bytes()
}

func sendClientHeader(conn Conn) error {
	buf := make([]byte, clientHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], PlatformMagic)
	binary.BigEndian.PutUint32(buf[8:12], 0) // compression = 0
	binary.BigEndian.PutUint32(buf[12:16], ProtocolMax)
	binary.BigEndian.PutUint32(buf[16:20], ProtocolMin)
	binary.BigEndian.PutUint32(buf[20:24], ImplMagic)
	return writeFull(conn, buf)
}

func recvServerHeader(conn Conn, ctx *HandshakeContext, deadline time.Time) error {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, clientHeaderSize)
	if err := readFull(conn, buf); err != nil {
		return err
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	compression := binary.BigEndian.Uint32(buf[8:12])
	salt := binary.BigEndian.Uint32(buf[12:16])
	proto := binary.BigEndian.Uint32(buf[16:20])

	if magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	if proto < ProtocolMin || proto > ProtocolMax {
		return fmt.Errorf("%w: %d", ErrUnsupportedProtocol, proto)
	}

	if salt != 0 {
		return ErrPasswordRequired
	}

	if compression != 0 {
		return fmt.Errorf("%w: %d", ErrCompressionUnsupported, compression)
	}

	ctx.NegotiatedProto = proto

	return nil
}

func recvServerNick(conn Conn, ctx *HandshakeContext, deadline time.Time) error {
	buf := make([]byte, NickLen)

	hdr, n, err := RecvCommand(conn, buf, deadline)
	if err != nil {
		return err
	}

	if hdr.Cmd != CmdNick {
		return fmt.Errorf("%w: expected CMD_NICK, got 0x%04x", ErrWrongCommand, hdr.Cmd)
	}

	ctx.ServerNick = binario.NewReader(buf[:n]).FixedString(n)

	return nil
}

func recvSync(conn Conn, ctx *HandshakeContext, deadline time.Time) error {
	buf := make([]byte, 4096)

	hdr, n, err := RecvCommand(conn, buf, deadline)
	if err != nil {
		return err
	}

	if hdr.Cmd != CmdSync {
		return fmt.Errorf("%w: expected CMD_SYNC, got 0x%04x", ErrWrongCommand, hdr.Cmd)
	}

	if n < 12 {
		return fmt.Errorf("%w: SYNC payload too small (%d bytes)", ErrMalformedPayload, n)
	}

	r := binario.NewReader(buf[:n])
	ctx.StartFrame = r.Uint32()
	_ = r.Uint32() // connections bitmask — informational only
	ctx.ClientNum = r.Uint32()
	// Remaining per-client share modes / device maps are ignored.

	return nil
}

func waitForMode(conn Conn, ctx *HandshakeContext, deadline time.Time) error {
	buf := make([]byte, 64)

	for attempt := 0; attempt < modeRetryBudget; attempt++ {
		hdr, n, err := RecvCommand(conn, buf, deadline)
		if err != nil {
			return err
		}

		if hdr.Cmd != CmdMode || n < 8 {
			continue // non-MODE packets during the handshake are consumed and dropped
		}

		r := binario.NewReader(buf[:8])
		modeFrame := r.Uint32()
		modeFlags := r.Uint32()

		const (
			youBit     = uint32(1) << 31
			playingBit = uint32(1) << 30
		)

		if modeFlags&youBit == 0 {
			continue // MODE addressed to another client
		}

		if modeFlags&playingBit == 0 {
			return fmt.Errorf("%w: play request refused", ErrWrongCommand)
		}

		ctx.ClientNum = modeFlags & 0xFFFF
		if modeFrame > ctx.StartFrame {
			ctx.StartFrame = modeFrame
		}

		return nil
	}

	return fmt.Errorf("%w: no CMD_MODE within %d attempts", ErrTimeout, modeRetryBudget)
}
