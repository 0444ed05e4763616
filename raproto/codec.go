package raproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/maxpoletaev/dendy/internal/binario"
)

// Conn is the subset of net.Conn the codec needs. It lets tests exercise
// the wire format against an in-memory pipe instead of a real socket.
type Conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// SendCommand writes the 8-byte command header followed by payload.
func SendCommand(conn Conn, cmd uint32, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], cmd)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if err := writeFull(conn, hdr); err != nil {
		return err
	}

	if len(payload) > 0 {
		if err := writeFull(conn, payload); err != nil {
			return err
		}
	}

	return nil
}

func writeFull(conn Conn, buf []byte) error {
	n, err := conn.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShortWrite, err)
	}

	if n != len(buf) {
		return ErrShortWrite
	}

	return nil
}

// RecvCommand reads the 8-byte header, then up to len(payload) bytes of
// the declared payload, then drains any remaining declared bytes so the
// stream stays framed. deadline covers the whole operation; a zero
// deadline means no timeout is applied (the caller already set one, or
// genuinely wants to block).
//
// n reports how many bytes of payload were copied into payload.
func RecvCommand(conn Conn, payload []byte, deadline time.Time) (hdr PacketHeader, n int, err error) {
	hdr, err = ReadHeader(conn, deadline)
	if err != nil {
		return hdr, 0, err
	}

	n, err = ReadPayload(conn, hdr.Size, payload)
	return hdr, n, err
}

// ReadHeader reads just the 8-byte command envelope. deadline covers the
// read; a zero deadline leaves any previously-set deadline untouched.
func ReadHeader(conn Conn, deadline time.Time) (PacketHeader, error) {
	var hdr PacketHeader

	if !deadline.IsZero() {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return hdr, err
		}
	}

	hdrBuf := make([]byte, headerSize)
	if err := readFull(conn, hdrBuf); err != nil {
		return hdr, err
	}

	hdr.Cmd = binary.BigEndian.Uint32(hdrBuf[0:4])
	hdr.Size = binary.BigEndian.Uint32(hdrBuf[4:8])

	return hdr, nil
}

// ReadPayload reads a declared payload of payloadSize bytes: up to
// len(payload) bytes are copied in, and any remaining declared bytes are
// drained so the stream stays framed. n reports how many bytes were
// copied into payload.
func ReadPayload(conn Conn, payloadSize uint32, payload []byte) (n int, err error) {
	if payloadSize == 0 {
		return 0, nil
	}

	switch {
	case payload == nil:
		return 0, DrainBytes(conn, payloadSize)
	case payloadSize <= uint32(len(payload)):
		if err := readFull(conn, payload[:payloadSize]); err != nil {
			return 0, err
		}
		return int(payloadSize), nil
	default:
		if err := readFull(conn, payload); err != nil {
			return 0, err
		}
		if err := DrainBytes(conn, payloadSize-uint32(len(payload))); err != nil {
			return len(payload), err
		}
		return len(payload), nil
	}
}

// ReadExact reads exactly len(buf) bytes, for callers that need to parse a
// sub-header before deciding how much more payload to read (e.g.
// CMD_LOAD_SAVESTATE's embedded frame/size fields).
func ReadExact(conn Conn, buf []byte) error {
	return readFull(conn, buf)
}

func readFull(conn Conn, buf []byte) error {
	_, err := io.ReadFull(conn, buf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", ErrEOF, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// DrainBytes consumes and discards exactly n bytes so the framing stays
// intact when a payload is larger than the reader's buffer.
func DrainBytes(conn Conn, n uint32) error {
	if n == 0 {
		return nil
	}

	var tmp [256]byte
	remaining := n

	for remaining > 0 {
		chunk := remaining
		if chunk > uint32(len(tmp)) {
			chunk = uint32(len(tmp))
		}

		if err := readFull(conn, tmp[:chunk]); err != nil {
			return err
		}

		remaining -= chunk
	}

	return nil
}

// SendInput encodes CMD_INPUT as exactly three big-endian words. Sending
// extra analog words confuses the peer, which derives device count from
// payload length.
func SendInput(conn Conn, frame uint32, clientNum uint32, joypad uint16) error {
	payload := binario.NewWriter(nil).
		Uint32(frame).
		Uint32(clientNum & 0x7FFFFFFF). // is_server = 0 for a client
		Uint32(uint32(joypad)).
		Bytes()

	return SendCommand(conn, CmdInput, payload)
}

// ParseInput decodes a CMD_INPUT payload, stripping the is_server bit
// from the player field and truncating the controller word to 16 bits.
func ParseInput(payload []byte) (frame uint32, player uint32, joypad uint16, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, fmt.Errorf("%w: CMD_INPUT payload too short (%d bytes)", ErrMalformedPayload, len(payload))
	}

	r := binario.NewReader(payload)
	frame = r.Uint32()

	serverPlayer := r.Uint32()
	player = serverPlayer &^ (1 << 31)

	joypad = uint16(r.Uint32())

	return frame, player, joypad, nil
}

// SendCRC encodes CMD_CRC as two big-endian words.
func SendCRC(conn Conn, frame uint32, crc uint32) error {
	payload := binario.NewWriter(nil).Uint32(frame).Uint32(crc).Bytes()
	return SendCommand(conn, CmdCRC, payload)
}
