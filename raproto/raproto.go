// Package raproto implements the RetroArch netplay wire protocol: the
// 24-byte connection header handshake, the 8-byte framed command envelope,
// per-frame input/CRC exchange, savestate transfer, and LAN discovery.
//
// Bit-exact compatibility with an unmodified RetroArch peer is required —
// the command IDs, field widths, and byte order below are fixed by that
// peer and must not change.
package raproto

import "time"

// Protocol constants, fixed by the RA peer.
const (
	Magic          uint32 = 0x52414E50 // "RANP"
	PlatformMagic  uint32 = 0x4E585549 // "NXUI"
	ImplMagic      uint32 = 0x4E585242 // "NXRB"

	DiscoveryQueryMagic    uint32 = 0x52414E51 // "RANQ"
	DiscoveryResponseMagic uint32 = 0x52414E53 // "RANS"
	DiscoveryPort          int    = 55435

	ProtocolMin uint32 = 6
	ProtocolMax uint32 = 6

	NickLen        = 32
	CoreNameLen    = 32
	CoreVersionLen = 32
	HostStrLen     = 32
	HostLongStrLen = 256

	headerSize       = 8  // PacketHeader on the wire
	clientHeaderSize = 24 // ClientHeader / ServerHeader on the wire
	infoPayloadSize  = 4 + CoreNameLen + CoreVersionLen
	discoveryPktSize = 4 + 4 + 4 + 4 + NickLen + HostStrLen*4 + HostLongStrLen*2
)

// Command IDs. These are fixed by the peer and MUST NOT be renumbered.
const (
	CmdAck              uint32 = 0x0000
	CmdNak              uint32 = 0x0001
	CmdDisconnect       uint32 = 0x0002
	CmdInput            uint32 = 0x0003
	CmdNoInput          uint32 = 0x0004
	CmdNick             uint32 = 0x0020
	CmdPassword         uint32 = 0x0021
	CmdInfo             uint32 = 0x0022
	CmdSync             uint32 = 0x0023
	CmdSpectate         uint32 = 0x0024
	CmdPlay             uint32 = 0x0025
	CmdMode             uint32 = 0x0026
	CmdCRC              uint32 = 0x0040
	CmdRequestSavestate uint32 = 0x0041
	CmdLoadSavestate    uint32 = 0x0042
	CmdPause            uint32 = 0x0043
	CmdResume           uint32 = 0x0044
	CmdCfg              uint32 = 0x0061
	CmdCfgAck           uint32 = 0x0062
)

// Handshake tuning. The source spins up to modeRetryBudget times waiting
// for the YOU-bit CMD_MODE packet (spec.md §9, open question).
const (
	modeRetryBudget  = 50
	handshakeTimeout = 10 * time.Second
)

// PacketHeader is the 8-byte envelope prepended to every command.
type PacketHeader struct {
	Cmd  uint32
	Size uint32
}

// ClientHeader is the 24-byte header the client sends immediately after
// TCP establishment.
type ClientHeader struct {
	Magic         uint32
	PlatformMagic uint32
	Compression   uint32
	ProtoHi       uint32
	ProtoLo       uint32
	ImplMagic     uint32
}

// ServerHeader is the 24-byte reply from the host.
type ServerHeader struct {
	Magic         uint32
	PlatformMagic uint32
	Compression   uint32
	Salt          uint32
	Proto         uint32
	ImplMagic     uint32
}

// InfoPayload is the CMD_INFO payload exchanged by both sides.
type InfoPayload struct {
	ContentCRC uint32
	CoreName   string
	CoreVer    string
}

// CRCPayload is the CMD_CRC payload.
type CRCPayload struct {
	Frame uint32
	CRC   uint32
}

// HandshakeContext carries the state needed to perform and the state
// produced by ClientHandshake (spec.md §3 "Handshake context").
type HandshakeContext struct {
	Conn Conn

	// Set by the caller before calling ClientHandshake.
	Nick       string
	ContentCRC uint32
	CoreName   string
	CoreVer    string

	// Filled in by ClientHandshake on success.
	NegotiatedProto uint32
	ClientNum       uint32
	StartFrame      uint32
	ServerNick      string
}
