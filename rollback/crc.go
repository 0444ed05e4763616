package rollback

import "hash/crc32"

// crcInterval is how often (in frames) the engine fingerprints state and
// exchanges CMD_CRC with the host. spec.md §9 marks this an open question
// tuned to peer behavior, not a runtime configurable; the default is
// every frame.
const crcInterval = 1

// checksum computes the CRC32 used for state fingerprinting: the
// standard IEEE 802.3 reflected polynomial (0xEDB88320), initial
// 0xFFFFFFFF, final inversion. The standard library's crc32.IEEETable is
// bit-for-bit this table, so we use it directly rather than re-deriving
// the polynomial by hand.
func checksum(state []byte) uint32 {
	return crc32.ChecksumIEEE(state)
}

func dueForCRC(frame uint32) bool {
	return frame%crcInterval == 0
}
