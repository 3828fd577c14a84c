package protocol

// parityMask selects, for each of the five parity bits, which bits of the
// three group bytes and of the partially built checksum byte it covers.
var parityMask = [5][GroupSize + 1]byte{
	{0xc0, 0xc3, 0xff, 0x09},
	{0x38, 0x3a, 0x7e, 0x13},
	{0x26, 0xb5, 0xb9, 0x23},
	{0x95, 0x6c, 0xd5, 0x43},
	{0x4b, 0xdc, 0xe2, 0x83},
}

// ChecksumLen returns the number of checksum bytes for a frame of n bytes
// (length byte included).
func ChecksumLen(n int) int {
	return (n + GroupSize - 1) / GroupSize
}

// Checksum computes the checksum bytes for frame, which is the length byte
// followed by the payload. Each output byte covers one zero padded 3-byte
// group: the low 3 bits hold the group index, the high 5 bits are parity.
func Checksum(frame []byte) []byte {
	out := make([]byte, ChecksumLen(len(frame)))
	for t := range out {
		out[t] = checksumGroup(frame, t)
	}
	return out
}

func checksumGroup(frame []byte, t int) byte {
	var g [GroupSize]byte
	copy(g[:], frame[t*GroupSize:])

	sum := byte(t & 7)
	for bit := 0; bit < 5; bit++ {
		check := sum & parityMask[bit][GroupSize]
		for p := 0; p < GroupSize; p++ {
			check ^= g[p] & parityMask[bit][p]
		}
		check ^= check >> 4
		check ^= check >> 2
		check ^= check >> 1
		if check&1 != 0 {
			sum |= 1 << (bit + 3)
		}
	}
	return sum
}

// VerifyChecksum reports whether sum matches the checksum of frame.
func VerifyChecksum(frame, sum []byte) bool {
	if len(sum) != ChecksumLen(len(frame)) {
		return false
	}
	for t := range sum {
		if sum[t] != checksumGroup(frame, t) {
			return false
		}
	}
	return true
}
