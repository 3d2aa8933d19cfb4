package relay

import (
	"encoding/binary"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// Marshal encodes a Beacon as the wire.TagRelayBeacon frame body:
// recipient_hash(8) ‖ ttl(1) ‖ hop_count(1) ‖ created_at_unix(8) ‖
// ephemeral_pub(32) ‖ nonce(12) ‖ ciphertext_len(4) ‖ ciphertext.
func (b Beacon) Marshal() []byte {
	buf := make([]byte, 0, 8+1+1+8+32+12+4+len(b.Payload.Ciphertext))
	buf = append(buf, b.RecipientHash[:]...)
	buf = append(buf, b.TTL, b.HopCount)

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(b.CreatedAt.Unix()))
	buf = append(buf, ts[:]...)

	buf = append(buf, b.Payload.EphemeralPub[:]...)
	buf = append(buf, b.Payload.Nonce[:]...)

	var clen [4]byte
	binary.LittleEndian.PutUint32(clen[:], uint32(len(b.Payload.Ciphertext)))
	buf = append(buf, clen[:]...)
	buf = append(buf, b.Payload.Ciphertext...)
	return buf
}

func UnmarshalBeacon(buf []byte) (Beacon, error) {
	const headerLen = 8 + 1 + 1 + 8 + 32 + 12 + 4
	if len(buf) < headerLen {
		return Beacon{}, grid.Relay("beacon frame too short", nil)
	}
	var b Beacon
	off := 0
	copy(b.RecipientHash[:], buf[off:off+8])
	off += 8
	b.TTL = buf[off]
	off++
	b.HopCount = buf[off]
	off++
	b.CreatedAt = time.Unix(int64(binary.LittleEndian.Uint64(buf[off:off+8])), 0)
	off += 8
	copy(b.Payload.EphemeralPub[:], buf[off:off+32])
	off += 32
	copy(b.Payload.Nonce[:], buf[off:off+12])
	off += 12
	clen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf)-off < clen {
		return Beacon{}, grid.Relay("beacon ciphertext truncated", nil)
	}
	b.Payload.Ciphertext = append([]byte(nil), buf[off:off+clen]...)
	return b, nil
}
