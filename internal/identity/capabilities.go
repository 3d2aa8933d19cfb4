package identity

import (
	"encoding/binary"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// Capabilities is the capability set a peer advertises during the
// handshake and, per the capability-advertisement supplement, again after
// Welcome via CapabilityAdvert.
type Capabilities struct {
	CanCompute   bool
	CanRelay     bool
	CanStore     bool
	MaxStorageMB uint64
	Skills       []string
}

const (
	flagCanCompute byte = 1 << iota
	flagCanRelay
	flagCanStore
)

// Encode produces a deterministic byte encoding used both on the wire and
// as part of the handshake's signed data.
func (c Capabilities) Encode() []byte {
	var flags byte
	if c.CanCompute {
		flags |= flagCanCompute
	}
	if c.CanRelay {
		flags |= flagCanRelay
	}
	if c.CanStore {
		flags |= flagCanStore
	}

	buf := make([]byte, 0, 1+8+2+len(c.Skills)*8)
	buf = append(buf, flags)

	storage := make([]byte, 8)
	binary.LittleEndian.PutUint64(storage, c.MaxStorageMB)
	buf = append(buf, storage...)

	count := make([]byte, 2)
	binary.LittleEndian.PutUint16(count, uint16(len(c.Skills)))
	buf = append(buf, count...)

	for _, s := range c.Skills {
		l := make([]byte, 2)
		binary.LittleEndian.PutUint16(l, uint16(len(s)))
		buf = append(buf, l...)
		buf = append(buf, s...)
	}
	return buf
}

// DecodeCapabilities reverses Encode.
func DecodeCapabilities(buf []byte) (Capabilities, error) {
	var c Capabilities
	if len(buf) < 1+8+2 {
		return c, grid.Protocol("capabilities: truncated", nil)
	}
	flags := buf[0]
	c.CanCompute = flags&flagCanCompute != 0
	c.CanRelay = flags&flagCanRelay != 0
	c.CanStore = flags&flagCanStore != 0
	c.MaxStorageMB = binary.LittleEndian.Uint64(buf[1:9])
	count := binary.LittleEndian.Uint16(buf[9:11])
	off := 11
	c.Skills = make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		if off+2 > len(buf) {
			return c, grid.Protocol("capabilities: truncated skill length", nil)
		}
		l := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+l > len(buf) {
			return c, grid.Protocol("capabilities: truncated skill body", nil)
		}
		c.Skills = append(c.Skills, string(buf[off:off+l]))
		off += l
	}
	return c, nil
}

// HasSkill reports whether s is among the advertised skills.
func (c Capabilities) HasSkill(s string) bool {
	for _, sk := range c.Skills {
		if sk == s {
			return true
		}
	}
	return false
}
