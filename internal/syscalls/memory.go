package syscalls

import (
	"encoding/binary"

	"github.com/PlanarG/OS/internal/platform"
)

// Memory validates and translates a thread's user-space pointers against
// its own page table. The original dereferences a validated user address
// directly (RISC-V's S-mode SUM bit lets supervisor code read/write user
// pages at their own virtual address); nothing here runs on real
// hardware, so every access is instead walked explicitly through the page
// table into the pool's backing storage.
type Memory struct {
	Table platform.PageTable
	Pool  platform.UserPool
}

func (m Memory) byteAt(addr uintptr) ([]byte, bool) {
	if m.Table == nil {
		return nil, false
	}
	entry, ok := m.Table.GetPTE(addr)
	if !ok || !entry.Valid() || !entry.User() {
		return nil, false
	}
	page := m.Pool.At(platform.PageAlignDown(entry.PhysAddr()))
	off := addr % platform.PageSize
	return page[off:], true
}

// CheckPointer reports whether the single byte at addr is present and
// user-accessible.
func (m Memory) CheckPointer(addr uintptr) bool {
	_, ok := m.byteAt(addr)
	return ok
}

// CheckBuffer validates a size-byte span starting at addr by checking
// only its first and last byte, matching the original's two-point check
// rather than walking every byte up front.
func (m Memory) CheckBuffer(addr uintptr, size int) bool {
	if size == 0 {
		return true
	}
	return m.CheckPointer(addr) && m.CheckPointer(addr+uintptr(size)-1)
}

// ReadByte reads one validated byte.
func (m Memory) ReadByte(addr uintptr) (byte, bool) {
	b, ok := m.byteAt(addr)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// WriteByte writes one validated byte.
func (m Memory) WriteByte(addr uintptr, v byte) bool {
	b, ok := m.byteAt(addr)
	if !ok {
		return false
	}
	b[0] = v
	return true
}

// ReadString copies bytes from addr until a validated NUL, each byte
// individually checked, matching get_str's walk.
func (m Memory) ReadString(addr uintptr) (string, bool) {
	var out []byte
	for {
		b, ok := m.ReadByte(addr)
		if !ok {
			return "", false
		}
		if b == 0 {
			break
		}
		out = append(out, b)
		addr++
	}
	return string(out), true
}

// ReadBuffer copies size validated bytes starting at addr.
func (m Memory) ReadBuffer(addr uintptr, size int) ([]byte, bool) {
	if !m.CheckBuffer(addr, size) {
		return nil, false
	}
	out := make([]byte, size)
	for i := range out {
		b, ok := m.ReadByte(addr + uintptr(i))
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

// WriteBuffer writes data starting at addr, after validating the span.
func (m Memory) WriteBuffer(addr uintptr, data []byte) bool {
	if !m.CheckBuffer(addr, len(data)) {
		return false
	}
	for i, b := range data {
		if !m.WriteByte(addr+uintptr(i), b) {
			return false
		}
	}
	return true
}

// ReadWord reads one little-endian machine word (8 bytes), used to walk
// an argv pointer array.
func (m Memory) ReadWord(addr uintptr) (uintptr, bool) {
	buf, ok := m.ReadBuffer(addr, 8)
	if !ok {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(buf)), true
}

// WriteWord writes one little-endian machine word, used by fstat to
// return the inode and length out-params.
func (m Memory) WriteWord(addr uintptr, v uint64) bool {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return m.WriteBuffer(addr, buf)
}
