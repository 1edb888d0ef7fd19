package devlink

import (
	"sync"

	"github.com/pkg/errors"
)

const simPageSize = 4096

// simMemory is the simulator's sparse device address space. Pages are
// materialized on first write; reads of untouched pages see zeroes.
type simMemory struct {
	mu    sync.RWMutex
	pages map[uint64]*[simPageSize]byte
}

func newSimMemory() *simMemory {
	return &simMemory{pages: make(map[uint64]*[simPageSize]byte)}
}

func (m *simMemory) read(dst []byte, src Addr) error {
	if src == 0 && len(dst) > 0 {
		return errors.New("read from device address zero")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr := uint64(src)
	for off := 0; off < len(dst); {
		page := addr / simPageSize
		in := int(addr % simPageSize)
		n := simPageSize - in
		if n > len(dst)-off {
			n = len(dst) - off
		}
		if p, ok := m.pages[page]; ok {
			copy(dst[off:off+n], p[in:in+n])
		} else {
			for i := off; i < off+n; i++ {
				dst[i] = 0
			}
		}
		off += n
		addr += uint64(n)
	}
	return nil
}

func (m *simMemory) write(dst Addr, src []byte) error {
	if dst == 0 && len(src) > 0 {
		return errors.New("write to device address zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := uint64(dst)
	for off := 0; off < len(src); {
		page := addr / simPageSize
		in := int(addr % simPageSize)
		n := simPageSize - in
		if n > len(src)-off {
			n = len(src) - off
		}
		p, ok := m.pages[page]
		if !ok {
			p = new([simPageSize]byte)
			m.pages[page] = p
		}
		copy(p[in:in+n], src[off:off+n])
		off += n
		addr += uint64(n)
	}
	return nil
}

// readCString reads a NUL-terminated string of at most max bytes.
func (m *simMemory) readCString(src Addr, max int) (string, error) {
	buf := make([]byte, max+1)
	if err := m.read(buf, src); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", errors.Errorf("unterminated string at %#x", uint64(src))
}
