package parallel

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sync"
)

const blockSize = 30

// Hasher digests a stream of uint16 values that may be written out of order by
// concurrent goroutines. Values are fed to sha256 strictly in index order as
// soon as every index of a block is present, so the digest only depends on the
// values and never on the order of the writes.
type Hasher struct {
	mut     sync.Mutex
	sha     hash.Hash
	ate     int
	written int
	blocks  map[int]*block
}

type block struct {
	mark uint32
	data [2 * blockSize]byte
}

func NewUint16Hasher() *Hasher {
	return &Hasher{
		sha:    sha256.New(),
		blocks: make(map[int]*block),
	}
}

func (b *block) full() bool {
	return b.mark == 1<<blockSize-1
}

// MustPutUint16 stores value at index n. Writing the same index twice, or an
// index whose block was already digested, panics.
func (h *Hasher) MustPutUint16(n int, value uint16) {
	if n < 0 {
		panic("negative index")
	}
	id := n / blockSize
	pos := uint(n % blockSize)

	h.mut.Lock()
	defer h.mut.Unlock()

	if id < h.ate {
		panic("already consumed block")
	}
	b := h.blocks[id]
	if b == nil {
		b = new(block)
		h.blocks[id] = b
	}
	if b.mark&(1<<pos) != 0 {
		panic("duplicate write")
	}
	b.mark |= 1 << pos
	binary.BigEndian.PutUint16(b.data[2*pos:], value)
	if n+1 > h.written {
		h.written = n + 1
	}

	for {
		next := h.blocks[h.ate]
		if next == nil || !next.full() {
			return
		}
		h.sha.Write(next.data[:])
		delete(h.blocks, h.ate)
		h.ate++
	}
}

// Len reports one past the highest index written.
func (h *Hasher) Len() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.written
}

// Sum digests the remaining partial blocks in index order. Missing indices in
// the final blocks hash as zero. The hasher must not be written after Sum.
func (h *Hasher) Sum() (ret [32]byte) {
	h.mut.Lock()
	defer h.mut.Unlock()
	last := (h.written + blockSize - 1) / blockSize
	for ; h.ate < last; h.ate++ {
		b := h.blocks[h.ate]
		if b == nil {
			b = new(block)
		}
		var mark [4]byte
		binary.BigEndian.PutUint32(mark[:], b.mark)
		h.sha.Write(b.data[:])
		h.sha.Write(mark[:])
		delete(h.blocks, h.ate)
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(h.written))
	h.sha.Write(count[:])
	copy(ret[:], h.sha.Sum(nil))
	return
}
