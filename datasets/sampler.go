package datasets

import (
	"fmt"

	"github.com/jbarham/primegen"

	"github.com/neurlang/qtrain/hash"
)

// Sampler hands every rank a disjoint, equally long shard of [0, n). With
// shuffling on, the order is a permutation that depends only on the seed and
// the epoch: i -> (offset + i*p) mod n, with p a prime larger than n.
type Sampler struct {
	n       int
	rank    int
	world   int
	seed    int64
	shuffle bool
	epoch   int
}

func NewSampler(n, rank, world int, seed int64, shuffle bool) (*Sampler, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sampler: empty dataset")
	}
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("sampler: rank %d outside world of %d", rank, world)
	}
	return &Sampler{n: n, rank: rank, world: world, seed: seed, shuffle: shuffle}, nil
}

func (s *Sampler) SetEpoch(epoch int) { s.epoch = epoch }

func (s *Sampler) Epoch() int { return s.epoch }

// PerRank returns the shard length every rank gets.
func (s *Sampler) PerRank() int {
	return (s.n + s.world - 1) / s.world
}

func (s *Sampler) stride() uint64 {
	n := uint64(s.n)
	pg := primegen.New()
	pg.SkipTo(n + 1 + uint64(hash.Mix(uint32(s.epoch), hash.Salt(s.seed)))%(n+1))
	p := pg.Next()
	for p <= n {
		p = pg.Next()
	}
	return p
}

// Indices returns this rank's shard for the current epoch. The global order is
// padded by wrapping around so that every rank gets PerRank indices.
func (s *Sampler) Indices() []int {
	n := uint64(s.n)
	var p, off uint64 = 1, 0
	if s.shuffle {
		p = s.stride() % n
		off = uint64(hash.Hash(uint32(s.epoch), hash.Salt(s.seed^0x5bd1e995), uint32(n)))
		if n == 1 {
			p = 1
		}
	}
	per := s.PerRank()
	out := make([]int, 0, per)
	for j := 0; j < per; j++ {
		i := uint64(j*s.world+s.rank) % n
		out = append(out, int((off+i*p)%n))
	}
	return out
}
