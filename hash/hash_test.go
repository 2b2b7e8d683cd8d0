package hash

import "testing"

func BenchmarkHash(b *testing.B) {
	var n, s uint32
	for i := 0; i < b.N; i++ {
		n = Hash(n, s, 1<<20)
		s++
	}
}

// Chains of Hash(prev, salt, max) should take many steps before revisiting a
// value.
func TestHashCycles(t *testing.T) {
	for max := uint32(1024); max <= 1<<16; max <<= 2 {
		visited := make([]bool, max)
		var cur uint32
		steps := 0
		for s := uint32(0); s < 4*max; s++ {
			cur = Hash(cur, s, max)
			if visited[cur] {
				break
			}
			visited[cur] = true
			steps++
		}
		if steps < 2 {
			t.Errorf("max %d: revisited after %d steps", max, steps)
		}
	}
}

func TestHashRange(t *testing.T) {
	for _, max := range []uint32{0, 1, 2, 7, 1000, 1 << 31} {
		for n := uint32(0); n < 500; n++ {
			h := Hash(n, n*31+7, max)
			if max == 0 && h != 0 || max > 0 && h >= max {
				t.Fatalf("Hash(%d, _, %d) = %d", n, max, h)
			}
		}
	}
}

func TestSalt(t *testing.T) {
	if Salt(1) != Salt(1<<32) {
		t.Fatal("high and low words must fold together")
	}
	if Salt(-1) != 0 {
		t.Fatalf("Salt(-1) = %#x", Salt(-1))
	}
}

func FuzzHash(f *testing.F) {
	f.Add(uint32(0), uint32(0), uint32(0))
	f.Fuzz(func(t *testing.T, n, s, max uint32) {
		out := Hash(n, s, max)
		if max == 0 && out != 0 {
			t.Errorf("Hash(%d, %d, 0) = %d", n, s, out)
		}
		if max > 0 && out >= max {
			t.Errorf("Hash(%d, %d, %d) = %d", n, s, max, out)
		}
	})
}
