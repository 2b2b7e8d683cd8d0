package parallel

import "testing"

func TestStateSet(t *testing.T) {
	s := NewStateSet()
	a, b := [32]byte{1}, [32]byte{2}
	if first := s.Insert(a, 70, 3); first != -1 {
		t.Fatalf("fresh state reported as seen at %d", first)
	}
	if first := s.Insert(a, 70, 5); first != 3 {
		t.Fatalf("repeat reported %d, want 3", first)
	}
	if first := s.Insert(b, 70, 4); first != -1 || s.Len() != 2 {
		t.Fatalf("distinct state reported as seen at %d", first)
	}
	if first := s.Insert(b, 71, 6); first != -1 || s.Len() != 1 {
		t.Fatalf("level change must reset the set")
	}
	if first := s.Insert(a, 71, 7); first != -1 {
		t.Fatalf("state from the previous level reported at %d", first)
	}
}
