package flowid

import "testing"

func TestHexGeneratorLength(t *testing.T) {
	for _, l := range []int{8, 16, 32} {
		g, err := NewHexGenerator(l)
		if err != nil {
			t.Fatalf("unexpected error for length %d: %v", l, err)
		}

		id := g.MustGenerate()
		if len(id) != l {
			t.Errorf("expected id of length %d, got %q", l, id)
		}

		if !g.IsValid(id) {
			t.Errorf("generated id %q reported invalid", id)
		}
	}
}

func TestHexGeneratorRejectsBadLength(t *testing.T) {
	for _, l := range []int{0, 7, 9, 255} {
		if _, err := NewHexGenerator(l); err != ErrInvalidLen {
			t.Errorf("expected ErrInvalidLen for length %d, got %v", l, err)
		}
	}
}

func TestHexGeneratorUnique(t *testing.T) {
	g, err := NewHexGenerator(32)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.MustGenerate()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}

		seen[id] = true
	}
}

func TestULIDGenerator(t *testing.T) {
	g := NewULIDGenerator()
	id, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}

	if len(id) != 26 {
		t.Errorf("expected 26 character ULID, got %q", id)
	}

	if !g.IsValid(id) {
		t.Errorf("generated id %q reported invalid", id)
	}

	if g.IsValid("not-a-ulid") {
		t.Error("invalid id reported valid")
	}
}
