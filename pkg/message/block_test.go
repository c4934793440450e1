package message

import "testing"

func TestBlockOptionValue(t *testing.T) {
	tests := []struct {
		block BlockOption
		value uint32
		size  int
	}{
		{BlockOption{Num: 0, More: false, SZX: 0}, 0x00, 16},
		{BlockOption{Num: 0, More: true, SZX: 2}, 0x0a, 64},
		{BlockOption{Num: 1, More: true, SZX: 6}, 0x1e, 1024},
		{BlockOption{Num: 4095, More: false, SZX: 6}, 0xfff6, 1024},
		{BlockOption{Num: MaxBlockNum, More: true, SZX: 0}, 0xfffff8, 16},
	}

	for _, tc := range tests {
		if got := tc.block.Value(); got != tc.value {
			t.Errorf("%+v.Value() = %#x, want %#x", tc.block, got, tc.value)
		}
		if got := tc.block.Size(); got != tc.size {
			t.Errorf("%+v.Size() = %d, want %d", tc.block, got, tc.size)
		}

		parsed, err := ParseBlockOption(tc.value)
		if err != nil {
			t.Fatalf("ParseBlockOption(%#x) error = %v", tc.value, err)
		}
		if parsed != tc.block {
			t.Errorf("ParseBlockOption(%#x) = %+v, want %+v", tc.value, parsed, tc.block)
		}
	}
}

func TestParseBlockOptionRejectsBERT(t *testing.T) {
	if _, err := ParseBlockOption(0x07); err != ErrInvalidBlockSZX {
		t.Errorf("ParseBlockOption(SZX=7) error = %v, want %v", err, ErrInvalidBlockSZX)
	}
}

func TestSZXForSize(t *testing.T) {
	for szx := uint8(0); szx <= MaxSZX; szx++ {
		size := 16 << szx
		got, err := SZXForSize(size)
		if err != nil {
			t.Fatalf("SZXForSize(%d) error = %v", size, err)
		}
		if got != szx {
			t.Errorf("SZXForSize(%d) = %d, want %d", size, got, szx)
		}
	}

	for _, size := range []int{0, 8, 100, 2048} {
		if _, err := SZXForSize(size); err == nil {
			t.Errorf("SZXForSize(%d) should fail", size)
		}
	}
}

func TestMessageBlockAccessors(t *testing.T) {
	m := NewRequest(GET, "/large")

	if _, ok, _ := m.GetBlock(Block2); ok {
		t.Fatal("GetBlock() found block on fresh request")
	}

	m.SetBlock(Block2, BlockOption{Num: 2, SZX: 4})
	b, ok, err := m.GetBlock(Block2)
	if err != nil || !ok {
		t.Fatalf("GetBlock() = %v, %v", ok, err)
	}
	if b.Num != 2 || b.SZX != 4 || b.More {
		t.Errorf("GetBlock() = %+v", b)
	}
	if b.Offset() != 512 {
		t.Errorf("Offset() = %d, want 512", b.Offset())
	}
}
