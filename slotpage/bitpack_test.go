package slotpage

import (
	"reflect"
	"testing"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		values   []uint32
		bitWidth int
	}{
		{"single bit", []uint32{0, 1, 1, 0, 1}, 1},
		{"three bit", []uint32{5, 0, 7, 2}, 3},
		{"byte aligned", []uint32{255, 0, 128, 17}, 8},
		{"twenty bit", []uint32{0, 1_000_000}, 20},
		{"full width", []uint32{0xFFFFFFFF, 0, 1, 0x80000000}, 32},
		{"empty", []uint32{}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := Pack(nil, tt.values, len(tt.values), tt.bitWidth)

			wantBytes := (len(tt.values)*tt.bitWidth + 7) / 8
			if len(packed) != wantBytes {
				t.Fatalf("expected %d bytes, got %d", wantBytes, len(packed))
			}

			got, err := Unpack(packed, len(tt.values), tt.bitWidth)
			if err != nil {
				t.Fatalf("unpack: %v", err)
			}

			if len(tt.values) == 0 {
				if len(got) != 0 {
					t.Fatalf("expected empty result, got %v", got)
				}
				return
			}

			if !reflect.DeepEqual(got, tt.values) {
				t.Fatalf("round-trip mismatch: want %v, got %v", tt.values, got)
			}
		})
	}
}

func TestPackReusesDestination(t *testing.T) {
	dst := make([]byte, 0, 16)
	dstPtr := &dst[:cap(dst)][0]

	packed := Pack(dst, []uint32{1, 2, 3}, 3, 2)

	if &packed[:cap(packed)][0] != dstPtr {
		t.Fatalf("expected Pack to reuse dst's backing array")
	}
}

func TestPackZeroesDestinationOnReuse(t *testing.T) {
	dst := make([]byte, 4, 16)
	for i := range dst {
		dst[i] = 0xFF
	}

	packed := Pack(dst, []uint32{0, 0}, 2, 4)
	for i, b := range packed {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %#x", i, b)
		}
	}
}

func TestPackPanicsOnOutOfRangeBitWidth(t *testing.T) {
	for _, bw := range []int{0, -1, 33} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("bit width %d: expected panic", bw)
				}
			}()
			Pack(nil, []uint32{0}, 1, bw)
		}()
	}
}

func TestPackPanicsWhenValueDoesNotFit(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for overflowing value")
		}
	}()
	Pack(nil, []uint32{8}, 1, 3) // 8 needs 4 bits, bitWidth is 3
}

func TestUnpackRejectsShortSource(t *testing.T) {
	packed := Pack(nil, []uint32{1, 2, 3, 4}, 4, 8)

	for n := 0; n < len(packed); n++ {
		if _, err := Unpack(packed[:n], 4, 8); err == nil {
			t.Fatalf("expected error unpacking %d of %d bytes", n, len(packed))
		}
	}
}

func TestBitWidthOneEightValuesPerByte(t *testing.T) {
	values := []uint32{1, 0, 1, 1, 0, 0, 1, 0}
	packed := Pack(nil, values, len(values), 1)

	if len(packed) != 1 {
		t.Fatalf("expected 1 byte, got %d", len(packed))
	}

	// bit i of the byte holds values[i]: 0b01001101
	if packed[0] != 0b01001101 {
		t.Fatalf("expected 0b01001101, got %#08b", packed[0])
	}
}

func TestCount0NoIO(t *testing.T) {
	packed := Pack(nil, nil, 0, 7)
	if len(packed) != 0 {
		t.Fatalf("expected 0 bytes, got %d", len(packed))
	}

	got, err := Unpack(nil, 0, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}
