package bitfield

import "testing"

func TestBitsRoundTrip(t *testing.T) {
	f := Bits(8, 11) // 4-bit field at bit 8
	var word uint32
	word = f.Set(word, 0xD)
	if got := f.Get(word); got != 0xD {
		t.Fatalf("got %x want D", got)
	}
	if word != 0xD00 {
		t.Fatalf("got word %#x want 0xD00", word)
	}
}

func TestBitBool(t *testing.T) {
	f := Bit(3)
	word := SetBool(0, f, true)
	if !GetBool(word, f) {
		t.Fatal("expected bit set")
	}
	word = SetBool(word, f, false)
	if GetBool(word, f) {
		t.Fatal("expected bit clear")
	}
}
