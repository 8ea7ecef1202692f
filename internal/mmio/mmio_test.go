package mmio

import "testing"

func TestMemReadWrite(t *testing.T) {
	r := NewMem(16)
	r.WriteBE32(0, 0xDEADBEEF)
	if got := r.ReadBE32(0); got != 0xDEADBEEF {
		t.Fatalf("got 0x%x want 0xDEADBEEF", got)
	}
	b := r.Bytes()
	if b[0] != 0xDE || b[1] != 0xAD || b[2] != 0xBE || b[3] != 0xEF {
		t.Fatalf("wire bytes not big-endian: % x", b[:4])
	}
}

func TestSetClearTestBits(t *testing.T) {
	r := NewMem(4)
	SetBits(r, 0, 0x0F)
	if !TestBits(r, 0, 0x01) {
		t.Fatal("expected bit set")
	}
	ClearBits(r, 0, 0x0F)
	if TestBits(r, 0, 0x0F) {
		t.Fatal("expected bits cleared")
	}
}
