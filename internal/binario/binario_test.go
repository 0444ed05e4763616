package binario_test

import (
	"testing"

	"github.com/maxpoletaev/dendy/internal/binario"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	buf := binario.NewWriter(nil).
		Uint32(0xDEADBEEF).
		Uint16(0xCAFE).
		FixedString("host", 8).
		Bytes()

	r := binario.NewReader(buf)

	if got := r.Uint32(); got != 0xDEADBEEF {
		t.Fatalf("Uint32 = %#x, want 0xDEADBEEF", got)
	}

	if got := r.Uint16(); got != 0xCAFE {
		t.Fatalf("Uint16 = %#x, want 0xCAFE", got)
	}

	if got := r.FixedString(8); got != "host" {
		t.Fatalf("FixedString = %q, want %q", got, "host")
	}
}

func TestFixedStringTruncatesLongInput(t *testing.T) {
	buf := binario.NewWriter(nil).FixedString("this-is-too-long", 4).Bytes()

	if len(buf) != 4 {
		t.Fatalf("len(buf) = %d, want 4", len(buf))
	}

	if got := binario.NewReader(buf).FixedString(4); got != "this" {
		t.Fatalf("FixedString = %q, want %q", got, "this")
	}
}

func TestFixedStringWithoutTerminator(t *testing.T) {
	buf := []byte{'a', 'b', 'c', 'd'}

	if got := binario.NewReader(buf).FixedString(4); got != "abcd" {
		t.Fatalf("FixedString = %q, want %q", got, "abcd")
	}
}

func TestInt32Negative(t *testing.T) {
	buf := binario.NewWriter(nil).Uint32(0xFFFFFFFF).Bytes()

	if got := binario.NewReader(buf).Int32(); got != -1 {
		t.Fatalf("Int32 = %d, want -1", got)
	}
}
