package protocol

import (
	"bytes"
	"testing"
)

func TestIntegerFields(t *testing.T) {
	data := []byte{0x01, 0xFE, 0xFF, 0x34, 0x12, 0x78, 0x56, 0xFF, 0xFF, 0xFF, 0xFF}

	if got := Uint8(data, 1); got != 0xFE {
		t.Errorf("Uint8 = %#x, want 0xfe", got)
	}
	if got := Int8(data, 1); got != -2 {
		t.Errorf("Int8 = %d, want -2", got)
	}
	if got := Uint16(data, 3); got != 0x1234 {
		t.Errorf("Uint16 = %#x, want 0x1234", got)
	}
	if got := Int16(data, 1); got != -2 {
		t.Errorf("Int16 = %d, want -2", got)
	}
	if got := Uint32(data, 3); got != 0x56781234 {
		t.Errorf("Uint32 = %#x, want 0x56781234", got)
	}
	if got := Int32(data, 7); got != -1 {
		t.Errorf("Int32 = %d, want -1", got)
	}
}

func TestCString(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		index  int
		length int
		want   string
	}{
		{"nul terminated", []byte("xxBD6A20S\x00\x00\x00"), 2, 10, "BD6A20S"},
		{"full width", []byte("ABCDEFGH"), 0, 8, "ABCDEFGH"},
		{"stops at field end", []byte("ABCDEFGH"), 2, 3, "CDE"},
		{"empty", []byte{0, 'A', 'B'}, 0, 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CString(tt.data, tt.index, tt.length); got != tt.want {
				t.Errorf("CString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHexString(t *testing.T) {
	if got := HexString(StartOfRecord, 0, 4); got != "AA 55 90 EB" {
		t.Errorf("HexString() = %q, want %q", got, "AA 55 90 EB")
	}
	if got := HexString([]byte{0x00, 0x0a}, 1, 1); got != "0A" {
		t.Errorf("HexString() = %q, want %q", got, "0A")
	}
	if got := HexString([]byte{0x01, 0xfe, 0x7f}, 0, 3); got != "01 FE 7F" {
		t.Errorf("HexString() = %q, want %q", got, "01 FE 7F")
	}
	if got := HexString(StartOfRecord, 2, 0); got != "" {
		t.Errorf("HexString() = %q, want empty", got)
	}
}

func TestPutCStringPads(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 8)
	putCString(data, 1, 6, "abc")
	want := []byte{0xFF, 'a', 'b', 'c', 0, 0, 0, 0xFF}
	if !bytes.Equal(data, want) {
		t.Errorf("putCString() = %x, want %x", data, want)
	}
}

func TestCommandFrames(t *testing.T) {
	identity := []byte("\xaa\x55\x90\xeb\x97\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x11")
	cellInfo := []byte("\xaa\x55\x90\xeb\x96\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x10")

	if !bytes.Equal(RequestIdentity[:], identity) {
		t.Errorf("RequestIdentity = %x, want %x", RequestIdentity[:], identity)
	}
	if !bytes.Equal(RequestSettings[:], cellInfo) {
		t.Errorf("RequestSettings = %x, want %x", RequestSettings[:], cellInfo)
	}
	if Checksum(RequestIdentity[:CommandLen-1]) != RequestIdentity[CommandLen-1] {
		t.Error("RequestIdentity checksum mismatch")
	}
}
