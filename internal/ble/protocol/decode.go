// Package protocol implements the JK BMS binary telemetry protocol carried
// over BLE notifications: field decoding, record layouts, command frames and
// reassembly of fragmented notifications into whole records.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// The field readers below trust the caller to have bounds-checked data.
// FrameBuffer guarantees MaxRecordLen bytes before any record is decoded.

// Uint8 returns the byte at index.
func Uint8(data []byte, index int) uint8 {
	return data[index]
}

// Int8 returns the byte at index as a signed value.
func Int8(data []byte, index int) int8 {
	return int8(data[index])
}

// Uint16 reads a little-endian uint16 starting at index.
func Uint16(data []byte, index int) uint16 {
	return binary.LittleEndian.Uint16(data[index:])
}

// Int16 reads a little-endian int16 starting at index.
func Int16(data []byte, index int) int16 {
	return int16(binary.LittleEndian.Uint16(data[index:]))
}

// Uint32 reads a little-endian uint32 starting at index.
func Uint32(data []byte, index int) uint32 {
	return binary.LittleEndian.Uint32(data[index:])
}

// Int32 reads a little-endian int32 starting at index.
func Int32(data []byte, index int) int32 {
	return int32(binary.LittleEndian.Uint32(data[index:]))
}

// CString reads a fixed-length text field of length bytes, stopping at the
// first NUL byte.
func CString(data []byte, index, length int) string {
	field := data[index : index+length]
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// HexString renders length bytes starting at index as space-separated
// upper-case hex pairs, e.g. "AA 55 90 EB".
func HexString(data []byte, index, length int) string {
	return fmt.Sprintf("% X", data[index:index+length])
}

// Checksum returns the 8-bit additive checksum of data.
func Checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// putCString writes s into a fixed-length field, zero-padding the remainder
// and truncating s if it does not fit.
func putCString(data []byte, index, length int, s string) {
	field := data[index : index+length]
	n := copy(field, s)
	clear(field[n:])
}
