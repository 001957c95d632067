// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode provides the byte-encoding helpers shared by the storage
// layer and the crypto packages.
package encode

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

var (
	// IntCoder is the engine-wide integer byte-encoding order. IntCoder is
	// BigEndian so lexicographic key ordering matches numeric ordering.
	IntCoder = binary.BigEndian
	// A byte-slice representation of boolean false.
	ByteFalse = []byte{0}
	// A byte-slice representation of boolean true.
	ByteTrue = []byte{1}
)

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte
// slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// BytesToUint32 converts the length-4, big-endian encoded byte slice to a
// uint32.
func BytesToUint32(b []byte) uint32 {
	return IntCoder.Uint32(b[:4])
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte
// slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// BytesToUint64 converts the length-8, big-endian encoded byte slice to a
// uint64.
func BytesToUint64(b []byte) uint64 {
	return IntCoder.Uint64(b[:8])
}

// CopySlice makes a copy of the slice.
func CopySlice(b []byte) []byte {
	newB := make([]byte, len(b))
	copy(newB, b)
	return newB
}

// RandomBytes returns a byte slice with the specified length of random
// bytes.
func RandomBytes(len int) []byte {
	b := make([]byte, len)
	_, err := rand.Read(b)
	if err != nil {
		panic("error reading random bytes: " + err.Error())
	}
	return b
}

// UnixMilli returns the elapsed time in milliseconds since the Unix epoch
// for the given time.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

// UnixTimeMilli converts the milliseconds-since-epoch stamp to a UTC
// time.Time.
func UnixTimeMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
