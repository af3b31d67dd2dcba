// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode provides the byte encodings used for keys and values in the
// snapshot database.
package encode

import (
	"encoding/binary"
	"fmt"
	"math"
)

var (
	// IntCoder is the byte order of all integer encodings. It must be
	// BigEndian so that encoded integer keys sort numerically.
	IntCoder = binary.BigEndian
	// MaxDataLen is the largest push AddData accepts. The top two bytes of a
	// 4-byte length stop at 254, which is how the decoder tells it apart from
	// a 2-byte length.
	MaxDataLen = 0x00fe_ffff
)

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// BytesToUint64 decodes a length-8, big-endian encoded byte slice. A short
// slice decodes to zero.
func BytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return IntCoder.Uint64(b[:8])
}

// CopySlice makes a copy of the slice. Values read inside a bbolt transaction
// are only valid until it ends.
func CopySlice(b []byte) []byte {
	newB := make([]byte, len(b))
	copy(newB, b)
	return newB
}

// ExtractPushes parses the linearly-encoded 2D byte slice into a slice of
// slices. Empty pushes are nil slices.
func ExtractPushes(b []byte, preAlloc ...int) ([][]byte, error) {
	allocPushes := 2
	if len(preAlloc) > 0 {
		allocPushes = preAlloc[0]
	}
	pushes := make([][]byte, 0, allocPushes)
	for len(b) > 0 {
		l := int(b[0])
		b = b[1:]
		if l == 0xff {
			if len(b) < 2 {
				return nil, fmt.Errorf("2 bytes not available for data length")
			}
			l = int(IntCoder.Uint16(b[:2]))
			if l < 0xff {
				// A 4-byte length whose top two bytes are below 255.
				if len(b) < 4 {
					return nil, fmt.Errorf("4 bytes not available for 32-bit data length")
				}
				l = int(IntCoder.Uint32(b[:4]))
				b = b[4:]
			} else {
				b = b[2:]
			}
		}
		if len(b) < l {
			return nil, fmt.Errorf("data too short for pop of %d bytes", l)
		}
		if l == 0 {
			pushes = append(pushes, nil)
			continue
		}
		pushes = append(pushes, b[:l])
		b = b[l:]
	}
	return pushes, nil
}

// DecodeBlob decodes a versioned blob into its version and the pushes extracted
// from its data. Empty pushes will be nil.
func DecodeBlob(b []byte, preAlloc ...int) (byte, [][]byte, error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("zero length blob not allowed")
	}
	pushes, err := ExtractPushes(b[1:], preAlloc...)
	return b[0], pushes, err
}

// DecodeVersioned decodes a blob that must have the given version and exactly
// n pushes.
func DecodeVersioned(b []byte, ver byte, n int) ([][]byte, error) {
	v, pushes, err := DecodeBlob(b, n)
	if err != nil {
		return nil, err
	}
	if v != ver {
		return nil, fmt.Errorf("unknown version %d", v)
	}
	if len(pushes) != n {
		return nil, fmt.Errorf("expected %d pushes, got %d", n, len(pushes))
	}
	return pushes, nil
}

// BuildyBytes is a byte-slice with an AddData method for building linearly
// encoded 2D byte slices. A versioned blob starts with a single version byte:
//
//	b := BuildyBytes{version}.AddData(data1).AddData(data2)
//
// and is decoded with DecodeBlob.
type BuildyBytes []byte

// AddData adds the data to the BuildyBytes, and returns the new BuildyBytes.
// AddData panics if the data is longer than MaxDataLen. Use CheckLen first
// when the size is not bounded.
func (b BuildyBytes) AddData(d []byte) BuildyBytes {
	l := len(d)
	var lBytes []byte
	if l >= 0xff {
		if l > MaxDataLen {
			panic("cannot use AddData for pushes > 16711679 bytes")
		}
		var i []byte
		if l > math.MaxUint16 {
			i = make([]byte, 4)
			IntCoder.PutUint32(i, uint32(l))
		} else {
			i = make([]byte, 2)
			IntCoder.PutUint16(i, uint16(l))
		}
		lBytes = append([]byte{0xff}, i...)
	} else {
		lBytes = []byte{byte(l)}
	}
	return append(b, append(lBytes, d...)...)
}

// CheckLen returns an error if any of the pushes is too long for AddData.
func CheckLen(pushes ...[]byte) error {
	for i, p := range pushes {
		if len(p) > MaxDataLen {
			return fmt.Errorf("push %d is %d bytes, limit is %d", i, len(p), MaxDataLen)
		}
	}
	return nil
}
