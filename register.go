// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"math"
)

// maxElementSize bounds the typed register payload the API admits. The
// source library's fixed `temp[32]` scratch buffer is replaced with this
// named bound, enforced at request-build time instead of at a buffer
// overrun.
const maxElementSize = 32

// paddedElementSize returns the even-padded byte size used to hold one
// element of n bytes as whole Modbus registers (p = n when n is even, else
// n+1).
func paddedElementSize(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

// packElement writes one element's host-native bytes (src) into dst
// (len(dst) == paddedElementSize(len(src))) as big-endian register pairs.
// On a big-endian host the bytes are copied verbatim; on a little-endian
// host the codec swaps within each 16-bit half, per §4.1's padding and
// endian rule. Any pad byte introduced by an odd-sized element is zero.
//
// A same-host pack-then-unpack round trip always reproduces the original
// element bytes; the wire bytes a given element produces are a function of
// the packing host's endianness, not a host-independent constant, because
// the Modbus registers a multi-byte element straddles have no universal
// word-order convention (real slave devices differ on this too, hence the
// "byte swap"/"word swap" options common in Modbus tooling).
func packElement(dst, src []byte) {
	p := len(dst)
	s := len(src)
	for i := 0; i < p; i += 2 {
		var lo, hi byte
		if i < s {
			lo = src[i]
		}
		if i+1 < s {
			hi = src[i+1]
		}
		if hostLittleEndian {
			dst[i], dst[i+1] = hi, lo
		} else {
			dst[i], dst[i+1] = lo, hi
		}
	}
}

// unpackElement reverses packElement: src holds paddedElementSize(len(dst))
// bytes of big-endian registers produced by packElement on this same host;
// dst receives the original len(dst) host-native bytes.
func unpackElement(dst, src []byte) {
	s := len(dst)
	for i := 0; i < len(src); i += 2 {
		var lo, hi byte
		if hostLittleEndian {
			hi, lo = src[i], src[i+1]
		} else {
			lo, hi = src[i], src[i+1]
		}
		if i < s {
			dst[i] = lo
		}
		if i+1 < s {
			dst[i+1] = hi
		}
	}
}

// packElements packs count elements of elemSize bytes each (concatenated in
// elems) into dst, which must be count*paddedElementSize(elemSize) bytes.
func packElements(dst []byte, elems []byte, elemSize int) error {
	if elemSize <= 0 || elemSize > maxElementSize {
		return &Error{Kind: KindInvalidSourceSize}
	}
	p := paddedElementSize(elemSize)
	count := len(elems) / elemSize
	if count*elemSize != len(elems) || count*p != len(dst) {
		return &Error{Kind: KindInvalidSourceSize}
	}
	for i := 0; i < count; i++ {
		packElement(dst[i*p:(i+1)*p], elems[i*elemSize:(i+1)*elemSize])
	}
	return nil
}

// unpackElements reverses packElements in place: src holds
// count*paddedElementSize(elemSize) register bytes, dst receives
// count*elemSize host-native element bytes.
func unpackElements(dst []byte, src []byte, elemSize int) error {
	if elemSize <= 0 || elemSize > maxElementSize {
		return &Error{Kind: KindInvalidSourceSize}
	}
	p := paddedElementSize(elemSize)
	count := len(src) / p
	if count*p != len(src) || count*elemSize != len(dst) {
		return &Error{Kind: KindInvalidSourceSize}
	}
	for i := 0; i < count; i++ {
		unpackElement(dst[i*elemSize:(i+1)*elemSize], src[i*p:(i+1)*p])
	}
	return nil
}

// RegisterValue is the set of element kinds the typed convenience helpers
// accept; arbitrary (including odd) byte widths are still reachable via the
// raw packElements/unpackElements pair above, used by the PDU builders for
// caller-supplied []byte payloads.
type RegisterValue interface {
	~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func elementBytes[T RegisterValue](v T) []byte {
	switch x := any(v).(type) {
	case uint16:
		b := make([]byte, 2)
		binary.NativeEndian.PutUint16(b, x)
		return b
	case int16:
		b := make([]byte, 2)
		binary.NativeEndian.PutUint16(b, uint16(x))
		return b
	case uint32:
		b := make([]byte, 4)
		binary.NativeEndian.PutUint32(b, x)
		return b
	case int32:
		b := make([]byte, 4)
		binary.NativeEndian.PutUint32(b, uint32(x))
		return b
	case uint64:
		b := make([]byte, 8)
		binary.NativeEndian.PutUint64(b, x)
		return b
	case int64:
		b := make([]byte, 8)
		binary.NativeEndian.PutUint64(b, uint64(x))
		return b
	case float32:
		b := make([]byte, 4)
		binary.NativeEndian.PutUint32(b, math.Float32bits(x))
		return b
	case float64:
		b := make([]byte, 8)
		binary.NativeEndian.PutUint64(b, math.Float64bits(x))
		return b
	default:
		panic("modbus: unreachable RegisterValue kind")
	}
}

func bytesToElement[T RegisterValue](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case uint16:
		return any(binary.NativeEndian.Uint16(b)).(T)
	case int16:
		return any(int16(binary.NativeEndian.Uint16(b))).(T)
	case uint32:
		return any(binary.NativeEndian.Uint32(b)).(T)
	case int32:
		return any(int32(binary.NativeEndian.Uint32(b))).(T)
	case uint64:
		return any(binary.NativeEndian.Uint64(b)).(T)
	case int64:
		return any(int64(binary.NativeEndian.Uint64(b))).(T)
	case float32:
		return any(math.Float32frombits(binary.NativeEndian.Uint32(b))).(T)
	case float64:
		return any(math.Float64frombits(binary.NativeEndian.Uint64(b))).(T)
	default:
		panic("modbus: unreachable RegisterValue kind")
	}
}

func elementSizeOf[T RegisterValue]() int {
	var zero T
	return len(elementBytes(zero))
}

// PackTyped packs values into dst as Modbus registers and returns the
// number of bytes written (len(values) * paddedElementSize(sizeof(T))).
// dst must be at least that long.
func PackTyped[T RegisterValue](dst []byte, values []T) (int, error) {
	elemSize := elementSizeOf[T]()
	p := paddedElementSize(elemSize)
	need := len(values) * p
	if len(dst) < need {
		return 0, &Error{Kind: KindBufferTooSmall}
	}
	raw := make([]byte, len(values)*elemSize)
	for i, v := range values {
		copy(raw[i*elemSize:], elementBytes(v))
	}
	if err := packElements(dst[:need], raw, elemSize); err != nil {
		return 0, err
	}
	return need, nil
}

// UnpackTyped reverses PackTyped: src holds count*paddedElementSize(T)
// register bytes and is decoded into count values of type T.
func UnpackTyped[T RegisterValue](src []byte) ([]T, error) {
	elemSize := elementSizeOf[T]()
	p := paddedElementSize(elemSize)
	if len(src)%p != 0 {
		return nil, &Error{Kind: KindInvalidByteLength}
	}
	count := len(src) / p
	raw := make([]byte, count*elemSize)
	if err := unpackElements(raw, src, elemSize); err != nil {
		return nil, err
	}
	values := make([]T, count)
	for i := range values {
		values[i] = bytesToElement[T](raw[i*elemSize : (i+1)*elemSize])
	}
	return values, nil
}
