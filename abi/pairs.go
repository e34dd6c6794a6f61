package abi

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPairs is returned when a serialized header map is truncated
// or its lengths disagree with its payload.
var ErrMalformedPairs = errors.New("malformed header pairs")

// EncodePairs serializes a header map: a u32 count, count pairs of u32
// key and value lengths, then each key and value followed by a NUL byte.
func EncodePairs(pairs [][2]string) []byte {
	size := 4 + 8*len(pairs)
	for _, p := range pairs {
		size += len(p[0]) + len(p[1]) + 2
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(pairs)))
	off := 4
	for _, p := range pairs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p[0])))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(p[1])))
		off += 8
	}
	for _, p := range pairs {
		off += copy(buf[off:], p[0])
		buf[off] = 0
		off++
		off += copy(buf[off:], p[1])
		buf[off] = 0
		off++
	}
	return buf
}

// DecodePairs is the inverse of EncodePairs. An empty input decodes to no pairs.
func DecodePairs(data []byte) ([][2]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, ErrMalformedPairs
	}

	n := int(binary.LittleEndian.Uint32(data))
	if n == 0 {
		return nil, nil
	}
	if n > (len(data)-4)/8 {
		return nil, ErrMalformedPairs
	}

	sizes := data[4 : 4+8*n]
	payload := data[4+8*n:]
	pairs := make([][2]string, 0, n)
	for i := 0; i < n; i++ {
		klen := int(binary.LittleEndian.Uint32(sizes[8*i:]))
		vlen := int(binary.LittleEndian.Uint32(sizes[8*i+4:]))
		if klen+vlen+2 > len(payload) {
			return nil, ErrMalformedPairs
		}
		key := string(payload[:klen])
		payload = payload[klen+1:]
		val := string(payload[:vlen])
		payload = payload[vlen+1:]
		pairs = append(pairs, [2]string{key, val})
	}
	return pairs, nil
}
