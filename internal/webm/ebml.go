package webm

import (
	"errors"
	"fmt"
)

// Element IDs used while walking a WebM file. IDs keep their length marker
// bits, as they appear on the wire.
const (
	idEBML          uint32 = 0x1A45DFA3
	idSegment       uint32 = 0x18538067
	idSeekHead      uint32 = 0x114D9B74
	idSeek          uint32 = 0x4DBB
	idSeekID        uint32 = 0x53AB
	idSeekPosition  uint32 = 0x53AC
	idInfo          uint32 = 0x1549A966
	idTimecodeScale uint32 = 0x2AD7B1
	idDuration      uint32 = 0x4489
	idCluster       uint32 = 0x1F43B675
	idCues          uint32 = 0x1C53BB6B
)

// unknownSize marks an element whose size field has all value bits set.
// MediaRecorder style muxers emit Segment and Cluster this way.
const unknownSize int64 = -1

var (
	errTruncated  = errors.New("element runs past end of data")
	errBadVint    = errors.New("invalid variable-length integer")
	errBadElement = errors.New("invalid element header")
)

// element is one parsed EBML element header. Offsets are absolute
// positions in the buffer it was read from.
type element struct {
	id        uint32
	start     int // first byte of the ID
	sizeAt    int // first byte of the size field
	dataStart int
	size      int64
	end       int // dataStart+size, or the enclosing limit for unknown sizes
}

func (e element) idLen() int   { return e.sizeAt - e.start }
func (e element) sizeLen() int { return e.dataStart - e.sizeAt }

// vintLen returns the encoded length of the vint starting with b.
func vintLen(b byte) int {
	for i := 0; i < 8; i++ {
		if b&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

// readID reads an element ID at off. IDs are at most 4 bytes long.
func readID(b []byte, off int) (uint32, int, error) {
	if off >= len(b) {
		return 0, 0, errTruncated
	}
	n := vintLen(b[off])
	if n == 0 || n > 4 {
		return 0, 0, errBadVint
	}
	if off+n > len(b) {
		return 0, 0, errTruncated
	}
	var id uint32
	for i := 0; i < n; i++ {
		id = id<<8 | uint32(b[off+i])
	}
	return id, n, nil
}

// readSize reads an element data size at off. The returned size is
// unknownSize when every value bit is set.
func readSize(b []byte, off int) (int64, int, error) {
	if off >= len(b) {
		return 0, 0, errTruncated
	}
	n := vintLen(b[off])
	if n == 0 {
		return 0, 0, errBadVint
	}
	if off+n > len(b) {
		return 0, 0, errTruncated
	}
	v := uint64(b[off] & (0xFF >> n))
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(b[off+i])
	}
	if v == 1<<(7*uint(n))-1 {
		return unknownSize, n, nil
	}
	if v > 1<<62 {
		return 0, 0, errBadVint
	}
	return int64(v), n, nil
}

// readElement reads the header of the element at off. limit bounds the
// element: known sizes must fit inside it and unknown sizes extend to it.
func readElement(b []byte, off, limit int) (element, error) {
	if limit > len(b) {
		limit = len(b)
	}
	id, idLen, err := readID(b[:limit], off)
	if err != nil {
		return element{}, fmt.Errorf("%w at offset %d: %v", errBadElement, off, err)
	}
	size, sizeLen, err := readSize(b[:limit], off+idLen)
	if err != nil {
		return element{}, fmt.Errorf("%w at offset %d: %v", errBadElement, off, err)
	}

	el := element{
		id:        id,
		start:     off,
		sizeAt:    off + idLen,
		dataStart: off + idLen + sizeLen,
		size:      size,
	}
	if size == unknownSize {
		el.end = limit
		return el, nil
	}
	if int64(limit-el.dataStart) < size {
		return element{}, fmt.Errorf("element 0x%X at offset %d: %w", id, off, errTruncated)
	}
	el.end = el.dataStart + int(size)
	return el, nil
}

// readUint decodes a big-endian unsigned integer payload of up to 8 bytes.
func readUint(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > 8 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, true
}

// putUint writes v big-endian into b using all of b. It reports false when
// v does not fit.
func putUint(b []byte, v uint64) bool {
	if len(b) == 0 || len(b) > 8 {
		return false
	}
	if len(b) < 8 && v>>(8*uint(len(b))) != 0 {
		return false
	}
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return true
}

// encodeSize encodes v as a size vint of at least minLen bytes. The all-ones
// pattern is reserved for unknown sizes and never produced.
func encodeSize(v uint64, minLen int) ([]byte, bool) {
	if minLen < 1 {
		minLen = 1
	}
	for n := minLen; n <= 8; n++ {
		limit := uint64(1)<<(7*uint(n)) - 1
		if v >= limit {
			continue
		}
		out := make([]byte, n)
		putUint(out, v)
		out[0] |= 0x80 >> (n - 1)
		return out, true
	}
	return nil, false
}
