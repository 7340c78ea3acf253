// Package webm patches the Segment duration of WebM files produced by
// streaming muxers, which cannot know the total length while writing and
// leave the Duration element out of the Info header.
package webm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrRepairSkipped is returned by Repair when the input is not a WebM layout
// it can patch safely. The input is never modified in that case.
var ErrRepairSkipped = errors.New("webm duration repair skipped")

// defaultTimecodeScale is the Matroska default: one tick per millisecond.
const defaultTimecodeScale = 1_000_000

// durationElementLen is the encoded length of an inserted Duration element:
// 2-byte ID, 1-byte size, 8-byte float.
const durationElementLen = 11

// layout is what Repair needs to know about a file before touching it.
type layout struct {
	segment  element
	info     element
	duration *element
	seekHead *element
	scale    uint64
	hasCues  bool
}

var cuesID = []byte{0x1C, 0x53, 0xBB, 0x6B}

func containsCuesID(b []byte) bool {
	return bytes.Contains(b, cuesID)
}

func skipped(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRepairSkipped, fmt.Sprintf(format, args...))
}

// parseLayout walks the EBML header, the Segment and the Segment's
// top-level children. Info and SeekHead are taken from before the first
// Cluster; the rest of the Segment is only checked for Cues.
func parseLayout(data []byte) (*layout, error) {
	header, err := readElement(data, 0, len(data))
	if err != nil {
		return nil, skipped("%v", err)
	}
	if header.id != idEBML || header.size == unknownSize {
		return nil, skipped("missing EBML header")
	}

	segment, err := readElement(data, header.end, len(data))
	if err != nil {
		return nil, skipped("%v", err)
	}
	if segment.id != idSegment {
		return nil, skipped("expected Segment, found element 0x%X", segment.id)
	}

	l := &layout{segment: segment, scale: defaultTimecodeScale}
	var info *element
	inClusters := false

	for off := segment.dataStart; off < segment.end; {
		el, err := readElement(data, off, segment.end)
		if err != nil {
			if !inClusters {
				return nil, skipped("%v", err)
			}
			// A truncated tail is common in streamed files.
			l.hasCues = l.hasCues || containsCuesID(data[off:segment.end])
			break
		}
		switch el.id {
		case idCluster:
			inClusters = true
		case idInfo:
			if info == nil && !inClusters {
				e := el
				info = &e
			}
		case idSeekHead:
			if l.seekHead == nil && !inClusters {
				e := el
				l.seekHead = &e
			}
		case idCues:
			l.hasCues = true
		}
		if el.size == unknownSize {
			// An open-ended element runs to the end of the Segment, so
			// anything after it can only be found by its ID bytes.
			l.hasCues = l.hasCues || containsCuesID(data[el.dataStart:segment.end])
			break
		}
		off = el.end
	}

	if info == nil {
		return nil, skipped("no Info element before first Cluster")
	}
	if info.size == unknownSize {
		return nil, skipped("Info element has unknown size")
	}
	l.info = *info

	for off := info.dataStart; off < info.end; {
		el, err := readElement(data, off, info.end)
		if err != nil {
			return nil, skipped("%v", err)
		}
		if el.size == unknownSize {
			return nil, skipped("Info child 0x%X has unknown size", el.id)
		}
		switch el.id {
		case idTimecodeScale:
			scale, ok := readUint(data[el.dataStart:el.end])
			if !ok || scale == 0 {
				return nil, skipped("invalid TimecodeScale")
			}
			l.scale = scale
		case idDuration:
			e := el
			l.duration = &e
		}
		off = el.end
	}

	return l, nil
}

// Repair returns a copy of data whose Segment Info carries duration d.
// A Duration element that already exists is overwritten in place; otherwise
// one is appended to Info and every size and SeekHead offset that covers the
// insertion point is adjusted. When the layout is anything other than what
// it expects, Repair returns data unchanged together with an error wrapping
// ErrRepairSkipped.
func Repair(data []byte, d time.Duration) ([]byte, error) {
	if d < 0 {
		return data, skipped("negative duration %s", d)
	}
	l, err := parseLayout(data)
	if err != nil {
		return data, err
	}

	ticks := float64(d.Nanoseconds()) / float64(l.scale)

	if l.duration != nil {
		out := append([]byte(nil), data...)
		payload := out[l.duration.dataStart:l.duration.end]
		switch len(payload) {
		case 8:
			binary.BigEndian.PutUint64(payload, math.Float64bits(ticks))
		case 4:
			binary.BigEndian.PutUint32(payload, math.Float32bits(float32(ticks)))
		default:
			return data, skipped("Duration element has %d-byte payload", len(payload))
		}
		return out, nil
	}

	return insertDuration(data, l, ticks)
}

// FixDuration is Repair without the diagnostic: it always returns playable
// bytes, patched when possible and untouched otherwise.
func FixDuration(data []byte, d time.Duration) []byte {
	out, err := Repair(data, d)
	if err != nil {
		return data
	}
	return out
}

func insertDuration(data []byte, l *layout, ticks float64) ([]byte, error) {
	if l.hasCues {
		return data, skipped("Cues present, cluster positions would shift")
	}

	info := l.info
	newInfoSize, ok := encodeSize(uint64(info.size)+durationElementLen, info.sizeLen())
	if !ok {
		return data, skipped("Info size overflow")
	}
	delta := durationElementLen + len(newInfoSize) - info.sizeLen()

	// SeekHead entries are relative to the first byte of Segment data.
	segData := l.segment.dataStart
	infoRel := uint64(info.start - segData)

	var seekFix []seekPosition
	if l.seekHead != nil {
		entries, err := readSeekPositions(data, *l.seekHead)
		if err != nil {
			return data, err
		}
		for _, e := range entries {
			if e.target == idCues {
				return data, skipped("SeekHead indexes Cues, cluster positions would shift")
			}
			if e.position > infoRel {
				seekFix = append(seekFix, e)
			}
		}
	}

	durationEl := make([]byte, durationElementLen)
	durationEl[0], durationEl[1], durationEl[2] = 0x44, 0x89, 0x88
	binary.BigEndian.PutUint64(durationEl[3:], math.Float64bits(ticks))

	out := make([]byte, 0, len(data)+delta)
	out = append(out, data[:info.sizeAt]...)
	out = append(out, newInfoSize...)
	out = append(out, data[info.dataStart:info.end]...)
	out = append(out, durationEl...)
	out = append(out, data[info.end:]...)

	if l.segment.size != unknownSize {
		seg := l.segment
		if !putSize(out[seg.sizeAt:seg.dataStart], uint64(seg.size)+uint64(delta)) {
			return data, skipped("Segment size does not fit its size field")
		}
	}

	for _, e := range seekFix {
		at := e.valueStart
		if at >= info.end {
			at += delta
		}
		if !putUint(out[at:at+e.valueLen], e.position+uint64(delta)) {
			return data, skipped("SeekPosition does not fit its field")
		}
	}

	return out, nil
}

// putSize rewrites a size vint in place, keeping its width.
func putSize(field []byte, v uint64) bool {
	enc, ok := encodeSize(v, len(field))
	if !ok || len(enc) != len(field) {
		return false
	}
	copy(field, enc)
	return true
}

type seekPosition struct {
	target     uint32
	position   uint64
	valueStart int
	valueLen   int
}

func readSeekPositions(data []byte, head element) ([]seekPosition, error) {
	var out []seekPosition
	for off := head.dataStart; off < head.end; {
		seek, err := readElement(data, off, head.end)
		if err != nil || seek.size == unknownSize {
			return nil, skipped("malformed SeekHead")
		}
		off = seek.end
		if seek.id != idSeek {
			continue
		}

		entry := seekPosition{}
		found := false
		for c := seek.dataStart; c < seek.end; {
			child, err := readElement(data, c, seek.end)
			if err != nil || child.size == unknownSize {
				return nil, skipped("malformed Seek entry")
			}
			payload := data[child.dataStart:child.end]
			switch child.id {
			case idSeekID:
				id, ok := readUint(payload)
				if !ok || id > math.MaxUint32 {
					return nil, skipped("malformed SeekID")
				}
				entry.target = uint32(id)
			case idSeekPosition:
				pos, ok := readUint(payload)
				if !ok {
					return nil, skipped("malformed SeekPosition")
				}
				entry.position = pos
				entry.valueStart = child.dataStart
				entry.valueLen = len(payload)
				found = true
			}
			c = child.end
		}
		if found {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ReadDuration returns the Segment duration stored in data, if any.
func ReadDuration(data []byte) (time.Duration, bool) {
	l, err := parseLayout(data)
	if err != nil || l.duration == nil {
		return 0, false
	}
	payload := data[l.duration.dataStart:l.duration.end]
	var ticks float64
	switch len(payload) {
	case 8:
		ticks = math.Float64frombits(binary.BigEndian.Uint64(payload))
	case 4:
		ticks = float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))
	default:
		return 0, false
	}
	if math.IsNaN(ticks) || math.IsInf(ticks, 0) || ticks < 0 {
		return 0, false
	}
	return time.Duration(math.Round(ticks * float64(l.scale))), true
}
